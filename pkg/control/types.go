package control

// LoadRequest creates a session. Exactly one of Program (a name in the
// program store) and Image (an encoded image) must be set.
type LoadRequest struct {
	Session string `json:"session,omitempty"`
	Program string `json:"program,omitempty"`
	Image   []byte `json:"image,omitempty"`

	// Limits override the server defaults when non-zero.
	StepLimit     uint64 `json:"step_limit,omitempty"`
	MaxCallDepth  int    `json:"max_call_depth,omitempty"`
	MaxStackDepth int    `json:"max_stack_depth,omitempty"`
	DataSize      int    `json:"data_size,omitempty"`

	// Run starts the session immediately instead of leaving it paused.
	Run bool `json:"run,omitempty"`
}

// SessionRequest addresses an existing session.
type SessionRequest struct {
	Session string `json:"session"`
}

// CrashRequest crashes a session with a host-supplied reason.
type CrashRequest struct {
	Session string `json:"session"`
	Reason  string `json:"reason"`
}

// WaitRequest blocks until a session halts or the timeout elapses.
type WaitRequest struct {
	Session   string `json:"session"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// StatusReply describes a session.
type StatusReply struct {
	Session    string  `json:"session"`
	Program    string  `json:"program,omitempty"`
	Digest     string  `json:"digest,omitempty"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	PC         int64   `json:"pc"`
	Steps      uint64  `json:"steps"`
	StackTrace []int64 `json:"stack_trace,omitempty"`
}

// StackTraceReply carries a session's call stack, bottom first. It is empty
// unless the session is paused or crashed.
type StackTraceReply struct {
	Session    string  `json:"session"`
	StackTrace []int64 `json:"stack_trace"`
}

// OutputReply carries output written by a session since the last call.
type OutputReply struct {
	Session string `json:"session"`
	Output  string `json:"output"`
	Dropped int64  `json:"dropped,omitempty"`
}

// ListRequest is the (empty) List request.
type ListRequest struct{}

// ListReply lists every live session.
type ListReply struct {
	Sessions []StatusReply `json:"sessions"`
}
