package hevm

// Stack is a LIFO of 64-bit values. It backs both the operand stack and the
// call stack. A zero limit means unbounded.
type Stack struct {
	items []int64
	limit int
}

// NewStack creates a stack holding at most limit values (0 = unbounded).
func NewStack(limit int) *Stack {
	return &Stack{limit: limit}
}

// Push pushes v. It reports false when the stack is full.
func (s *Stack) Push(v int64) bool {
	if s.limit > 0 && len(s.items) >= s.limit {
		return false
	}
	s.items = append(s.items, v)
	return true
}

// Pop removes and returns the top value. It reports false when empty.
func (s *Stack) Pop() (int64, bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	v := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return v, true
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (int64, bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[len(s.items)-1], true
}

// Depth returns the number of values on the stack.
func (s *Stack) Depth() int {
	return len(s.items)
}

// Snapshot returns a copy of the stack, bottom first.
func (s *Stack) Snapshot() []int64 {
	out := make([]int64, len(s.items))
	copy(out, s.items)
	return out
}
