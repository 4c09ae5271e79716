// Package control manages named HeVM sessions and exposes them over gRPC.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/fortiblox/hevm/pkg/hevm/builtins"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/fortiblox/hevm/pkg/journal"
	"github.com/fortiblox/hevm/pkg/store"
	"github.com/rs/zerolog"
)

// Manager errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrNoLibrary       = errors.New("no program store configured")
	ErrBadRequest      = errors.New("bad request")
	ErrManagerClosed   = errors.New("manager closed")
)

// DefaultMaxOutput is the per-session output buffer size.
const DefaultMaxOutput = 1 << 20

// Library resolves stored programs by name. *store.BoltStore satisfies it.
type Library interface {
	Get(name string) (*image.Image, *store.Entry, error)
}

// Recorder persists finished runs. *journal.Journal satisfies it.
type Recorder interface {
	Append(rec *journal.Record) (uint64, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Library resolves LoadRequest.Program. Optional.
	Library Library

	// Recorder receives a record when a session halts or is closed. Optional.
	Recorder Recorder

	// Defaults are the VM limits applied to every session.
	Defaults hevm.Opts

	// MaxOutput bounds each session's buffered output (0 = DefaultMaxOutput).
	MaxOutput int

	// Logger is the base logger. Nil disables logging.
	Logger *zerolog.Logger
}

// Session is one loaded program and its VM.
type Session struct {
	Name    string
	Program string
	Digest  image.Digest
	Started time.Time

	vm       *hevm.VM
	out      *outputBuffer
	recorded sync.Once
	watched  chan struct{}
}

// VM returns the session's VM.
func (s *Session) VM() *hevm.VM {
	return s.vm
}

// Status snapshots the session.
func (s *Session) Status() *StatusReply {
	return &StatusReply{
		Session:    s.Name,
		Program:    s.Program,
		Digest:     s.Digest.String(),
		Status:     s.vm.Status().String(),
		Reason:     s.vm.CrashReason(),
		PC:         s.vm.PC(),
		Steps:      s.vm.Steps(),
		StackTrace: s.vm.StackTrace(),
	}
}

// Manager owns a set of named sessions.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	nextID atomic.Uint64
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	return &Manager{
		cfg:      cfg,
		log:      logger.With().Str("component", "control").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Load resolves the requested image and starts a session for it.
func (m *Manager) Load(req *LoadRequest) (*Session, error) {
	img, program, err := m.resolve(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	name := req.Session
	if name == "" {
		name = fmt.Sprintf("s%d", m.nextID.Add(1))
	}
	if _, ok := m.sessions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}

	out := newOutputBuffer(m.cfg.MaxOutput)
	opts := m.cfg.Defaults
	if req.StepLimit != 0 {
		opts.StepLimit = req.StepLimit
	}
	if req.MaxCallDepth != 0 {
		opts.MaxCallDepth = req.MaxCallDepth
	}
	if req.MaxStackDepth != 0 {
		opts.MaxStackDepth = req.MaxStackDepth
	}
	if req.DataSize != 0 {
		opts.DataSize = req.DataSize
	}
	opts.Functions = builtins.Functions(builtins.Options{Stdout: out})
	logger := m.log.With().Str("session", name).Logger()
	opts.Logger = &logger

	s := &Session{
		Name:    name,
		Program: program,
		Digest:  image.Sum(img),
		Started: time.Now().UTC(),
		vm:      hevm.New(img.Program, img.Constants, opts),
		out:     out,
		watched: make(chan struct{}),
	}
	m.sessions[name] = s
	go m.watch(s)

	logger.Info().
		Str("program", program).
		Str("digest", s.Digest.Short()).
		Int("instructions", len(img.Program)).
		Msg("session loaded")

	if req.Run {
		if err := s.vm.Run(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// resolve loads the image named by req.
func (m *Manager) resolve(req *LoadRequest) (*image.Image, string, error) {
	switch {
	case req.Program != "" && len(req.Image) > 0:
		return nil, "", fmt.Errorf("%w: set either program or image, not both", ErrBadRequest)
	case req.Program != "":
		if m.cfg.Library == nil {
			return nil, "", ErrNoLibrary
		}
		img, _, err := m.cfg.Library.Get(req.Program)
		if err != nil {
			return nil, "", err
		}
		return img, req.Program, nil
	case len(req.Image) > 0:
		img, err := image.Decode(req.Image)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return img, "", nil
	default:
		return nil, "", fmt.Errorf("%w: program or image is required", ErrBadRequest)
	}
}

// Get returns the named session.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return s, nil
}

// List returns a snapshot of every session, sorted by name.
func (m *Manager) List() []StatusReply {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]StatusReply, len(sessions))
	for i, s := range sessions {
		out[i] = *s.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// Wait blocks until the named session halts or ctx is done, then returns its
// status. Timing out is not an error.
func (m *Manager) Wait(ctx context.Context, name string) (*StatusReply, error) {
	s, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.vm.Done():
	case <-ctx.Done():
	}
	return s.Status(), nil
}

// Output drains the named session's buffered output.
func (m *Manager) Output(name string) (*OutputReply, error) {
	s, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	data, dropped := s.out.Drain()
	return &OutputReply{Session: name, Output: string(data), Dropped: dropped}, nil
}

// Close shuts the named session down, records it and forgets it.
func (m *Manager) Close(name string) (*StatusReply, error) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	s.vm.Close()
	<-s.watched
	return s.Status(), nil
}

// Shutdown closes every session. Further loads fail with ErrManagerClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Close(name)
	}
}

// watch records the session once its engine exits.
func (m *Manager) watch(s *Session) {
	defer close(s.watched)
	<-s.vm.Done()
	m.record(s)
}

func (m *Manager) record(s *Session) {
	s.recorded.Do(func() {
		st := s.Status()
		event := m.log.Info()
		if st.Status == hevm.StatusCrashed.String() {
			event = m.log.Warn().Str("reason", st.Reason)
		}
		event.
			Str("session", s.Name).
			Str("status", st.Status).
			Uint64("steps", st.Steps).
			Msg("session halted")

		if m.cfg.Recorder == nil {
			return
		}
		rec := &journal.Record{
			Program:    s.Program,
			Digest:     st.Digest,
			Session:    s.Name,
			Status:     st.Status,
			Reason:     st.Reason,
			StackTrace: s.vm.StackTrace(),
			Steps:      st.Steps,
			Started:    s.Started,
			Finished:   time.Now().UTC(),
		}
		if _, err := m.cfg.Recorder.Append(rec); err != nil {
			m.log.Error().Err(err).Str("session", s.Name).Msg("failed to record run")
		}
	})
}

// outputBuffer collects session output up to a fixed size. Bytes beyond the
// limit are counted and dropped.
type outputBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int64
}

func newOutputBuffer(max int) *outputBuffer {
	return &outputBuffer{max: max}
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	room := o.max - o.buf.Len()
	if room < len(p) {
		if room < 0 {
			room = 0
		}
		o.dropped += int64(len(p) - room)
		o.buf.Write(p[:room])
		return len(p), nil
	}
	o.buf.Write(p)
	return len(p), nil
}

// Drain returns and clears the buffered output and the dropped byte count.
func (o *outputBuffer) Drain() ([]byte, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data := append([]byte(nil), o.buf.Bytes()...)
	dropped := o.dropped
	o.buf.Reset()
	o.dropped = 0
	return data, dropped
}
