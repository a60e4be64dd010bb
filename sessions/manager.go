package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/google/uuid"
)

// Defaults for the manager's bounds.
const (
	DefaultMaxSessions             = 1000
	DefaultMaxSessionsPerWorkspace = 50
	DefaultQueueSize               = 64
)

// Handler processes one message posted to a session. It runs on the
// session's worker goroutine; ctx is the session context.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, raw []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, raw []byte)

func (f HandlerFunc) HandleMessage(ctx context.Context, s *Session, raw []byte) { f(ctx, s, raw) }

// Manager is the sole owner of the session table.
type Manager struct {
	handler Handler
	log     *slog.Logger

	maxSessions     int
	maxPerWorkspace int
	queueSize       int

	mu          sync.RWMutex
	sessions    map[string]*Session
	byWorkspace map[string]int
	pending     map[string]int // sessions in Connecting, per workspace
	pendingAll  int
	closing     bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMaxSessions caps the number of sessions in the process. Zero or less
// disables the cap.
func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.maxSessions = n }
}

// WithMaxSessionsPerWorkspace caps concurrent sessions per workspace. Zero
// or less disables the cap.
func WithMaxSessionsPerWorkspace(n int) Option {
	return func(m *Manager) { m.maxPerWorkspace = n }
}

// WithQueueSize sets the inbox capacity of each session.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// NewManager returns an empty Manager dispatching messages to h.
func NewManager(h Handler, opts ...Option) *Manager {
	m := &Manager{
		handler:         h,
		log:             slog.Default(),
		maxSessions:     DefaultMaxSessions,
		maxPerWorkspace: DefaultMaxSessionsPerWorkspace,
		queueSize:       DefaultQueueSize,
		sessions:        make(map[string]*Session),
		byWorkspace:     make(map[string]int),
		pending:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a session for id writing to w. The session's context derives
// from ctx, so cancelling ctx (the stream request ending) closes the session.
// announce runs while the session is Connecting; if it fails the session is
// discarded without ever entering the table.
func (m *Manager) Open(ctx context.Context, w Writer, id Identity, announce func(*Session) error) (*Session, error) {
	if err := m.reserve(id.WorkspaceID); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		id:        uuid.NewString(),
		identity:  id,
		createdAt: time.Now(),
		cancel:    cancel,
		w:         w,
		inbox:     make(chan []byte, m.queueSize),
		done:      make(chan struct{}),
	}
	s.ctx = logctx.WithSessionData(sctx, &logctx.SessionData{
		SessionID:   s.id,
		WorkspaceID: id.WorkspaceID,
		CallerID:    id.CallerID,
	})
	s.state.Store(int32(StateConnecting))

	if announce != nil {
		if err := announce(s); err != nil {
			m.release(id.WorkspaceID)
			m.teardown(s, fmt.Errorf("announce: %w", err))
			return nil, err
		}
	}

	m.mu.Lock()
	m.releaseLocked(id.WorkspaceID)
	if m.closing {
		m.mu.Unlock()
		m.teardown(s, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	if ctx.Err() != nil {
		m.mu.Unlock()
		m.teardown(s, context.Cause(ctx))
		return nil, ErrSessionClosed
	}
	m.sessions[s.id] = s
	m.byWorkspace[id.WorkspaceID]++
	s.state.Store(int32(StateOpen))
	m.mu.Unlock()

	m.log.InfoContext(s.ctx, "session.open.ok")
	go m.run(s)

	return s, nil
}

func (m *Manager) reserve(workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return ErrShuttingDown
	}
	if m.maxSessions > 0 && len(m.sessions)+m.pendingAll >= m.maxSessions {
		return fmt.Errorf("%w: process limit %d reached", ErrTooManySessions, m.maxSessions)
	}
	if m.maxPerWorkspace > 0 && m.byWorkspace[workspaceID]+m.pending[workspaceID] >= m.maxPerWorkspace {
		return fmt.Errorf("%w: workspace limit %d reached", ErrTooManySessions, m.maxPerWorkspace)
	}
	m.pending[workspaceID]++
	m.pendingAll++
	return nil
}

func (m *Manager) release(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(workspaceID)
}

func (m *Manager) releaseLocked(workspaceID string) {
	m.pending[workspaceID]--
	if m.pending[workspaceID] <= 0 {
		delete(m.pending, workspaceID)
	}
	m.pendingAll--
}

// Dispatch queues raw for the session identified by id. It fails with
// ErrSessionNotFound, without side effects, when no such session is open,
// and with ErrQueueFull when the session's inbox is saturated.
func (m *Manager) Dispatch(ctx context.Context, id string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.State() != StateOpen || s.ctx.Err() != nil {
		return ErrSessionNotFound
	}
	select {
	case s.inbox <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down the session with id. It is idempotent in effect: closing
// an unknown or already closed session reports ErrSessionNotFound.
func (m *Manager) Close(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	m.teardown(s, ErrClosed)
	return nil
}

// Shutdown closes every session and refuses new ones. It returns when all
// sessions are torn down or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.log.InfoContext(ctx, "sessions.shutdown", slog.Int("open", len(open)))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, s := range open {
			m.teardown(s, ErrShuttingDown)
		}
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats is a point-in-time view of the session table.
type Stats struct {
	Open            int            `json:"open"`
	Connecting      int            `json:"connecting"`
	ByWorkspace     map[string]int `json:"byWorkspace"`
	MaxSessions     int            `json:"maxSessions"`
	MaxPerWorkspace int            `json:"maxSessionsPerWorkspace"`
}

// Stats returns session counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Open:            len(m.sessions),
		Connecting:      m.pendingAll,
		ByWorkspace:     make(map[string]int, len(m.byWorkspace)),
		MaxSessions:     m.maxSessions,
		MaxPerWorkspace: m.maxPerWorkspace,
	}
	for ws, n := range m.byWorkspace {
		st.ByWorkspace[ws] = n
	}
	return st
}

// run drains the session inbox in order until the session context ends,
// then tears the session down.
func (m *Manager) run(s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			m.teardown(s, context.Cause(s.ctx))
			return
		case raw := <-s.inbox:
			if s.ctx.Err() != nil {
				m.teardown(s, context.Cause(s.ctx))
				return
			}
			m.handle(s, raw)
		}
	}
}

func (m *Manager) handle(s *Session, raw []byte) {
	defer func() {
		if v := recover(); v != nil {
			m.log.ErrorContext(s.ctx, "session.handle.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
		}
	}()
	m.handler.HandleMessage(s.ctx, s, raw)
}

// teardown removes s from the table and closes it exactly once.
func (m *Manager) teardown(s *Session, cause error) {
	s.closeOnce.Do(func() {
		m.mu.Lock()
		if cur, ok := m.sessions[s.id]; ok && cur == s {
			delete(m.sessions, s.id)
			m.byWorkspace[s.WorkspaceID()]--
			if m.byWorkspace[s.WorkspaceID()] <= 0 {
				delete(m.byWorkspace, s.WorkspaceID())
			}
		}
		s.state.Store(int32(StateClosed))
		m.mu.Unlock()

		s.cancel(cause)

		// Wait out a write that raced the state change.
		s.writeMu.Lock()
		s.writeMu.Unlock()

		close(s.done)

		attrs := []any{slog.Duration("dur", time.Since(s.createdAt))}
		if c := context.Cause(s.ctx); c != nil && !errors.Is(c, ErrClosed) {
			attrs = append(attrs, slog.String("cause", c.Error()))
		}
		m.log.InfoContext(s.ctx, "session.close", attrs...)
	})
}
