package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-context-gateway/policy"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrQueueFull       = errors.New("session queue full")
	ErrTooManySessions = errors.New("too many sessions")
	ErrShuttingDown    = errors.New("gateway shutting down")
	// ErrTransport is the teardown cause recorded when a stream write fails.
	ErrTransport = errors.New("stream write failed")
	// ErrClosed is the teardown cause recorded by Manager.Close.
	ErrClosed = errors.New("session closed by server")
)

// Writer is the server->client half of a session's transport. Calls are
// serialized by the Session.
type Writer interface {
	// WriteEvent writes and flushes one named event.
	WriteEvent(event string, data []byte) error
	// WriteComment writes and flushes a comment line, used as keepalive.
	WriteComment(text string) error
}

// Identity is the authenticated principal a session is opened for.
type Identity struct {
	WorkspaceID string
	CallerID    string
	// Policy is the snapshot that governs the session for its lifetime.
	Policy *policy.Policy
}

// Session is one open agent connection.
type Session struct {
	id        string
	identity  Identity
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	state           atomic.Int32
	protocolVersion atomic.Pointer[string]

	writeMu sync.Mutex
	w       Writer

	inbox     chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) WorkspaceID() string      { return s.identity.WorkspaceID }
func (s *Session) CallerID() string         { return s.identity.CallerID }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) State() State             { return State(s.state.Load()) }
func (s *Session) Context() context.Context { return s.ctx }

// Policy returns the session's policy snapshot. Callers must not mutate it.
func (s *Session) Policy() *policy.Policy { return s.identity.Policy }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the teardown cause, or nil while the session is alive.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return context.Cause(s.ctx)
	default:
		return nil
	}
}

// ProtocolVersion returns the version negotiated by initialize, if any.
func (s *Session) ProtocolVersion() string {
	if v := s.protocolVersion.Load(); v != nil {
		return *v
	}
	return ""
}

// SetProtocolVersion records the negotiated protocol version.
func (s *Session) SetProtocolVersion(v string) {
	s.protocolVersion.Store(&v)
}

// Send writes one event to the client. It returns ErrSessionClosed once the
// session is closed or ctx is done, so late results are dropped. A write
// failure tears the session down.
func (s *Session) Send(ctx context.Context, event string, data []byte) error {
	return s.write(ctx, func(w Writer) error { return w.WriteEvent(event, data) })
}

// Keepalive writes a comment line. A failure tears the session down.
func (s *Session) Keepalive(ctx context.Context) error {
	return s.write(ctx, func(w Writer) error { return w.WriteComment("ping") })
}

func (s *Session) write(ctx context.Context, fn func(Writer) error) error {
	s.writeMu.Lock()
	if s.State() == StateClosed || ctx.Err() != nil || s.ctx.Err() != nil {
		s.writeMu.Unlock()
		return ErrSessionClosed
	}
	err := fn(s.w)
	s.writeMu.Unlock()

	if err != nil {
		s.cancel(errors.Join(ErrTransport, err))
		return errors.Join(ErrTransport, err)
	}
	return nil
}
