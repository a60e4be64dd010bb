package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-context-gateway/policy"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []string
	fail   error
}

func (w *recordingWriter) WriteEvent(event string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.events = append(w.events, event+":"+string(data))
	return nil
}

func (w *recordingWriter) WriteComment(text string) error {
	return w.WriteEvent("#", []byte(text))
}

func (w *recordingWriter) Events() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...)
}

func identity(ws string) Identity {
	return Identity{WorkspaceID: ws, CallerID: "key:k1", Policy: &policy.Policy{WorkspaceID: ws, Enabled: true}}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not torn down", s.ID())
	}
}

var noop = HandlerFunc(func(ctx context.Context, s *Session, raw []byte) {})

func TestOpenRegistersAfterAnnounce(t *testing.T) {
	m := NewManager(noop)
	w := &recordingWriter{}

	var announced string
	s, err := m.Open(context.Background(), w, identity("w1"), func(s *Session) error {
		if want, got := StateConnecting, s.State(); want != got {
			t.Errorf("state during announce: want %v, got %v", want, got)
		}
		if _, ok := m.Get(s.ID()); ok {
			t.Errorf("session visible in table while connecting")
		}
		announced = s.ID()
		return s.Send(context.Background(), "endpoint", []byte("/message?sessionId="+s.ID()))
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if want, got := StateOpen, s.State(); want != got {
		t.Fatalf("state: want %v, got %v", want, got)
	}
	if want, got := announced, s.ID(); want != got {
		t.Fatalf("id: want %q, got %q", want, got)
	}
	if want, got := 1, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if want, got := "endpoint:/message?sessionId="+s.ID(), w.Events()[0]; want != got {
		t.Fatalf("first event: want %q, got %q", want, got)
	}
	if want, got := "w1", s.WorkspaceID(); want != got {
		t.Fatalf("workspace: want %q, got %q", want, got)
	}
}

func TestOpenGeneratesFreshIDs(t *testing.T) {
	m := NewManager(noop, WithMaxSessionsPerWorkspace(0))
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %s", s.ID())
		}
		seen[s.ID()] = true
		if i%2 == 0 {
			_ = m.Close(s.ID())
		}
	}
}

func TestAnnounceFailureNeverRegisters(t *testing.T) {
	m := NewManager(noop, WithMaxSessions(1))
	boom := errors.New("client went away")

	_, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), func(*Session) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want announce error, got %v", err)
	}
	if want, got := 0, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if st := m.Stats(); st.Connecting != 0 {
		t.Fatalf("reservation leaked: %+v", st)
	}
	if _, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil); err != nil {
		t.Fatalf("open after failed announce: %v", err)
	}
}

func TestDispatchUnknownSession(t *testing.T) {
	m := NewManager(noop)
	s, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := m.Dispatch(context.Background(), "never-opened", []byte(`{}`)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if want, got := 1, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if want, got := StateOpen, s.State(); want != got {
		t.Fatalf("other session disturbed: %v", got)
	}
}

func TestDispatchPreservesOrder(t *testing.T) {
	const n = 200
	var (
		mu   sync.Mutex
		got  []int
		done = make(chan struct{})
	)
	h := HandlerFunc(func(ctx context.Context, s *Session, raw []byte) {
		i, _ := strconv.Atoi(string(raw))
		mu.Lock()
		got = append(got, i)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	m := NewManager(h, WithQueueSize(n))
	s, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < n; i++ {
		if err := m.Dispatch(context.Background(), s.ID(), []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handled %d of %d messages", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("message %d handled out of order (got %d)", i, v)
		}
	}
}

func TestCloseIsTerminal(t *testing.T) {
	m := NewManager(noop)
	w := &recordingWriter{}
	s, err := m.Open(context.Background(), w, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, s)

	if want, got := StateClosed, s.State(); want != got {
		t.Fatalf("state: want %v, got %v", want, got)
	}
	if err := m.Dispatch(context.Background(), s.ID(), []byte(`{}`)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("dispatch after close: want ErrSessionNotFound, got %v", err)
	}
	if err := s.Send(context.Background(), "message", []byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: want ErrSessionClosed, got %v", err)
	}
	if err := m.Close(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second close: want ErrSessionNotFound, got %v", err)
	}
	if !errors.Is(s.Err(), ErrClosed) {
		t.Fatalf("cause: want ErrClosed, got %v", s.Err())
	}
	if len(w.Events()) != 0 {
		t.Fatalf("unexpected writes: %v", w.Events())
	}
}

func TestStreamCancellationTearsDown(t *testing.T) {
	m := NewManager(noop)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Open(ctx, &recordingWriter{}, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cancel()
	waitDone(t, s)

	if _, ok := m.Get(s.ID()); ok {
		t.Fatalf("session still registered after disconnect")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Fatalf("cause: want context.Canceled, got %v", s.Err())
	}
}

func TestWriteFailureTearsDown(t *testing.T) {
	m := NewManager(noop)
	w := &recordingWriter{}
	s, err := m.Open(context.Background(), w, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	w.mu.Lock()
	w.fail = errors.New("broken pipe")
	w.mu.Unlock()

	if err := s.Keepalive(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
	waitDone(t, s)
	if want, got := 0, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if !errors.Is(s.Err(), ErrTransport) {
		t.Fatalf("cause: want ErrTransport, got %v", s.Err())
	}
}

func TestLateResultsAreDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sendErr := make(chan error, 1)

	h := HandlerFunc(func(ctx context.Context, s *Session, raw []byte) {
		close(started)
		<-release
		sendErr <- s.Send(ctx, "message", []byte("result"))
	})
	m := NewManager(h)
	w := &recordingWriter{}
	s, err := m.Open(context.Background(), w, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Dispatch(context.Background(), s.ID(), []byte("call")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	<-started
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)

	if err := <-sendErr; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed, got %v", err)
	}
	if len(w.Events()) != 0 {
		t.Fatalf("write after teardown: %v", w.Events())
	}
}

func TestQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, s *Session, raw []byte) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	m := NewManager(h, WithQueueSize(1))
	s, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer close(release)

	if err := m.Dispatch(context.Background(), s.ID(), []byte("1")); err != nil {
		t.Fatalf("dispatch 1: %v", err)
	}
	<-started
	if err := m.Dispatch(context.Background(), s.ID(), []byte("2")); err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}
	if err := m.Dispatch(context.Background(), s.ID(), []byte("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("dispatch 3: want ErrQueueFull, got %v", err)
	}
}

func TestSessionCaps(t *testing.T) {
	m := NewManager(noop, WithMaxSessions(3), WithMaxSessionsPerWorkspace(2))
	ctx := context.Background()

	var open []*Session
	for _, ws := range []string{"w1", "w1"} {
		s, err := m.Open(ctx, &recordingWriter{}, identity(ws), nil)
		if err != nil {
			t.Fatalf("open %s: %v", ws, err)
		}
		open = append(open, s)
	}
	if _, err := m.Open(ctx, &recordingWriter{}, identity("w1"), nil); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("workspace cap: want ErrTooManySessions, got %v", err)
	}
	if _, err := m.Open(ctx, &recordingWriter{}, identity("w2"), nil); err != nil {
		t.Fatalf("open w2: %v", err)
	}
	if _, err := m.Open(ctx, &recordingWriter{}, identity("w3"), nil); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("process cap: want ErrTooManySessions, got %v", err)
	}

	if err := m.Close(open[0].ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Open(ctx, &recordingWriter{}, identity("w1"), nil); err != nil {
		t.Fatalf("open after close: %v", err)
	}

	st := m.Stats()
	if want, got := 2, st.ByWorkspace["w1"]; want != got {
		t.Fatalf("w1 count: want %d, got %d", want, got)
	}
}

func TestShutdown(t *testing.T) {
	m := NewManager(noop)
	var open []*Session
	for i := 0; i < 5; i++ {
		s, err := m.Open(context.Background(), &recordingWriter{}, identity(fmt.Sprintf("w%d", i)), nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		open = append(open, s)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, s := range open {
		waitDone(t, s)
		if !errors.Is(s.Err(), ErrShuttingDown) {
			t.Fatalf("cause: want ErrShuttingDown, got %v", s.Err())
		}
	}
	if want, got := 0, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
	if _, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("open after shutdown: want ErrShuttingDown, got %v", err)
	}
}

func TestHandlerPanicKeepsSessionAlive(t *testing.T) {
	handled := make(chan string, 2)
	h := HandlerFunc(func(ctx context.Context, s *Session, raw []byte) {
		if string(raw) == "boom" {
			panic("handler bug")
		}
		handled <- string(raw)
	})
	m := NewManager(h)
	s, err := m.Open(context.Background(), &recordingWriter{}, identity("w1"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = m.Dispatch(context.Background(), s.ID(), []byte("boom"))
	_ = m.Dispatch(context.Background(), s.ID(), []byte("ok"))

	select {
	case v := <-handled:
		if v != "ok" {
			t.Fatalf("unexpected message %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session stopped handling after panic")
	}
	if want, got := StateOpen, s.State(); want != got {
		t.Fatalf("state: want %v, got %v", want, got)
	}
}

func TestConcurrentOpenDispatchClose(t *testing.T) {
	m := NewManager(noop, WithMaxSessionsPerWorkspace(0), WithMaxSessions(0))
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(context.Background(), &recordingWriter{}, identity(fmt.Sprintf("w%d", i%4)), nil)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			for j := 0; j < 10; j++ {
				err := m.Dispatch(context.Background(), s.ID(), []byte("x"))
				if err != nil && !errors.Is(err, ErrQueueFull) {
					t.Errorf("dispatch: %v", err)
				}
			}
			if err := m.Close(s.ID()); err != nil {
				t.Errorf("close: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if want, got := 0, m.Len(); want != got {
		t.Fatalf("len: want %d, got %d", want, got)
	}
}
