package ssehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-context-gateway/auth"
	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/ggoodman/mcp-context-gateway/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	workspaceIDHeader     = "X-Workspace-Id"
	accessKeyHeader       = "X-Mcp-Key"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	sessionIDParam = "sessionId"

	// EndpointEvent is the first event of every stream.
	EndpointEvent = "endpoint"
)

const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultMaxMessageBytes   = 1 << 20
)

// Authenticator validates the credentials presented on stream-open.
type Authenticator interface {
	Authenticate(ctx context.Context, c auth.Credentials) (*auth.Grant, error)
}

// Handler serves the SSE transport.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	auth Authenticator
	mgr  *sessions.Manager

	basePath          string
	keepaliveInterval time.Duration
	maxMessageBytes   int64
	realm             string
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Request attributes are added from context.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithBasePath mounts both routes under prefix, e.g. "/mcp".
func WithBasePath(prefix string) Option {
	return func(h *Handler) { h.basePath = strings.TrimRight(prefix, "/") }
}

// WithKeepaliveInterval sets how often a comment line is written to idle
// streams. Zero or less disables keepalives.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(h *Handler) { h.keepaliveInterval = d }
}

// WithMaxMessageBytes bounds the size of a posted message.
func WithMaxMessageBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessageBytes = n
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// New returns a Handler authenticating stream-opens with authn and
// registering sessions with mgr.
func New(authn Authenticator, mgr *sessions.Manager, opts ...Option) *Handler {
	h := &Handler{
		log:               slog.Default(),
		auth:              authn,
		mgr:               mgr,
		keepaliveInterval: DefaultKeepaliveInterval,
		maxMessageBytes:   DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s/sse", h.basePath), h.handleGetSSE)
	mux.HandleFunc(fmt.Sprintf("POST %s/message", h.basePath), h.handlePostMessage)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// MessageEndpoint returns the URL an agent posts to for sessionID.
func (h *Handler) MessageEndpoint(sessionID string) string {
	return h.basePath + "/message?" + url.Values{sessionIDParam: {sessionID}}.Encode()
}

func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	grant, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}

	sw := &streamWriter{wf: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}}
	id := sessions.Identity{
		WorkspaceID: grant.WorkspaceID,
		CallerID:    grant.CallerID(),
		Policy:      grant.Policy,
	}

	s, err := h.mgr.Open(ctx, sw, id, func(s *sessions.Session) error {
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		sw.committed = true
		return s.Send(s.Context(), EndpointEvent, []byte(h.MessageEndpoint(s.ID())))
	})
	if err != nil {
		switch {
		case sw.committed:
			// The stream is already open; nothing more can be reported.
			h.log.WarnContext(ctx, "sse.stream.announce_fail", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrTooManySessions):
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
			h.log.WarnContext(ctx, "session.open.limit", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrShuttingDown):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			h.log.InfoContext(ctx, "session.open.shutting_down")
		default:
			h.log.InfoContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = s.Context()
	h.log.InfoContext(ctx, "sse.stream.start")

	var tick <-chan time.Time
	if h.keepaliveInterval > 0 {
		t := time.NewTicker(h.keepaliveInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-s.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-r.Context().Done():
			_ = h.mgr.Close(s.ID())
			<-s.Done()
			h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
			return
		case <-tick:
			if err := s.Keepalive(ctx); err != nil && !errors.Is(err, sessions.ErrSessionClosed) {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
			}
		}
	}
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId")
		h.log.InfoContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.read_fail", slog.String("err", err.Error()))
		return
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail")
		return
	}
	if body[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	if err := h.mgr.Dispatch(ctx, sessionID, body); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
		case errors.Is(err, sessions.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusServiceUnavailable, "session busy")
			h.log.WarnContext(ctx, "session.queue.full")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to dispatch message")
			h.log.ErrorContext(ctx, "session.dispatch.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	h.log.DebugContext(ctx, "http.post.accepted")
}

// authenticate resolves the stream-open credentials. On failure the rejection
// has been written and ok is false.
func (h *Handler) authenticate(ctx context.Context, r *http.Request, w http.ResponseWriter) (*auth.Grant, bool) {
	creds := auth.Credentials{
		WorkspaceID: strings.TrimSpace(r.Header.Get(workspaceIDHeader)),
		Secret:      strings.TrimSpace(r.Header.Get(accessKeyHeader)),
	}
	if creds.Secret == "" {
		if v := r.Header.Get(authorizationHeader); v != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(v, bearerPrefix) || strings.TrimSpace(v[len(bearerPrefix):]) == "" {
				w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
				writeJSONError(w, http.StatusBadRequest, "malformed authorization header")
				h.log.InfoContext(ctx, "auth.check.invalid")
				return nil, false
			}
			creds.Secret = strings.TrimSpace(v[len(bearerPrefix):])
		}
	}

	grant, err := h.auth.Authenticate(ctx, creds)
	if err != nil {
		status := auth.StatusCode(err)
		switch status {
		case http.StatusUnauthorized:
			params := map[string]string{"error": "invalid_token", "error_description": err.Error()}
			if creds.Secret == "" {
				params = nil
			}
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, params))
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		case http.StatusInternalServerError:
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, status, "authentication unavailable")
			return nil, false
		default:
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		}
		writeJSONError(w, status, err.Error())
		return nil, false
	}

	h.log.InfoContext(ctx, "auth.ok", slog.String("workspace_id", grant.WorkspaceID), slog.String("caller_id", grant.CallerID()))
	return grant, true
}

// writeJSONError emits the transport-level rejection body
// {"error":{"code":<status>,"message":"<reason>"}}. It must run before the
// status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a context.
// It serializes writes and flushes and refuses to write after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// streamWriter adapts a response stream to sessions.Writer.
type streamWriter struct {
	wf        *lockedWriteFlusher
	committed bool
}

func (s *streamWriter) WriteEvent(event string, data []byte) error {
	return writeSSEEvent(s.wf, event, data)
}

func (s *streamWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.wf, ": %s\n\n", text); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	s.wf.Flush()
	return nil
}

// writeSSEEvent writes one named Server-Sent Event and flushes it. Each line
// of payload becomes its own data field.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var b bytes.Buffer
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(bytes.TrimSuffix(line, []byte("\r")))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := wf.Write(b.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
