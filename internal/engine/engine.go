// Package engine is the protocol layer of the gateway. It decodes the
// JSON-RPC messages posted to a session, answers the MCP lifecycle and tool
// methods and writes every response back over the session's stream.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-context-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/ggoodman/mcp-context-gateway/mcp"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/sessions"
)

// MessageEvent is the SSE event name carrying JSON-RPC frames.
const MessageEvent = "message"

// ToolRegistry lists and runs the tools a policy enables.
type ToolRegistry interface {
	ListTools(p *policy.Policy) []mcp.Tool
	CallTool(ctx context.Context, p *policy.Policy, req *mcp.CallToolRequestReceived) *mcp.CallToolResult
}

// Engine implements sessions.Handler.
type Engine struct {
	tools        ToolRegistry
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string
	advertise    bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithToolAdvertisement controls whether the session's tool list is pushed as
// a notifications/tools/list_changed message once the client reports
// notifications/initialized. Enabled by default.
func WithToolAdvertisement(on bool) Option {
	return func(e *Engine) { e.advertise = on }
}

// New returns an Engine dispatching tool methods to tools.
func New(tools ToolRegistry, opts ...Option) *Engine {
	e := &Engine{
		tools:      tools,
		log:        slog.Default(),
		serverInfo: mcp.ImplementationInfo{Name: "mcp-context-gateway", Version: "dev"},
		advertise:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ sessions.Handler = (*Engine)(nil)

// HandleMessage decodes raw and routes it. Responses go back over s; nothing
// here returns an error to the transport.
func (e *Engine) HandleMessage(ctx context.Context, s *sessions.Session, raw []byte) {
	env, err := jsonrpc.Decode(raw)
	if err != nil {
		code := jsonrpc.ErrorCodeInvalidRequest
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		e.log.InfoContext(ctx, "engine.handle_message.invalid", slog.String("err", err.Error()))
		e.write(ctx, s, jsonrpc.NewErrorResponse(nil, code, "invalid message", nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: env.Method(),
		ID:     env.ID().String(),
		Type:   env.Kind.String(),
	})

	switch env.Kind {
	case jsonrpc.KindNotification:
		e.handleNotification(ctx, s, env.Request)
	case jsonrpc.KindRequest:
		res, err := e.HandleRequest(ctx, s, env.Request)
		if err != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(env.Request.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		e.write(ctx, s, res)
	default:
		// The gateway never issues requests, so client responses are stray.
		e.log.DebugContext(ctx, "engine.handle_message.unexpected_response")
	}
}

// HandleRequest answers one JSON-RPC request.
func (e *Engine) HandleRequest(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, s, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, s, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, s, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func (e *Engine) handleInitialize(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	s.SetProtocolVersion(version)

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", version),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: e.advertise},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	})
}

func (e *Engine) handleToolsList(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if len(req.Params) > 0 {
		var params mcp.ListToolsRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	list := e.tools.ListTools(s.Policy())
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int("tool_count", len(list)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: list})
}

func (e *Engine) handleToolCall(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	res := e.tools.CallTool(ctx, s.Policy(), &params)

	e.log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("tool", params.Name),
		slog.Bool("is_error", res.IsError),
		slog.Duration("dur", time.Since(start)),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleNotification(ctx context.Context, s *sessions.Session, n *jsonrpc.Request) {
	switch mcp.Method(n.Method) {
	case mcp.InitializedNotificationMethod:
		if e.advertise {
			e.advertiseTools(ctx, s)
		}
	case mcp.CancelledNotificationMethod:
		// Calls on a session run one at a time, so by the time a cancellation
		// is read the call it names has already been answered.
		e.log.DebugContext(ctx, "engine.notification.cancelled")
	default:
		e.log.DebugContext(ctx, "engine.notification.ignored")
	}
}

// advertiseTools pushes the session's policy-filtered tool list.
func (e *Engine) advertiseTools(ctx context.Context, s *sessions.Session) {
	list := e.tools.ListTools(s.Policy())
	n, err := jsonrpc.NewNotification(string(mcp.ToolsListChangedNotificationMethod), &mcp.ToolListChangedNotification{
		BaseMetadata: mcp.BaseMetadata{Meta: map[string]any{"tools": list}},
	})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.advertise.encode_fail", slog.String("err", err.Error()))
		return
	}
	e.write(ctx, s, n)
}

// write encodes v and sends it as a message event. Writes to a closed
// session are dropped.
func (e *Engine) write(ctx context.Context, s *sessions.Session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.write.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := s.Send(ctx, MessageEvent, b); err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			e.log.DebugContext(ctx, "engine.write.dropped")
			return
		}
		e.log.WarnContext(ctx, "engine.write.fail", slog.String("err", err.Error()))
	}
}
