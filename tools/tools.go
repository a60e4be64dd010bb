// Package tools holds the fixed tool set the gateway exposes to agents, the
// policy predicate that decides which of them a session may see and call,
// and the dispatcher that runs them with error isolation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/ggoodman/mcp-context-gateway/mcp"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/resources"
)

// Tool names.
const (
	ReadGlobalContext = "read_global_context"
	SearchResources   = "search_resources"
	ReadResource      = "read_resource"
)

// TruncationMarker is appended to text cut at the policy's maxContextSize.
const TruncationMarker = "\n\n[... truncated]"

// NotFoundMessage is returned by read_resource for absent or foreign resources.
const NotFoundMessage = "Resource not found or access denied."

// DefaultStorageTimeout bounds the storage work of a single tool call.
const DefaultStorageTimeout = 10 * time.Second

var (
	// ErrToolDisabled is reported for tools the policy does not enable.
	ErrToolDisabled = errors.New("tool disabled")
	// ErrInvalidParams is reported for missing or malformed arguments.
	ErrInvalidParams = errors.New("invalid params")
)

// ContextSource produces the aggregated workspace context text.
type ContextSource interface {
	FetchAggregatedContext(ctx context.Context, workspaceID string) (string, error)
}

// ResourceStore is the read side of the workspace resources.
type ResourceStore interface {
	Search(ctx context.Context, workspaceID string, q resources.Query) ([]resources.Match, error)
	Get(ctx context.Context, workspaceID string, t resources.Type, id string) (*resources.Resource, error)
}

type category int

const (
	categoryGlobalContext category = iota
	categoryDocuments
)

// IsToolEnabled reports whether p permits name: the tool must be one of the
// fixed tools, appear in the allow-list and have its feature toggle set. It
// is evaluated both when listing and on every call.
func IsToolEnabled(p *policy.Policy, name string) bool {
	if p == nil || !p.AllowsTool(name) {
		return false
	}
	cat, ok := categories[name]
	if !ok {
		return false
	}
	switch cat {
	case categoryGlobalContext:
		return p.ExposeGlobalContext
	case categoryDocuments:
		return p.ExposeDocuments
	}
	return false
}

var categories = map[string]category{
	ReadGlobalContext: categoryGlobalContext,
	SearchResources:   categoryDocuments,
	ReadResource:      categoryDocuments,
}

type handlerFunc func(ctx context.Context, p *policy.Policy, args json.RawMessage) (*mcp.CallToolResult, error)

type definition struct {
	tool   mcp.Tool
	handle handlerFunc
}

// Registry lists and dispatches the fixed tools.
type Registry struct {
	src            ContextSource
	store          ResourceStore
	log            *slog.Logger
	storageTimeout time.Duration

	defs []definition
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithStorageTimeout bounds the storage work of each call. Non-positive
// values are ignored.
func WithStorageTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.storageTimeout = d
		}
	}
}

// New builds the registry over its two collaborators.
func New(src ContextSource, store ResourceStore, opts ...Option) *Registry {
	r := &Registry{
		src:            src,
		store:          store,
		log:            slog.Default(),
		storageTimeout: DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.defs = []definition{
		{
			tool: mcp.Tool{
				Name:        ReadGlobalContext,
				Description: "Read the aggregated product context of the workspace: the product brief followed by its documents, diagrams and pyramids.",
				InputSchema: reflectInputSchema[globalContextArgs](),
			},
			handle: r.readGlobalContext,
		},
		{
			tool: mcp.Tool{
				Name:        SearchResources,
				Description: "Search the workspace's documents, diagrams and pyramids by keyword. Returns matching ids, types, titles and snippets as JSON.",
				InputSchema: reflectInputSchema[searchArgs](),
			},
			handle: r.searchResources,
		},
		{
			tool: mcp.Tool{
				Name:        ReadResource,
				Description: "Read a single workspace resource by id and type.",
				InputSchema: reflectInputSchema[readResourceArgs](),
			},
			handle: r.readResource,
		},
	}
	return r
}

// ListTools returns the descriptors p enables, in declaration order.
func (r *Registry) ListTools(p *policy.Policy) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.defs))
	for _, d := range r.defs {
		if IsToolEnabled(p, d.tool.Name) {
			out = append(out, d.tool)
		}
	}
	return out
}

// CallTool runs req under p. It never returns a Go error: disabled tools,
// bad arguments, handler failures and panics all become results with
// IsError set.
func (r *Registry) CallTool(ctx context.Context, p *policy.Policy, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})
	start := time.Now()

	defer func() {
		if v := recover(); v != nil {
			r.log.ErrorContext(ctx, "tools.call.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
			res = errorResult(fmt.Errorf("internal error in %s", req.Name))
		}
	}()

	if !IsToolEnabled(p, req.Name) {
		r.log.InfoContext(ctx, "tools.call.disabled")
		return errorResult(fmt.Errorf("%w: %s is not enabled for this workspace", ErrToolDisabled, req.Name))
	}

	var handle handlerFunc
	for _, d := range r.defs {
		if d.tool.Name == req.Name {
			handle = d.handle
			break
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.storageTimeout)
	defer cancel()

	res, err := handle(callCtx, p, req.Arguments)
	if err != nil {
		r.log.WarnContext(ctx, "tools.call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return errorResult(err)
	}
	r.log.DebugContext(ctx, "tools.call.ok", slog.Duration("dur", time.Since(start)))
	return res
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	res := textResult("Error: " + err.Error())
	res.IsError = true
	return res
}

// truncate cuts s to limit runes and appends TruncationMarker when it does.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + TruncationMarker
}
