package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-context-gateway/mcp"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/resources"
)

// Search result bounds.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

type globalContextArgs struct{}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Keywords matched case-insensitively against resource titles and text and tags"`
	Type  string `json:"type,omitempty" jsonschema:"enum=document,enum=diagram,enum=pyramid,description=Restrict results to one resource type"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of matches (default 20)"`
}

type readResourceArgs struct {
	ID   string `json:"id" jsonschema:"description=Resource id as returned by search_resources"`
	Type string `json:"type" jsonschema:"enum=document,enum=diagram,enum=pyramid,description=Resource type"`
}

func (r *Registry) readGlobalContext(ctx context.Context, p *policy.Policy, raw json.RawMessage) (*mcp.CallToolResult, error) {
	if _, err := decodeArgs[globalContextArgs](raw); err != nil {
		return nil, err
	}
	text, err := r.src.FetchAggregatedContext(ctx, p.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("fetch global context: %w", err)
	}
	return textResult(truncate(text, p.MaxContextSize)), nil
}

func (r *Registry) searchResources(ctx context.Context, p *policy.Policy, raw json.RawMessage) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[searchArgs](raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidParams)
	}
	q := resources.Query{Text: args.Query, Limit: DefaultSearchLimit}
	if args.Type != "" {
		t, err := resources.ParseType(args.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		q.Type = t
	}
	switch {
	case args.Limit < 0:
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidParams)
	case args.Limit > MaxSearchLimit:
		q.Limit = MaxSearchLimit
	case args.Limit > 0:
		q.Limit = args.Limit
	}

	matches, err := r.store.Search(ctx, p.WorkspaceID, q)
	if err != nil {
		return nil, fmt.Errorf("search resources: %w", err)
	}
	if matches == nil {
		matches = []resources.Match{}
	}
	b, err := json.MarshalIndent(struct {
		Query   string            `json:"query"`
		Count   int               `json:"count"`
		Matches []resources.Match `json:"matches"`
	}{args.Query, len(matches), matches}, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(truncate(string(b), p.MaxContextSize)), nil
}

func (r *Registry) readResource(ctx context.Context, p *policy.Policy, raw json.RawMessage) (*mcp.CallToolResult, error) {
	args, err := decodeArgs[readResourceArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.ID == "" || args.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrInvalidParams)
	}
	t, err := resources.ParseType(args.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	res, err := r.store.Get(ctx, p.WorkspaceID, t, args.ID)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	if res == nil {
		nf := textResult(NotFoundMessage)
		nf.IsError = true
		return nf, nil
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, errors.Join(errors.New("encode resource"), err)
	}
	return textResult(truncate(string(b), p.MaxContextSize)), nil
}
