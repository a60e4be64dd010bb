// Package resources is the read model over the workspace data the gateway
// exposes: product-definition documents, diagrams and pyramid hierarchies,
// plus the workspace brief that heads the aggregated context.
package resources

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/ggoodman/mcp-context-gateway/storage"
)

// Type is a resource kind.
type Type string

const (
	TypeDocument Type = "document"
	TypeDiagram  Type = "diagram"
	TypePyramid  Type = "pyramid"
)

// Types lists every resource kind in aggregation order.
var Types = []Type{TypeDocument, TypeDiagram, TypePyramid}

// WorkspaceCollection holds one Workspace record per workspace.
const WorkspaceCollection = "workspaces"

// ErrUnknownType is returned for resource types outside Types.
var ErrUnknownType = errors.New("unknown resource type")

// ParseType accepts the singular or plural name of a kind, case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document", "documents", "doc", "docs":
		return TypeDocument, nil
	case "diagram", "diagrams":
		return TypeDiagram, nil
	case "pyramid", "pyramids":
		return TypePyramid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Collection is the storage collection holding resources of type t.
func (t Type) Collection() string {
	return string(t) + "s"
}

// Resource is one stored workspace item.
type Resource struct {
	ID          string    `json:"id" yaml:"id"`
	Type        Type      `json:"type" yaml:"type"`
	WorkspaceID string    `json:"workspaceId" yaml:"workspaceId"`
	Title       string    `json:"title" yaml:"title"`
	Content     string    `json:"content,omitempty" yaml:"content"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"-"`
}

// Workspace is the brief describing a workspace's product.
type Workspace struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content,omitempty" yaml:"content"`
}

// Match is one search hit.
type Match struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a keyword search.
type Query struct {
	Text  string
	Type  Type // optional; empty searches every kind
	Limit int  // 0 means no limit
}

// Repository reads and writes resources in a storage.Storage.
type Repository struct {
	st storage.Storage
}

// NewRepository returns a Repository over st.
func NewRepository(st storage.Storage) *Repository {
	return &Repository{st: st}
}

// Put upserts res.
func (r *Repository) Put(ctx context.Context, res *Resource) error {
	if res.ID == "" || res.WorkspaceID == "" {
		return errors.New("resource requires id and workspaceId")
	}
	if _, err := ParseType(string(res.Type)); err != nil {
		return err
	}
	rec, err := storage.NewRecord(res.Type.Collection(), res.ID, res.WorkspaceID, res)
	if err != nil {
		return fmt.Errorf("encode resource %s/%s: %w", res.Type, res.ID, err)
	}
	return r.st.Put(ctx, rec)
}

// Get returns the resource of type t with id in workspaceID, or nil when it
// does not exist or belongs to another workspace.
func (r *Repository) Get(ctx context.Context, workspaceID string, t Type, id string) (*Resource, error) {
	rec, err := r.st.Get(ctx, t.Collection(), id)
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", t, id, err)
	}
	if rec == nil || rec.WorkspaceID != workspaceID {
		return nil, nil
	}
	res, err := decode(rec, t)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List returns every resource of type t in workspaceID ordered by id.
func (r *Repository) List(ctx context.Context, workspaceID string, t Type) ([]*Resource, error) {
	recs, err := r.st.Query(ctx, t.Collection(), storage.WithWorkspace(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Collection(), err)
	}
	out := make([]*Resource, 0, len(recs))
	for _, rec := range recs {
		res, err := decode(rec, t)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Search performs a case-insensitive keyword match over title, content and
// tags. A resource matches when every whitespace-separated term occurs.
// Title hits rank before content-only hits.
func (r *Repository) Search(ctx context.Context, workspaceID string, q Query) ([]Match, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, errors.New("empty query")
	}
	types := Types
	if q.Type != "" {
		types = []Type{q.Type}
	}

	type scored struct {
		Match
		titleHit bool
	}
	var hits []scored
	for _, t := range types {
		items, err := r.List(ctx, workspaceID, t)
		if err != nil {
			return nil, err
		}
		for _, res := range items {
			title := strings.ToLower(res.Title)
			content := strings.ToLower(res.Content)
			tags := strings.ToLower(strings.Join(res.Tags, " "))
			ok, titleHit := true, false
			for _, term := range terms {
				inTitle := strings.Contains(title, term)
				titleHit = titleHit || inTitle
				if !inTitle && !strings.Contains(content, term) && !strings.Contains(tags, term) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			hits = append(hits, scored{
				Match:    Match{ID: res.ID, Type: res.Type, Title: res.Title, Snippet: snippet(res.Content, terms[0])},
				titleHit: titleHit,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].titleHit && !hits[j].titleHit })

	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		out = append(out, h.Match)
	}
	return out, nil
}

// PutWorkspace upserts the workspace brief.
func (r *Repository) PutWorkspace(ctx context.Context, ws *Workspace) error {
	rec, err := storage.NewRecord(WorkspaceCollection, ws.ID, ws.ID, ws)
	if err != nil {
		return fmt.Errorf("encode workspace %q: %w", ws.ID, err)
	}
	return r.st.Put(ctx, rec)
}

// GetWorkspace loads the workspace brief, or nil when none is stored.
func (r *Repository) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	rec, err := r.st.Get(ctx, WorkspaceCollection, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %q: %w", workspaceID, err)
	}
	if rec == nil {
		return nil, nil
	}
	var ws Workspace
	if err := rec.Decode(&ws); err != nil {
		return nil, fmt.Errorf("decode workspace %q: %w", workspaceID, err)
	}
	return &ws, nil
}

func decode(rec *storage.Record, t Type) (*Resource, error) {
	var res Resource
	if err := rec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", t, rec.ID, err)
	}
	res.ID = rec.ID
	res.Type = t
	res.WorkspaceID = rec.WorkspaceID
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = rec.UpdatedAt
	}
	return &res, nil
}

const snippetRunes = 160

// snippet returns up to snippetRunes runes of content around the first
// occurrence of term.
func snippet(content, term string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= snippetRunes {
		return content
	}
	start := 0
	if idx := runeIndex(lowerRunes(runes), lowerRunes([]rune(term))); idx >= 0 {
		start = max(idx-snippetRunes/4, 0)
	}
	end := min(start+snippetRunes, len(runes))
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

// lowerRunes lower-cases rs one rune at a time, so indexes into the result
// are indexes into rs. strings.ToLower may change the byte length.
func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// runeIndex returns the rune offset of the first sub in rs, or -1.
func runeIndex(rs, sub []rune) int {
	if len(sub) == 0 {
		return 0
	}
	for i := 0; i+len(sub) <= len(rs); i++ {
		if slices.Equal(rs[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}
