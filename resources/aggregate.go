package resources

import (
	"context"
	"fmt"
	"strings"
)

// Aggregator assembles the workspace-wide context text served by the
// read_global_context tool.
type Aggregator struct {
	repo *Repository
}

// NewAggregator returns an Aggregator reading from repo.
func NewAggregator(repo *Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

var sectionTitles = map[Type]string{
	TypeDocument: "Documents",
	TypeDiagram:  "Diagrams",
	TypePyramid:  "Pyramids",
}

// FetchAggregatedContext renders the workspace brief followed by one
// section per resource kind as markdown. Empty sections are omitted.
func (a *Aggregator) FetchAggregatedContext(ctx context.Context, workspaceID string) (string, error) {
	var b strings.Builder

	ws, err := a.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if ws != nil {
		title := ws.Title
		if title == "" {
			title = ws.ID
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
		if c := strings.TrimSpace(ws.Content); c != "" {
			b.WriteString(c)
			b.WriteString("\n\n")
		}
	} else {
		fmt.Fprintf(&b, "# Workspace %s\n\n", workspaceID)
	}

	for _, t := range Types {
		items, err := a.repo.List(ctx, workspaceID, t)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sectionTitles[t])
		for _, res := range items {
			fmt.Fprintf(&b, "### %s (%s)\n\n", res.Title, res.ID)
			if len(res.Tags) > 0 {
				fmt.Fprintf(&b, "Tags: %s\n\n", strings.Join(res.Tags, ", "))
			}
			if c := strings.TrimSpace(res.Content); c != "" {
				b.WriteString(c)
				b.WriteString("\n\n")
			}
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
