package admin

import (
	"time"

	"github.com/ggoodman/mcp-context-gateway/policy"
)

// KeyView is an access key as operators see it: no hash, no secret.
type KeyView struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	KeyPrefix string    `json:"keyPrefix"`
	CreatedAt time.Time `json:"createdAt"`
}

// PolicyView is a workspace policy as operators see it.
type PolicyView struct {
	WorkspaceID string `json:"workspaceId"`
	policy.Settings
	AccessKeys []KeyView `json:"accessKeys"`
	CreatedBy  string    `json:"createdBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func keyView(k policy.AccessKey) KeyView {
	return KeyView{ID: k.ID, Label: k.Label, KeyPrefix: k.KeyPrefix, CreatedAt: k.CreatedAt}
}

func keyViews(keys []policy.AccessKey) []KeyView {
	out := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView(k))
	}
	return out
}

func viewOf(p *policy.Policy) PolicyView {
	return PolicyView{
		WorkspaceID: p.WorkspaceID,
		Settings:    policy.SettingsOf(p),
		AccessKeys:  keyViews(p.AccessKeys),
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
