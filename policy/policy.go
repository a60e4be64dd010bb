// Package policy stores the per-workspace access policy of the gateway: the
// enabled flag, the tool allow-list and feature toggles, the response size
// bound and the hashed access keys presented by connecting agents.
package policy

import (
	"errors"
	"slices"
	"time"
)

// Defaults applied by InitPolicy.
const (
	DefaultMaxContextSize = 10000
)

// DefaultAllowedTools is the allow-list of a freshly initialized workspace.
var DefaultAllowedTools = []string{"read_global_context"}

var (
	// ErrNotFound is returned for operations on a workspace without a policy.
	ErrNotFound = errors.New("policy: workspace not found")
	// ErrKeyNotFound is returned when revoking a key the workspace does not hold.
	ErrKeyNotFound = errors.New("policy: access key not found")
	// ErrInvalidPolicy is returned by SavePolicy for malformed policies.
	ErrInvalidPolicy = errors.New("policy: invalid policy")
)

// Policy is the access policy of one workspace.
type Policy struct {
	WorkspaceID         string      `json:"workspaceId"`
	Enabled             bool        `json:"enabled"`
	AllowedTools        []string    `json:"allowedTools"`
	ExposeGlobalContext bool        `json:"exposeGlobalContext"`
	ExposeDocuments     bool        `json:"exposeDocuments"`
	MaxContextSize      int         `json:"maxContextSize"`
	AccessKeys          []AccessKey `json:"accessKeys"`
	CreatedBy           string      `json:"createdBy,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// AccessKey is the persisted form of an access credential. The plaintext
// secret is never part of it.
type AccessKey struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	KeyPrefix string    `json:"keyPrefix"`
	HashedKey string    `json:"hashedKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// AllowsTool reports whether name is on the allow-list. Feature toggles are
// evaluated by the tool registry.
func (p *Policy) AllowsTool(name string) bool {
	return p != nil && slices.Contains(p.AllowedTools, name)
}

// Clone returns a deep copy of p, used as the immutable per-session snapshot.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.AllowedTools = slices.Clone(p.AllowedTools)
	c.AccessKeys = slices.Clone(p.AccessKeys)
	return &c
}

// Validate checks the invariants SavePolicy enforces.
func (p *Policy) Validate() error {
	if p == nil {
		return errors.Join(ErrInvalidPolicy, errors.New("policy is nil"))
	}
	var errs []error
	if p.WorkspaceID == "" {
		errs = append(errs, errors.New("workspaceId is required"))
	}
	if p.MaxContextSize <= 0 {
		errs = append(errs, errors.New("maxContextSize must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidPolicy}, errs...)...)
	}
	return nil
}

// Settings is the user-editable subset of a Policy.
type Settings struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	AllowedTools        []string `json:"allowedTools" yaml:"allowedTools"`
	ExposeGlobalContext bool     `json:"exposeGlobalContext" yaml:"exposeGlobalContext"`
	ExposeDocuments     bool     `json:"exposeDocuments" yaml:"exposeDocuments"`
	MaxContextSize      int      `json:"maxContextSize" yaml:"maxContextSize"`
}

// Apply copies s onto p.
func (s Settings) Apply(p *Policy) {
	p.Enabled = s.Enabled
	p.AllowedTools = slices.Clone(s.AllowedTools)
	p.ExposeGlobalContext = s.ExposeGlobalContext
	p.ExposeDocuments = s.ExposeDocuments
	p.MaxContextSize = s.MaxContextSize
}

// SettingsOf extracts the editable settings of p.
func SettingsOf(p *Policy) Settings {
	return Settings{
		Enabled:             p.Enabled,
		AllowedTools:        slices.Clone(p.AllowedTools),
		ExposeGlobalContext: p.ExposeGlobalContext,
		ExposeDocuments:     p.ExposeDocuments,
		MaxContextSize:      p.MaxContextSize,
	}
}
