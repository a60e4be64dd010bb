package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/resources"
	"gopkg.in/yaml.v3"
)

// Seed declares workspaces, their policies and their resources. ${VAR}
// references are expanded from the environment before parsing.
//
//	workspaces:
//	  - id: acme
//	    title: Acme Corp
//	    content: Acme builds rockets.
//	    policy:
//	      enabled: true
//	      allowedTools: [read_global_context, search_resources]
//	      exposeGlobalContext: true
//	      maxContextSize: 10000
//	    keys:
//	      - label: local-agent
//	    resources:
//	      - id: roadmap
//	        type: document
//	        title: Roadmap
//	        content: ${ROADMAP_TEXT}
type Seed struct {
	Workspaces []SeedWorkspace `yaml:"workspaces"`
}

type SeedWorkspace struct {
	ID        string           `yaml:"id"`
	Title     string           `yaml:"title"`
	Content   string           `yaml:"content"`
	Policy    *SeedPolicy    `yaml:"policy"`
	Keys      []SeedKey      `yaml:"keys"`
	Resources []SeedResource `yaml:"resources"`
}

// SeedPolicy overrides policy settings. Omitted fields keep the stored value,
// which for a new workspace is the InitPolicy default.
type SeedPolicy struct {
	Enabled             *bool     `yaml:"enabled"`
	AllowedTools        *[]string `yaml:"allowedTools"`
	ExposeGlobalContext *bool     `yaml:"exposeGlobalContext"`
	ExposeDocuments     *bool     `yaml:"exposeDocuments"`
	MaxContextSize      *int      `yaml:"maxContextSize"`
}

// Apply copies the fields set in sp onto p.
func (sp *SeedPolicy) Apply(p *policy.Policy) {
	if sp.Enabled != nil {
		p.Enabled = *sp.Enabled
	}
	if sp.AllowedTools != nil {
		p.AllowedTools = slices.Clone(*sp.AllowedTools)
	}
	if sp.ExposeGlobalContext != nil {
		p.ExposeGlobalContext = *sp.ExposeGlobalContext
	}
	if sp.ExposeDocuments != nil {
		p.ExposeDocuments = *sp.ExposeDocuments
	}
	if sp.MaxContextSize != nil {
		p.MaxContextSize = *sp.MaxContextSize
	}
}

// SeedKey requests an access key with Label. A key is issued only when the
// workspace holds no key with that label.
type SeedKey struct {
	Label string `yaml:"label"`
}

type SeedResource struct {
	ID      string   `yaml:"id"`
	Type    string   `yaml:"type"`
	Title   string   `yaml:"title"`
	Content string   `yaml:"content"`
	Tags    []string `yaml:"tags"`
}

// IssuedKey is a key created while applying a seed. Secret is the only copy.
type IssuedKey struct {
	WorkspaceID string
	Label       string
	KeyID       string
	Secret      string
}

// SeedResult summarizes an applied seed.
type SeedResult struct {
	Workspaces int
	Resources  int
	Keys       []IssuedKey
}

// LoadSeed reads and validates the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(raw []byte) (*Seed, error) {
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)

	var s Seed
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return &s, nil
		}
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks ids and resource types.
func (s *Seed) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, ws := range s.Workspaces {
		if ws.ID == "" {
			errs = append(errs, fmt.Errorf("workspaces[%d]: id is required", i))
			continue
		}
		if seen[ws.ID] {
			errs = append(errs, fmt.Errorf("workspaces[%d]: duplicate id %q", i, ws.ID))
		}
		seen[ws.ID] = true
		for j, k := range ws.Keys {
			if k.Label == "" {
				errs = append(errs, fmt.Errorf("workspace %q keys[%d]: label is required", ws.ID, j))
			}
		}
		for j, r := range ws.Resources {
			if r.ID == "" {
				errs = append(errs, fmt.Errorf("workspace %q resources[%d]: id is required", ws.ID, j))
			}
			if _, err := resources.ParseType(r.Type); err != nil {
				errs = append(errs, fmt.Errorf("workspace %q resources[%d]: %w", ws.ID, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ApplySeed writes s into the policy store and resource repository. It is
// idempotent: policies are initialized once and then updated, resources are
// upserted and keys are issued only for labels not yet present.
func ApplySeed(ctx context.Context, s *Seed, policies *policy.Store, repo *resources.Repository) (SeedResult, error) {
	var res SeedResult
	for _, ws := range s.Workspaces {
		if err := repo.PutWorkspace(ctx, &resources.Workspace{ID: ws.ID, Title: ws.Title, Content: ws.Content}); err != nil {
			return res, fmt.Errorf("seed workspace %q: %w", ws.ID, err)
		}

		p, err := policies.InitPolicy(ctx, ws.ID, "seed")
		if err != nil {
			return res, fmt.Errorf("seed policy %q: %w", ws.ID, err)
		}
		if ws.Policy != nil {
			ws.Policy.Apply(p)
			if err := policies.SavePolicy(ctx, p); err != nil {
				return res, fmt.Errorf("seed policy %q: %w", ws.ID, err)
			}
		}

		for _, k := range ws.Keys {
			if slices.ContainsFunc(p.AccessKeys, func(a policy.AccessKey) bool { return a.Label == k.Label }) {
				continue
			}
			secret, key, err := policies.CreateAccessKey(ctx, ws.ID, k.Label)
			if err != nil {
				return res, fmt.Errorf("seed key %q/%q: %w", ws.ID, k.Label, err)
			}
			res.Keys = append(res.Keys, IssuedKey{WorkspaceID: ws.ID, Label: k.Label, KeyID: key.ID, Secret: secret})
		}

		for _, r := range ws.Resources {
			t, _ := resources.ParseType(r.Type)
			if err := repo.Put(ctx, &resources.Resource{
				ID:          r.ID,
				Type:        t,
				WorkspaceID: ws.ID,
				Title:       r.Title,
				Content:     r.Content,
				Tags:        r.Tags,
			}); err != nil {
				return res, fmt.Errorf("seed resource %q/%q: %w", ws.ID, r.ID, err)
			}
			res.Resources++
		}
		res.Workspaces++
	}
	return res, nil
}
