package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/google/uuid"
)

// Collection is the storage collection holding one policy per workspace,
// keyed by workspace id.
const Collection = "workspace_policies"

// Store is the Access Policy Store. Read-modify-write operations are
// serialized per workspace.
type Store struct {
	st    storage.Storage
	log   *slog.Logger
	now   func() time.Time
	locks *keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store persisting into st.
func NewStore(st storage.Storage, opts ...Option) *Store {
	s := &Store{
		st:    st,
		log:   slog.Default(),
		now:   time.Now,
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPolicy loads the policy of workspaceID. It returns ErrNotFound when the
// workspace has none.
func (s *Store) GetPolicy(ctx context.Context, workspaceID string) (*Policy, error) {
	if workspaceID == "" {
		return nil, ErrNotFound
	}
	rec, err := s.st.Get(ctx, Collection, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", workspaceID, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	var p Policy
	if err := rec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy %q: %w", workspaceID, err)
	}
	if p.WorkspaceID == "" {
		p.WorkspaceID = workspaceID
	}
	return &p, nil
}

// InitPolicy returns the existing policy of workspaceID or creates one with
// safe defaults: disabled, only read_global_context allowed, documents hidden.
func (s *Store) InitPolicy(ctx context.Context, workspaceID, callerID string) (*Policy, error) {
	if workspaceID == "" {
		return nil, errors.Join(ErrInvalidPolicy, errors.New("workspaceId is required"))
	}
	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	existing, err := s.GetPolicy(ctx, workspaceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	p := &Policy{
		WorkspaceID:         workspaceID,
		Enabled:             false,
		AllowedTools:        slices.Clone(DefaultAllowedTools),
		ExposeGlobalContext: true,
		ExposeDocuments:     false,
		MaxContextSize:      DefaultMaxContextSize,
		AccessKeys:          []AccessKey{},
		CreatedBy:           callerID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.put(ctx, p); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "policy.init.ok", slog.String("workspace_id", workspaceID), slog.String("caller_id", callerID))
	return p, nil
}

// SavePolicy upserts p and stamps UpdatedAt. Access keys are owned by
// CreateAccessKey and RevokeAccessKey: the stored key set is kept and the
// keys on p are ignored, so a save based on a stale read cannot drop keys.
func (s *Store) SavePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(p.WorkspaceID)
	defer unlock()

	next := p.Clone()
	existing, err := s.GetPolicy(ctx, p.WorkspaceID)
	switch {
	case err == nil:
		next.AccessKeys = existing.AccessKeys
		next.CreatedAt = existing.CreatedAt
		next.CreatedBy = existing.CreatedBy
	case errors.Is(err, ErrNotFound):
		next.AccessKeys = []AccessKey{}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = s.now().UTC()
		}
	default:
		return err
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, next); err != nil {
		return err
	}
	p.UpdatedAt = next.UpdatedAt
	s.log.InfoContext(ctx, "policy.save.ok", slog.String("workspace_id", p.WorkspaceID), slog.Bool("enabled", p.Enabled))
	return nil
}

// CreateAccessKey issues a new access key for workspaceID. The returned secret
// is the only copy of the plaintext and cannot be recovered later.
func (s *Store) CreateAccessKey(ctx context.Context, workspaceID, label string) (string, AccessKey, error) {
	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	p, err := s.GetPolicy(ctx, workspaceID)
	if err != nil {
		return "", AccessKey{}, err
	}

	secret, prefix, hash, err := GenerateAccessKey()
	if err != nil {
		return "", AccessKey{}, err
	}
	now := s.now().UTC()
	key := AccessKey{
		ID:        uuid.NewString(),
		Label:     label,
		KeyPrefix: prefix,
		HashedKey: hash,
		CreatedAt: now,
	}
	p.AccessKeys = append(p.AccessKeys, key)
	p.UpdatedAt = now

	if err := s.put(ctx, p); err != nil {
		return "", AccessKey{}, err
	}
	s.log.InfoContext(ctx, "policy.key.create.ok", slog.String("workspace_id", workspaceID), slog.String("key_id", key.ID), slog.String("key_prefix", prefix))
	return secret, key, nil
}

// RevokeAccessKey removes keyID from workspaceID. Authentication with the
// revoked secret fails from the moment this returns.
func (s *Store) RevokeAccessKey(ctx context.Context, workspaceID, keyID string) error {
	unlock := s.locks.Lock(workspaceID)
	defer unlock()

	p, err := s.GetPolicy(ctx, workspaceID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(p.AccessKeys, func(k AccessKey) bool { return k.ID == keyID })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	p.AccessKeys = slices.Delete(p.AccessKeys, idx, idx+1)
	p.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, p); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "policy.key.revoke.ok", slog.String("workspace_id", workspaceID), slog.String("key_id", keyID))
	return nil
}

// ListAccessKeys returns the key records of workspaceID.
func (s *Store) ListAccessKeys(ctx context.Context, workspaceID string) ([]AccessKey, error) {
	p, err := s.GetPolicy(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return p.AccessKeys, nil
}

func (s *Store) put(ctx context.Context, p *Policy) error {
	if p.AccessKeys == nil {
		p.AccessKeys = []AccessKey{}
	}
	rec, err := storage.NewRecord(Collection, p.WorkspaceID, p.WorkspaceID, p)
	if err != nil {
		return fmt.Errorf("encode policy %q: %w", p.WorkspaceID, err)
	}
	rec.UpdatedAt = p.UpdatedAt
	if err := s.st.Put(ctx, rec); err != nil {
		return fmt.Errorf("store policy %q: %w", p.WorkspaceID, err)
	}
	return nil
}
