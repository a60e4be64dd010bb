// Package redis provides a Redis-based implementation of the storage.Storage
// interface. Each collection is a Redis hash keyed by record id whose values
// are JSON-encoded records. A set per collection and workspace indexes the
// record ids of that workspace, so workspace-scoped queries read only the
// tenant's records.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "mcpgw:storage:"
	KeyPrefix string
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcpgw:storage:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get retrieves the record stored under id.
func (s *Storage) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	key := s.buildKey(collection)

	raw, err := s.client.HGet(ctx, key, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", key, id, err)
	}

	var rec storage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record: %w", err)
	}
	return &rec, nil
}

// Put upserts rec into its collection hash and workspace index.
func (s *Storage) Put(ctx context.Context, rec *storage.Record) error {
	if err := storage.Validate(rec); err != nil {
		return err
	}

	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	prev, err := s.Get(ctx, c.Collection, c.ID)
	if err != nil {
		return err
	}

	key := s.buildKey(c.Collection)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, c.ID, data)
		if prev != nil && prev.WorkspaceID != "" && prev.WorkspaceID != c.WorkspaceID {
			pipe.SRem(ctx, s.indexKey(c.Collection, prev.WorkspaceID), c.ID)
		}
		if c.WorkspaceID != "" {
			pipe.SAdd(ctx, s.indexKey(c.Collection, c.WorkspaceID), c.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", key, c.ID, err)
	}
	return nil
}

// Delete removes a record from its collection hash and workspace index.
func (s *Storage) Delete(ctx context.Context, collection, id string) error {
	prev, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	key := s.buildKey(collection)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, id)
		if prev.WorkspaceID != "" {
			pipe.SRem(ctx, s.indexKey(collection, prev.WorkspaceID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", key, id, err)
	}
	return nil
}

// Query returns the matching records. A workspace-scoped query reads the
// ids from the workspace index; an unscoped one scans the collection hash.
func (s *Storage) Query(ctx context.Context, collection string, opts ...storage.Option) ([]*storage.Record, error) {
	options := storage.ApplyOptions(opts...)

	var (
		out []*storage.Record
		err error
	)
	if options.WorkspaceID != nil && *options.WorkspaceID != "" {
		out, err = s.queryWorkspace(ctx, collection, *options.WorkspaceID, options)
	} else {
		out, err = s.scan(ctx, collection, options)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

func (s *Storage) queryWorkspace(ctx context.Context, collection, workspaceID string, options *storage.Options) ([]*storage.Record, error) {
	idx := s.indexKey(collection, workspaceID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", idx, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	key := s.buildKey(collection)
	vals, err := s.client.HMGet(ctx, key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	out := make([]*storage.Record, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Indexed id without a record.
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored record %s: %w", ids[i], err)
		}
		if options.Matches(&rec) {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *Storage) scan(ctx context.Context, collection string, options *storage.Options) ([]*storage.Record, error) {
	key := s.buildKey(collection)
	var (
		out    []*storage.Record
		cursor uint64
	)
	for {
		// HSCAN returns alternating field/value pairs.
		kvs, next, err := s.client.HScan(ctx, key, cursor, "*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", key, err)
		}
		for i := 1; i < len(kvs); i += 2 {
			var rec storage.Record
			if err := json.Unmarshal([]byte(kvs[i]), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stored record %s: %w", kvs[i-1], err)
			}
			if options.Matches(&rec) {
				out = append(out, &rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// HSCAN may return a field more than once.
	return dedupe(out), nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(collection string) string {
	return s.keyPrefix + collection
}

func (s *Storage) indexKey(collection, workspaceID string) string {
	return s.keyPrefix + collection + ":ws:" + workspaceID
}

func dedupe(recs []*storage.Record) []*storage.Record {
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
