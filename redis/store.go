// Package redis implements durable.Storage on Redis. Working memory entries
// are stored as Hashes with a Set for enumeration, and episodes are appended
// to a Stream.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/durable"
)

var _ durable.Storage = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxEpisodes caps the episode stream at n entries, trimming the oldest.
func WithMaxEpisodes(n int64) Option {
	return func(s *Store) { s.maxEpisodes = n }
}

// Store persists working memory and episodes in Redis.
type Store struct {
	client      goredis.Cmdable
	logger      *slog.Logger
	maxEpisodes int64
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) SetWorkingMemory(ctx context.Context, key string, value []byte, memType durable.MemoryType) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, memoryKey(key),
		"key", key,
		"type", string(memType),
		"value", string(value),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, memoryKeysKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("durable/redis: set working memory %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetWorkingMemory(ctx context.Context, key string) (*durable.MemoryEntry, error) {
	vals, err := s.client.HGetAll(ctx, memoryKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("working memory %q: %w", key, durable.ErrNotFound)
		}
		return nil, fmt.Errorf("durable/redis: get working memory %q: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("working memory %q: %w", key, durable.ErrNotFound)
	}
	return entryFromMap(key, vals)
}

func (s *Store) DeleteWorkingMemory(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, memoryKey(key))
	pipe.SRem(ctx, memoryKeysKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("durable/redis: delete working memory %q: %w", key, err)
	}
	return nil
}

func (s *Store) ListWorkingMemory(ctx context.Context, filter durable.MemoryFilter) ([]*durable.MemoryEntry, error) {
	keys, err := s.client.SMembers(ctx, memoryKeysKey).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list working memory: %w", err)
	}
	sort.Strings(keys)
	var entries []*durable.MemoryEntry
	for _, key := range keys {
		if !strings.HasPrefix(key, filter.Prefix) {
			continue
		}
		vals, err := s.client.HGetAll(ctx, memoryKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("durable/redis: list working memory %q: %w", key, err)
		}
		if len(vals) == 0 {
			continue // deleted concurrently
		}
		entry, err := entryFromMap(key, vals)
		if err != nil {
			return nil, err
		}
		if filter.Matches(entry.Key, entry.Type) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) RecordEpisode(ctx context.Context, episode *durable.Episode) error {
	data, err := json.Marshal(durable.PrepareEpisode(episode))
	if err != nil {
		return fmt.Errorf("durable/redis: marshal episode: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: episodesKey,
		Values: map[string]interface{}{"episode": string(data)},
	}
	if s.maxEpisodes > 0 {
		args.MaxLen = s.maxEpisodes
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("durable/redis: record episode: %w", err)
	}
	return nil
}

func (s *Store) SearchEpisodes(ctx context.Context, query durable.EpisodeQuery) ([]*durable.Episode, error) {
	msgs, err := s.client.XRevRange(ctx, episodesKey, "+", "-").Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: search episodes: %w", err)
	}
	var episodes []*durable.Episode
	for _, msg := range msgs {
		raw, ok := msg.Values["episode"].(string)
		if !ok {
			continue
		}
		var ep durable.Episode
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			s.logger.Warn("durable/redis: skipping unreadable episode", "id", msg.ID, "error", err)
			continue
		}
		if !query.Matches(&ep) {
			continue
		}
		episodes = append(episodes, &ep)
	}
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].CreatedAt.After(episodes[j].CreatedAt)
	})
	if query.Limit > 0 && len(episodes) > query.Limit {
		episodes = episodes[:query.Limit]
	}
	return episodes, nil
}

func entryFromMap(key string, vals map[string]string) (*durable.MemoryEntry, error) {
	updated, err := time.Parse(time.RFC3339Nano, vals["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("durable/redis: parse updated_at of %q: %w", key, err)
	}
	return &durable.MemoryEntry{
		Key:       key,
		Type:      durable.MemoryType(vals["type"]),
		Value:     []byte(vals["value"]),
		UpdatedAt: updated,
	}, nil
}
