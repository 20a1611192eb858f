// Package postgres implements durable.Storage on PostgreSQL using
// database/sql and the lib/pq driver.
//
// Usage:
//
//	store, err := postgres.Open(ctx, "postgres://localhost/durable?sslmode=disable")
//	if err != nil { ... }
//	if err := store.Migrate(ctx); err != nil { ... }
//	engine, err := durable.New(durable.Options{Storage: store, Executor: registry})
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/lib/pq"
)

var _ durable.Storage = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS durable_working_memory (
	key        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS durable_working_memory_type_idx
	ON durable_working_memory (type);

CREATE TABLE IF NOT EXISTS durable_episodes (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	summary    TEXT NOT NULL,
	details    JSONB,
	context    TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL DEFAULT '',
	importance DOUBLE PRECISION NOT NULL DEFAULT 0,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS durable_episodes_created_idx
	ON durable_episodes (created_at DESC);
CREATE INDEX IF NOT EXISTS durable_episodes_tags_idx
	ON durable_episodes USING GIN (tags);
`

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store persists working memory and episodes in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a store on an open database. The caller owns the database
// lifecycle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to the database at dsn and verifies the connection. Close
// releases it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: open: %w", err)
	}
	s := New(db, opts...)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("durable/postgres: ping: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes used by the store.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("durable/postgres: migrate: %w", err)
	}
	s.logger.Debug("durable/postgres: schema migrated")
	return nil
}

func (s *Store) SetWorkingMemory(ctx context.Context, key string, value []byte, memType durable.MemoryType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_working_memory (key, type, value, updated_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (key) DO UPDATE
		SET type = EXCLUDED.type, value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(memType), string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("durable/postgres: set working memory %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetWorkingMemory(ctx context.Context, key string) (*durable.MemoryEntry, error) {
	var (
		memType string
		value   []byte
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT type, value, updated_at FROM durable_working_memory WHERE key = $1`, key,
	).Scan(&memType, &value, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("working memory %q: %w", key, durable.ErrNotFound)
		}
		return nil, fmt.Errorf("durable/postgres: get working memory %q: %w", key, err)
	}
	return &durable.MemoryEntry{
		Key:       key,
		Type:      durable.MemoryType(memType),
		Value:     value,
		UpdatedAt: updated.UTC(),
	}, nil
}

func (s *Store) DeleteWorkingMemory(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM durable_working_memory WHERE key = $1`, key); err != nil {
		return fmt.Errorf("durable/postgres: delete working memory %q: %w", key, err)
	}
	return nil
}

func (s *Store) ListWorkingMemory(ctx context.Context, filter durable.MemoryFilter) ([]*durable.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, type, value, updated_at FROM durable_working_memory
		WHERE ($1 = '' OR type = $1) AND key LIKE $2 ESCAPE '\'
		ORDER BY key`,
		string(filter.Type), escapeLike(filter.Prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list working memory: %w", err)
	}
	defer rows.Close()

	var entries []*durable.MemoryEntry
	for rows.Next() {
		var (
			entry   durable.MemoryEntry
			memType string
		)
		if err := rows.Scan(&entry.Key, &memType, &entry.Value, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("durable/postgres: scan working memory: %w", err)
		}
		entry.Type = durable.MemoryType(memType)
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: list working memory: %w", err)
	}
	return entries, nil
}

func (s *Store) RecordEpisode(ctx context.Context, episode *durable.Episode) error {
	ep := durable.PrepareEpisode(episode)
	var details any
	if ep.Details != nil {
		data, err := json.Marshal(ep.Details)
		if err != nil {
			return fmt.Errorf("durable/postgres: marshal episode details: %w", err)
		}
		details = string(data)
	}
	tags := ep.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_episodes
			(id, type, summary, details, context, outcome, importance, tags, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)`,
		ep.ID, string(ep.Type), ep.Summary, details, ep.Context, ep.Outcome,
		ep.Importance, pq.Array(tags), ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("durable/postgres: record episode: %w", err)
	}
	return nil
}

func (s *Store) SearchEpisodes(ctx context.Context, query durable.EpisodeQuery) ([]*durable.Episode, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if query.Type != "" {
		conditions = append(conditions, "type = "+arg(string(query.Type)))
	}
	if query.Context != "" {
		conditions = append(conditions, "context = "+arg(query.Context))
	}
	if len(query.Tags) > 0 {
		conditions = append(conditions, "tags @> "+arg(pq.Array(query.Tags)))
	}
	if query.Text != "" {
		conditions = append(conditions, "summary ILIKE "+arg("%"+escapeLike(query.Text)+"%")+` ESCAPE '\'`)
	}
	if !query.Since.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(query.Since))
	}

	sqlQuery := `SELECT id, type, summary, details, context, outcome, importance, tags, created_at
		FROM durable_episodes`
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += " ORDER BY created_at DESC, id DESC"
	if query.Limit > 0 {
		sqlQuery += " LIMIT " + arg(query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: search episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*durable.Episode
	for rows.Next() {
		var (
			ep      durable.Episode
			epType  string
			details []byte
			tags    pq.StringArray
		)
		if err := rows.Scan(&ep.ID, &epType, &ep.Summary, &details, &ep.Context,
			&ep.Outcome, &ep.Importance, &tags, &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("durable/postgres: scan episode: %w", err)
		}
		ep.Type = durable.EpisodeType(epType)
		ep.Tags = []string(tags)
		ep.CreatedAt = ep.CreatedAt.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ep.Details); err != nil {
				return nil, fmt.Errorf("durable/postgres: decode episode details: %w", err)
			}
		}
		episodes = append(episodes, &ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: search episodes: %w", err)
	}
	return episodes, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
