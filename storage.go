package durable

import (
	"context"
	"strings"
	"time"
)

// MemoryType tags a working memory entry so entries can be listed by kind.
type MemoryType string

const (
	MemoryTypeWorkflow   MemoryType = "workflow"
	MemoryTypeStepStatus MemoryType = "step_status"
)

// MemoryEntry is a single working memory record. Value holds JSON.
type MemoryEntry struct {
	Key       string     `json:"key"`
	Type      MemoryType `json:"type"`
	Value     []byte     `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MemoryFilter selects working memory entries. Zero fields match everything.
type MemoryFilter struct {
	Type   MemoryType
	Prefix string
}

// Matches returns true if an entry with the given key and type passes the
// filter.
func (f MemoryFilter) Matches(key string, memType MemoryType) bool {
	if f.Type != "" && f.Type != memType {
		return false
	}
	return strings.HasPrefix(key, f.Prefix)
}

// Episode is an append-only audit record.
type Episode struct {
	ID         string         `json:"id"`
	Type       EpisodeType    `json:"type"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	Context    string         `json:"context,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HasTags returns true if the episode carries every one of the given tags.
func (e *Episode) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range e.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EpisodeQuery selects episodes. Zero fields match everything. Results are
// returned newest first.
type EpisodeQuery struct {
	Type    EpisodeType
	Tags    []string
	Text    string
	Context string
	Since   time.Time
	Limit   int
}

// Matches returns true if the episode passes every condition of the query.
// Text matches the summary case-insensitively.
func (q EpisodeQuery) Matches(e *Episode) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Context != "" && e.Context != q.Context {
		return false
	}
	if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
		return false
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(e.Summary), strings.ToLower(q.Text)) {
		return false
	}
	return e.HasTags(q.Tags)
}

// Storage is the persistence contract used by the engine. Working memory is a
// keyed store of JSON values; episodes are an append-only audit log.
// Implementations must be safe for concurrent use and must return an error
// wrapping ErrNotFound from GetWorkingMemory when a key does not exist.
type Storage interface {
	SetWorkingMemory(ctx context.Context, key string, value []byte, memType MemoryType) error
	GetWorkingMemory(ctx context.Context, key string) (*MemoryEntry, error)
	DeleteWorkingMemory(ctx context.Context, key string) error
	ListWorkingMemory(ctx context.Context, filter MemoryFilter) ([]*MemoryEntry, error)
	RecordEpisode(ctx context.Context, episode *Episode) error
	SearchEpisodes(ctx context.Context, query EpisodeQuery) ([]*Episode, error)
}
