package durable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage keeps working memory and episodes in process memory. It is
// the default Storage and is intended for tests and single-process use.
type MemoryStorage struct {
	mutex    sync.RWMutex
	entries  map[string]*MemoryEntry
	episodes []*Episode
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: map[string]*MemoryEntry{}}
}

func (s *MemoryStorage) SetWorkingMemory(ctx context.Context, key string, value []byte, memType MemoryType) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[key] = &MemoryEntry{
		Key:       key,
		Type:      memType,
		Value:     append([]byte(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStorage) GetWorkingMemory(ctx context.Context, key string) (*MemoryEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("working memory %q: %w", key, ErrNotFound)
	}
	return copyEntry(entry), nil
}

func (s *MemoryStorage) DeleteWorkingMemory(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStorage) ListWorkingMemory(ctx context.Context, filter MemoryFilter) ([]*MemoryEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var entries []*MemoryEntry
	for key, entry := range s.entries {
		if filter.Matches(key, entry.Type) {
			entries = append(entries, copyEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (s *MemoryStorage) RecordEpisode(ctx context.Context, episode *Episode) error {
	ep := PrepareEpisode(episode)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.episodes = append(s.episodes, ep)
	return nil
}

func (s *MemoryStorage) SearchEpisodes(ctx context.Context, query EpisodeQuery) ([]*Episode, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return filterEpisodes(s.episodes, query), nil
}

// PrepareEpisode returns a copy of the episode with its ID and creation time
// filled in when missing. Storage implementations call it before recording.
func PrepareEpisode(episode *Episode) *Episode {
	ep := *episode
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if episode.Tags != nil {
		ep.Tags = append([]string(nil), episode.Tags...)
	}
	if episode.Details != nil {
		ep.Details = copyMap(episode.Details)
	}
	return &ep
}

// filterEpisodes applies the query to episodes stored oldest first and
// returns matches newest first.
func filterEpisodes(episodes []*Episode, query EpisodeQuery) []*Episode {
	var results []*Episode
	for i := len(episodes) - 1; i >= 0; i-- {
		ep := episodes[i]
		if !query.Matches(ep) {
			continue
		}
		c := *ep
		results = append(results, &c)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results
}

func copyEntry(e *MemoryEntry) *MemoryEntry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}
