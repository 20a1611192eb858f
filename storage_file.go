package durable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStorage persists working memory as one JSON file per key and episodes
// as newline-delimited JSON. Working memory writes are atomic: each value is
// written to a temporary file which is then renamed into place.
type FileStorage struct {
	dataDir     string
	memoryDir   string
	episodePath string
	episodeLock sync.Mutex
}

var _ Storage = (*FileStorage)(nil)

type fileEntry struct {
	Key       string          `json:"key"`
	Type      MemoryType      `json:"type"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewFileStorage creates a file-based storage rooted at dataDir. When dataDir
// is empty, ~/.deepnoodle/durable is used.
func NewFileStorage(dataDir string) (*FileStorage, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "durable")
	}
	memoryDir := filepath.Join(dataDir, "memory")
	if err := os.MkdirAll(memoryDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", memoryDir, err)
	}
	return &FileStorage{
		dataDir:     dataDir,
		memoryDir:   memoryDir,
		episodePath: filepath.Join(dataDir, "episodes.jsonl"),
	}, nil
}

// DataDir returns the root directory of the storage.
func (s *FileStorage) DataDir() string {
	return s.dataDir
}

func (s *FileStorage) entryPath(key string) string {
	return filepath.Join(s.memoryDir, url.QueryEscape(key)+".json")
}

func (s *FileStorage) SetWorkingMemory(ctx context.Context, key string, value []byte, memType MemoryType) error {
	if !json.Valid(value) {
		return fmt.Errorf("working memory %q: value is not valid JSON", key)
	}
	data, err := json.Marshal(fileEntry{
		Key:       key,
		Type:      memType,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal working memory entry: %w", err)
	}
	tmp, err := os.CreateTemp(s.memoryDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write working memory file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync working memory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close working memory file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.entryPath(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename working memory file: %w", err)
	}
	return nil
}

func (s *FileStorage) GetWorkingMemory(ctx context.Context, key string) (*MemoryEntry, error) {
	entry, err := s.readEntry(s.entryPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("working memory %q: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

func (s *FileStorage) readEntry(path string) (*MemoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal working memory file %s: %w", path, err)
	}
	return &MemoryEntry{
		Key:       fe.Key,
		Type:      fe.Type,
		Value:     []byte(fe.Value),
		UpdatedAt: fe.UpdatedAt,
	}, nil
}

func (s *FileStorage) DeleteWorkingMemory(ctx context.Context, key string) error {
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete working memory file: %w", err)
	}
	return nil
}

func (s *FileStorage) ListWorkingMemory(ctx context.Context, filter MemoryFilter) ([]*MemoryEntry, error) {
	files, err := os.ReadDir(s.memoryDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read working memory directory: %w", err)
	}
	var entries []*MemoryEntry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil || !strings.HasPrefix(key, filter.Prefix) {
			continue
		}
		entry, err := s.readEntry(filepath.Join(s.memoryDir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // deleted concurrently
			}
			return nil, err
		}
		if filter.Matches(entry.Key, entry.Type) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (s *FileStorage) RecordEpisode(ctx context.Context, episode *Episode) error {
	data, err := json.Marshal(PrepareEpisode(episode))
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}
	s.episodeLock.Lock()
	defer s.episodeLock.Unlock()

	f, err := os.OpenFile(s.episodePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileStorage) SearchEpisodes(ctx context.Context, query EpisodeQuery) ([]*Episode, error) {
	s.episodeLock.Lock()
	data, err := os.ReadFile(s.episodePath)
	s.episodeLock.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read episodes: %w", err)
	}
	var episodes []*Episode
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ep Episode
		if err := json.Unmarshal(line, &ep); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode: %w", err)
		}
		episodes = append(episodes, &ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan episodes: %w", err)
	}
	return filterEpisodes(episodes, query), nil
}
