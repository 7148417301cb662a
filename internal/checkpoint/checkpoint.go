// Package checkpoint persists per-item processing status to a
// human-inspectable JSON file so interrupted runs resume where they left
// off. Deleting the file forces a clean restart.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dinedex/enricher/internal/extract"
)

// DefaultFlushEvery is the checkpoint write cadence in processed items.
const DefaultFlushEvery = 10

// Entry is one item's durable status record.
type Entry struct {
	Status    extract.Status `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Store is the in-memory checkpoint map with periodic durable flushes.
// Persistence is an explicit, awaited step at cadence points rather than a
// background timer, so callers (and tests) can rely on exact file content
// after N marks.
type Store struct {
	path       string
	flushEvery int
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	pending int
}

// Open loads the checkpoint at path. A missing or corrupt file yields an
// empty map: logged, never fatal, since the worst case is redone work.
func Open(path string, flushEvery int, log *zap.Logger) *Store {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		path:       path,
		flushEvery: flushEvery,
		log:        log,
		now:        time.Now,
		entries:    make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("checkpoint unreadable, starting fresh", zap.String("path", path), zap.Error(err))
		}
		return s
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		log.Warn("checkpoint corrupt, starting fresh", zap.String("path", path), zap.Error(err))
		s.entries = make(map[string]Entry)
	}
	return s
}

// Mark records an item's status and flushes when the write cadence is due.
func (s *Store) Mark(id string, status extract.Status, summary, errMsg string) error {
	s.mu.Lock()
	s.entries[id] = Entry{
		Status:    status,
		Timestamp: s.now(),
		Summary:   summary,
		Error:     errMsg,
	}
	s.pending++
	due := s.pending >= s.flushEvery
	s.mu.Unlock()

	if due {
		return s.Flush()
	}
	return nil
}

// Get returns the entry for id, if any.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of checkpointed items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Counts returns per-status totals.
func (s *Store) Counts() map[extract.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[extract.Status]int)
	for _, e := range s.entries {
		out[e.Status]++
	}
	return out
}

// FilterPending drops items already checkpointed done. With force set the
// exclusion is bypassed for explicit reprocessing.
func (s *Store) FilterPending(items []extract.WorkItem, force bool) []extract.WorkItem {
	if force {
		return items
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := items[:0]
	for _, it := range items {
		if e, ok := s.entries[it.ID]; ok && e.Status == extract.StatusDone {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Flush atomically overwrites the checkpoint file with the current map.
func (s *Store) Flush() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	s.pending = 0
	s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
