// Package memory provides in-process persistence for paper trading and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// StrategyStore keeps strategy snapshots in memory.
type StrategyStore struct {
	mu        sync.Mutex
	nextID    int64
	snapshots map[int64]strategystore.Snapshot
}

// NewStrategyStore returns an empty store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{snapshots: make(map[int64]strategystore.Snapshot)}
}

// Create stores snapshot under a new identifier.
func (s *StrategyStore) Create(_ context.Context, snapshot strategystore.Snapshot) (int64, error) {
	if snapshot.Variant == "" {
		return 0, fmt.Errorf("strategy store: variant required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	snapshot.ID = s.nextID
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	snapshot.Config = append([]byte(nil), snapshot.Config...)
	s.snapshots[snapshot.ID] = snapshot
	return snapshot.ID, nil
}

// MarkCompleted records the completion time of id.
func (s *StrategyStore) MarkCompleted(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("strategy store: instance %d: %w", id, strategystore.ErrNotFound)
	}
	at = at.UTC()
	snap.CompletedAt = &at
	s.snapshots[id] = snap
	return nil
}

// LoadActive returns every snapshot without a completion time, ordered by id.
func (s *StrategyStore) LoadActive(_ context.Context) ([]strategystore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]strategystore.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if snap.CompletedAt == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the snapshot stored under id.
func (s *StrategyStore) Get(id int64) (strategystore.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}
