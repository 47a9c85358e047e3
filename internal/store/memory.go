package store

import (
	"context"
	"sync"

	"github.com/avatarforge/avatar-gateway/internal/pipeline"
)

// MemoryStore keeps run snapshots in process memory. It backs single-node
// deployments and tests; restarts lose history.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]pipeline.Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]pipeline.Snapshot)}
}

// Save stores or replaces the snapshot for its run.
func (s *MemoryStore) Save(_ context.Context, snap pipeline.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID] = snap
	return nil
}

// Get returns the snapshot for runID and whether one exists.
func (s *MemoryStore) Get(_ context.Context, runID string) (pipeline.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[runID]
	return snap, ok, nil
}
