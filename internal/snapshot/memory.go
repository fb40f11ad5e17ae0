package snapshot

import (
	"context"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore keeps the latest encoded snapshot in process memory.
// It survives worker restarts under the supervisor but not process restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	latest []byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save encodes and keeps snap.
func (s *MemoryStore) Save(_ context.Context, snap *domain.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.latest = data
	s.mu.Unlock()
	return nil
}

// Latest decodes the most recent snapshot.
func (s *MemoryStore) Latest(_ context.Context) (*domain.Snapshot, error) {
	s.mu.RLock()
	data := s.latest
	s.mu.RUnlock()
	if data == nil {
		return nil, ErrNotFound
	}
	return Decode(data)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
