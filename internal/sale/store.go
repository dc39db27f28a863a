package sale

import (
	"context"
	"sync"
)

// Store persists sale rounds. Commit writes all given records or none.
type Store interface {
	Load(ctx context.Context) ([]*SaleRecord, error)
	Commit(ctx context.Context, records ...*SaleRecord) error
}

type roundKey struct {
	asset uint64
	round uint64
}

// MemoryStore keeps rounds in process memory; it is the default store and the
// one used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[roundKey]*SaleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[roundKey]*SaleRecord)}
}

func (m *MemoryStore) Load(_ context.Context) ([]*SaleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SaleRecord, 0, len(m.data))
	for _, rec := range m.data {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, records ...*SaleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.data[roundKey{asset: rec.AssetID, round: rec.Round}] = rec.Clone()
	}
	return nil
}
