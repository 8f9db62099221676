package testutils

import (
	"sync"

	"github.com/matrix-org/sync-client/sync2"
)

// MemoryStore is an in-memory sync2.Store for tests and throwaway sessions.
type MemoryStore struct {
	mu            sync.Mutex
	since         string
	snapshot      *sync2.SyncSnapshot
	clientOptions *sync2.ClientOptions
	filterIDs     map[string]string
	batches       []sync2.StoredToDeviceBatch
	nextBatchID   int64

	// AlwaysWantsSave disables the save throttle so tests can observe every
	// snapshot write.
	AlwaysWantsSave bool
	saved           bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		filterIDs:       make(map[string]string),
		AlwaysWantsSave: true,
	}
}

func (m *MemoryStore) SyncToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since, nil
}

func (m *MemoryStore) SetSyncToken(since string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	return nil
}

func (m *MemoryStore) SavedSnapshot() (*sync2.SyncSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MemoryStore) SaveSnapshot(snap *sync2.SyncSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	m.saved = true
	return nil
}

func (m *MemoryStore) WantsSave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AlwaysWantsSave || !m.saved
}

func (m *MemoryStore) ClientOptions() (*sync2.ClientOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientOptions, nil
}

func (m *MemoryStore) SetClientOptions(opts sync2.ClientOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientOptions = &opts
	return nil
}

func (m *MemoryStore) FilterID(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterIDs[name], nil
}

func (m *MemoryStore) SetFilterID(name, filterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterIDs[name] = filterID
	return nil
}

func (m *MemoryStore) SaveToDeviceBatch(batch sync2.ToDeviceBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatchID++
	m.batches = append(m.batches, sync2.StoredToDeviceBatch{
		ID:            m.nextBatchID,
		ToDeviceBatch: batch,
	})
	return nil
}

func (m *MemoryStore) OldestToDeviceBatch() (*sync2.StoredToDeviceBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	return &batch, nil
}

func (m *MemoryStore) RemoveToDeviceBatch(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches {
		if b.ID == id {
			m.batches = append(m.batches[:i], m.batches[i+1:]...)
			break
		}
	}
	return nil
}

// QueuedBatches returns the current outbox contents, oldest first.
func (m *MemoryStore) QueuedBatches() []sync2.StoredToDeviceBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sync2.StoredToDeviceBatch, len(m.batches))
	copy(out, m.batches)
	return out
}

var _ sync2.Store = (*MemoryStore)(nil)
