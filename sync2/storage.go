package sync2

import "encoding/json"

// ClientOptions are the sync-relevant options persisted across restarts. A
// LazyLoadMembers value differing from the stored one invalidates the whole
// store: cached rooms would be missing members.
type ClientOptions struct {
	LazyLoadMembers bool `json:"lazy_load_members"`
}

// ToDeviceEntry is one device-targeted message within a batch.
type ToDeviceEntry struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ToDeviceBatch is a bounded sub-batch ready for queueing: at most
// MaxToDeviceEntriesPerBatch entries under one transaction ID.
type ToDeviceBatch struct {
	EventType string          `json:"event_type"`
	TxnID     string          `json:"txn_id"`
	Entries   []ToDeviceEntry `json:"entries"`
}

// StoredToDeviceBatch is a batch plus the store-assigned sequence ID used for
// FIFO draining and removal.
type StoredToDeviceBatch struct {
	ID int64 `json:"id"`
	ToDeviceBatch
}

// Store is the persistence surface the engine depends on. The engine is the
// only writer. Implementations: state.Storage (Postgres) and
// testutils.MemoryStore.
type Store interface {
	// SyncToken returns the persisted since token, or "" if none.
	SyncToken() (string, error)
	SetSyncToken(since string) error

	// SavedSnapshot returns the cached accumulator snapshot, or nil if none.
	SavedSnapshot() (*SyncSnapshot, error)
	// SaveSnapshot persists the snapshot, replacing any previous one.
	SaveSnapshot(snap *SyncSnapshot) error
	// WantsSave throttles snapshot persistence: true when enough time has
	// passed since the last SaveSnapshot.
	WantsSave() bool

	// ClientOptions returns the previously stored options, or nil if the
	// store is newly created.
	ClientOptions() (*ClientOptions, error)
	SetClientOptions(opts ClientOptions) error

	// FilterID returns the cached server-side filter ID for this filter
	// name, or "" if none.
	FilterID(name string) (string, error)
	SetFilterID(name, filterID string) error

	// SaveToDeviceBatch appends a batch to the outgoing queue, assigning it
	// the next sequence ID.
	SaveToDeviceBatch(batch ToDeviceBatch) error
	// OldestToDeviceBatch returns the head of the queue, or nil if empty.
	OldestToDeviceBatch() (*StoredToDeviceBatch, error)
	RemoveToDeviceBatch(id int64) error
}
