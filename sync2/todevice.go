package sync2

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matrix-org/sync-client/internal"
)

// MaxToDeviceEntriesPerBatch caps how many (user, device) destinations a
// single /sendToDevice request may carry. Larger sends are split client-side.
const MaxToDeviceEntriesPerBatch = 20

const toDeviceRetryDelay = 5 * time.Second

// ToDeviceQueue is a durable outbox for to-device messages. Batches are
// persisted before any network attempt and sent strictly in FIFO order, one
// in-flight request at a time. A 4xx response drops the batch (retrying a
// rejected payload cannot succeed); other failures back off and retry the
// same batch. The queue pauses while the sync engine is offline and drains
// again once it returns to Syncing.
type ToDeviceQueue struct {
	client      Client
	store       Store
	accessToken string
	clock       Clock
	logger      zerolog.Logger

	mu      sync.Mutex
	sending bool
	paused  bool
	wakeup  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewToDeviceQueue(client Client, store Store, accessToken string, clock Clock, logger zerolog.Logger) *ToDeviceQueue {
	if clock == nil {
		clock = systemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ToDeviceQueue{
		client:      client,
		store:       store,
		accessToken: accessToken,
		clock:       clock,
		logger:      logger,
		wakeup:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Queue persists a to-device send and kicks the drain loop. messages maps
// user ID -> device ID -> payload. Sends targeting more than
// MaxToDeviceEntriesPerBatch destinations are split into multiple batches,
// each with its own transaction ID, preserving destination order.
func (q *ToDeviceQueue) Queue(eventType string, messages map[string]map[string]json.RawMessage) error {
	var entries []ToDeviceEntry
	for userID, byDevice := range messages {
		for deviceID, payload := range byDevice {
			entries = append(entries, ToDeviceEntry{
				UserID:   userID,
				DeviceID: deviceID,
				Payload:  payload,
			})
		}
	}
	for len(entries) > 0 {
		n := len(entries)
		if n > MaxToDeviceEntriesPerBatch {
			n = MaxToDeviceEntriesPerBatch
		}
		batch := ToDeviceBatch{
			EventType: eventType,
			TxnID:     uuid.NewString(),
			Entries:   entries[:n],
		}
		entries = entries[n:]
		if err := q.store.SaveToDeviceBatch(batch); err != nil {
			return err
		}
	}
	q.poke()
	return nil
}

// OnSyncStateChange pauses the queue while the engine is offline and resumes
// draining when it comes back to Syncing.
func (q *ToDeviceQueue) OnSyncStateChange(oldState, newState SyncState) {
	q.mu.Lock()
	q.paused = newState != SyncSyncing
	q.mu.Unlock()
	if newState == SyncSyncing && oldState != SyncSyncing {
		q.poke()
	}
}

// Stop aborts any in-flight request and waits for the drain loop to exit.
// Persisted batches survive and are retried on the next run.
func (q *ToDeviceQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *ToDeviceQueue) poke() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sending || q.paused {
		return
	}
	q.sending = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.drain()
	}()
}

func (q *ToDeviceQueue) drain() {
	defer func() {
		q.mu.Lock()
		q.sending = false
		q.mu.Unlock()
	}()
	for {
		if q.ctx.Err() != nil {
			return
		}
		q.mu.Lock()
		paused := q.paused
		q.mu.Unlock()
		if paused {
			return
		}
		batch, err := q.store.OldestToDeviceBatch()
		if err != nil {
			q.logger.Err(err).Msg("ToDeviceQueue: failed to read outbox")
			return
		}
		if batch == nil {
			return
		}
		if err := q.sendBatch(batch); err != nil {
			if internal.IsClientError(err) {
				// the server rejected the payload itself; retrying the same
				// bytes would loop forever. Drop it and move on.
				q.logger.Err(err).Str("txn_id", batch.TxnID).Msg("ToDeviceQueue: batch rejected, dropping")
				if err := q.store.RemoveToDeviceBatch(batch.ID); err != nil {
					q.logger.Err(err).Msg("ToDeviceQueue: failed to remove rejected batch")
					return
				}
				continue
			}
			q.logger.Warn().Err(err).Str("txn_id", batch.TxnID).Msg("ToDeviceQueue: send failed, backing off")
			select {
			case <-q.ctx.Done():
				return
			case <-q.clock.After(toDeviceRetryDelay):
			}
			continue
		}
		if err := q.store.RemoveToDeviceBatch(batch.ID); err != nil {
			q.logger.Err(err).Msg("ToDeviceQueue: failed to remove sent batch")
			return
		}
	}
}

func (q *ToDeviceQueue) sendBatch(batch *StoredToDeviceBatch) error {
	messages := make(map[string]map[string]json.RawMessage)
	for _, e := range batch.Entries {
		if messages[e.UserID] == nil {
			messages[e.UserID] = make(map[string]json.RawMessage)
		}
		messages[e.UserID][e.DeviceID] = e.Payload
	}
	return q.client.SendToDevice(q.ctx, q.accessToken, batch.EventType, batch.TxnID, messages)
}
