package sync2_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrix-org/sync-client/internal"
	"github.com/matrix-org/sync-client/sync2"
	"github.com/matrix-org/sync-client/testutils"
)

type sentToDevice struct {
	eventType string
	txnID     string
	messages  map[string]map[string]json.RawMessage
}

func (s sentToDevice) numDevices() int {
	n := 0
	for _, byDevice := range s.messages {
		n += len(byDevice)
	}
	return n
}

// toDeviceClient records /sendToDevice calls and fails them with each queued
// error in turn.
type toDeviceClient struct {
	fakeClient
	sendMu   sync.Mutex
	sends    []sentToDevice
	sendErrs []error
}

func (c *toDeviceClient) SendToDevice(ctx context.Context, accessToken, eventType, txnID string, messages map[string]map[string]json.RawMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sends = append(c.sends, sentToDevice{eventType: eventType, txnID: txnID, messages: messages})
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return err
	}
	return nil
}

func (c *toDeviceClient) numSends() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return len(c.sends)
}

func (c *toDeviceClient) send(i int) sentToDevice {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sends[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newToDeviceQueue(t *testing.T) (*sync2.ToDeviceQueue, *toDeviceClient, *testutils.MemoryStore) {
	t.Helper()
	client := &toDeviceClient{}
	store := testutils.NewMemoryStore()
	q := sync2.NewToDeviceQueue(client, store, "token_123", immediateClock{}, zerolog.Nop())
	t.Cleanup(q.Stop)
	return q, client, store
}

func manyDevices(n int) map[string]map[string]json.RawMessage {
	byDevice := make(map[string]json.RawMessage, n)
	for i := 0; i < n; i++ {
		byDevice[fmt.Sprintf("DEVICE_%d", i)] = json.RawMessage(`{"algorithm":"m.olm.v1"}`)
	}
	return map[string]map[string]json.RawMessage{"@bob:localhost": byDevice}
}

func TestToDeviceQueueSplitsLargeSends(t *testing.T) {
	q, client, store := newToDeviceQueue(t)
	if err := q.Queue("m.room.encrypted", manyDevices(45)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	waitFor(t, "3 batches to send", func() bool { return client.numSends() == 3 })

	txns := make(map[string]bool)
	total := 0
	for i := 0; i < 3; i++ {
		s := client.send(i)
		if s.eventType != "m.room.encrypted" {
			t.Errorf("send %d event type: got %s", i, s.eventType)
		}
		if n := s.numDevices(); n > sync2.MaxToDeviceEntriesPerBatch {
			t.Errorf("send %d carries %d devices, max is %d", i, n, sync2.MaxToDeviceEntriesPerBatch)
		}
		total += s.numDevices()
		txns[s.txnID] = true
	}
	if total != 45 {
		t.Errorf("devices sent: got %d want 45", total)
	}
	if len(txns) != 3 {
		t.Errorf("transaction IDs: got %d distinct, want 3", len(txns))
	}
	waitFor(t, "outbox to empty", func() bool { return len(store.QueuedBatches()) == 0 })
}

func TestToDeviceQueueSendsInFIFOOrder(t *testing.T) {
	q, client, store := newToDeviceQueue(t)
	// pause so both batches are persisted before any send fires
	q.OnSyncStateChange(sync2.SyncSyncing, sync2.SyncReconnecting)
	if err := q.Queue("m.first", manyDevices(1)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	if err := q.Queue("m.second", manyDevices(1)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	q.OnSyncStateChange(sync2.SyncReconnecting, sync2.SyncSyncing)

	waitFor(t, "both batches to send", func() bool { return client.numSends() == 2 })
	if client.send(0).eventType != "m.first" || client.send(1).eventType != "m.second" {
		t.Errorf("send order: got [%s %s], want [m.first m.second]",
			client.send(0).eventType, client.send(1).eventType)
	}
	waitFor(t, "outbox to empty", func() bool { return len(store.QueuedBatches()) == 0 })
}

func TestToDeviceQueueDropsRejectedBatch(t *testing.T) {
	q, client, store := newToDeviceQueue(t)
	client.sendErrs = []error{&internal.MatrixError{HTTPStatus: 400, ErrCode: "M_BAD_JSON"}}
	q.OnSyncStateChange(sync2.SyncSyncing, sync2.SyncReconnecting)
	if err := q.Queue("m.rejected", manyDevices(1)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	if err := q.Queue("m.fine", manyDevices(1)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	q.OnSyncStateChange(sync2.SyncReconnecting, sync2.SyncSyncing)

	// the rejected batch is attempted once then dropped, never retried
	waitFor(t, "both attempts", func() bool { return client.numSends() == 2 })
	if client.send(0).eventType != "m.rejected" || client.send(1).eventType != "m.fine" {
		t.Errorf("send order: got [%s %s]", client.send(0).eventType, client.send(1).eventType)
	}
	waitFor(t, "outbox to empty", func() bool { return len(store.QueuedBatches()) == 0 })
	if client.numSends() != 2 {
		t.Errorf("sends after drain: got %d want 2", client.numSends())
	}
}

func TestToDeviceQueueRetriesServerErrors(t *testing.T) {
	q, client, store := newToDeviceQueue(t)
	client.sendErrs = []error{&internal.MatrixError{HTTPStatus: 502, Message: "gateway timeout"}}
	if err := q.Queue("m.room.encrypted", manyDevices(1)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	waitFor(t, "retry to succeed", func() bool { return client.numSends() == 2 })
	// the retry must reuse the same transaction ID so the server can
	// de-duplicate if the first attempt actually landed
	if client.send(0).txnID != client.send(1).txnID {
		t.Errorf("retry changed transaction ID: %s then %s", client.send(0).txnID, client.send(1).txnID)
	}
	waitFor(t, "outbox to empty", func() bool { return len(store.QueuedBatches()) == 0 })
}

func TestToDeviceQueuePausesWhileOffline(t *testing.T) {
	q, client, store := newToDeviceQueue(t)
	q.OnSyncStateChange(sync2.SyncSyncing, sync2.SyncReconnecting)
	if err := q.Queue("m.room.encrypted", manyDevices(2)); err != nil {
		t.Fatalf("Queue: %s", err)
	}
	time.Sleep(50 * time.Millisecond)
	if client.numSends() != 0 {
		t.Fatalf("queue sent %d batches while offline", client.numSends())
	}
	if len(store.QueuedBatches()) != 1 {
		t.Fatalf("outbox: got %d batches, want 1 persisted", len(store.QueuedBatches()))
	}

	q.OnSyncStateChange(sync2.SyncReconnecting, sync2.SyncSyncing)
	waitFor(t, "batch to send after resume", func() bool { return client.numSends() == 1 })
	waitFor(t, "outbox to empty", func() bool { return len(store.QueuedBatches()) == 0 })
}
