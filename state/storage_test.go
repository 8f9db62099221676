package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/sync-client/sync2"
)

func TestStorageSyncToken(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageSyncToken:localhost")

	since, err := store.SyncToken()
	if err != nil {
		t.Fatalf("SyncToken: %s", err)
	}
	if since != "" {
		t.Fatalf("fresh store token: got %q want empty", since)
	}
	if err := store.SetSyncToken("s_100"); err != nil {
		t.Fatalf("SetSyncToken: %s", err)
	}
	if err := store.SetSyncToken("s_200"); err != nil {
		t.Fatalf("SetSyncToken: %s", err)
	}
	since, err = store.SyncToken()
	if err != nil {
		t.Fatalf("SyncToken: %s", err)
	}
	if since != "s_200" {
		t.Errorf("token: got %q want s_200", since)
	}
}

func TestStorageTokensArePerUser(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	alice := NewStorageWithDB(db, "@aliceTestStorageTokensArePerUser:localhost")
	bob := NewStorageWithDB(db, "@bobTestStorageTokensArePerUser:localhost")

	if err := alice.SetSyncToken("alice_token"); err != nil {
		t.Fatalf("SetSyncToken: %s", err)
	}
	since, err := bob.SyncToken()
	if err != nil {
		t.Fatalf("SyncToken: %s", err)
	}
	if since != "" {
		t.Errorf("bob sees alice's token: %q", since)
	}
}

func TestStorageSnapshotRoundTrip(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageSnapshotRoundTrip:localhost")

	snap, err := store.SavedSnapshot()
	if err != nil {
		t.Fatalf("SavedSnapshot: %s", err)
	}
	if snap != nil {
		t.Fatalf("fresh store snapshot: got %+v want nil", snap)
	}

	in := &sync2.SyncSnapshot{
		NextBatch:   "s_42",
		AccountData: []json.RawMessage{json.RawMessage(`{"type":"m.push_rules","content":{"global":{}}}`)},
	}
	in.Rooms.Join = map[string]sync2.SyncV2JoinResponse{
		"!snap:localhost": {
			Timeline: sync2.TimelineResponse{
				Events:    []json.RawMessage{json.RawMessage(`{"type":"m.room.message","event_id":"$snap1","content":{"body":"hi"}}`)},
				PrevBatch: "pb_snap",
			},
		},
	}
	if err := store.SaveSnapshot(in); err != nil {
		t.Fatalf("SaveSnapshot: %s", err)
	}

	out, err := store.SavedSnapshot()
	if err != nil {
		t.Fatalf("SavedSnapshot: %s", err)
	}
	if out.NextBatch != "s_42" {
		t.Errorf("NextBatch: got %q want s_42", out.NextBatch)
	}
	jr, ok := out.Rooms.Join["!snap:localhost"]
	if !ok {
		t.Fatalf("room lost in round trip: %+v", out.Rooms)
	}
	if jr.Timeline.PrevBatch != "pb_snap" || len(jr.Timeline.Events) != 1 {
		t.Fatalf("timeline lost in round trip: %+v", jr.Timeline)
	}
	if gjson.GetBytes(jr.Timeline.Events[0], "event_id").Str != "$snap1" {
		t.Errorf("timeline event mangled: %s", jr.Timeline.Events[0])
	}
	if len(out.AccountData) != 1 {
		t.Errorf("account data lost: %+v", out.AccountData)
	}
}

func TestStorageWantsSaveThrottles(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageWantsSaveThrottles:localhost")
	now := time.Now()
	store.now = func() time.Time { return now }

	if !store.WantsSave() {
		t.Fatalf("a store which has never saved should want a save")
	}
	if err := store.SaveSnapshot(&sync2.SyncSnapshot{NextBatch: "s1"}); err != nil {
		t.Fatalf("SaveSnapshot: %s", err)
	}
	if store.WantsSave() {
		t.Errorf("WantsSave immediately after saving: got true")
	}
	now = now.Add(snapshotSaveInterval + time.Second)
	if !store.WantsSave() {
		t.Errorf("WantsSave after the interval elapsed: got false")
	}
}

func TestStorageClientOptions(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageClientOptions:localhost")

	opts, err := store.ClientOptions()
	if err != nil {
		t.Fatalf("ClientOptions: %s", err)
	}
	if opts != nil {
		t.Fatalf("fresh store options: got %+v want nil", opts)
	}
	if err := store.SetClientOptions(sync2.ClientOptions{LazyLoadMembers: true}); err != nil {
		t.Fatalf("SetClientOptions: %s", err)
	}
	opts, err = store.ClientOptions()
	if err != nil {
		t.Fatalf("ClientOptions: %s", err)
	}
	if opts == nil || !opts.LazyLoadMembers {
		t.Errorf("options: got %+v want LazyLoadMembers=true", opts)
	}
}

func TestStorageFilterIDs(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageFilterIDs:localhost")

	id, err := store.FilterID("FILTER_SYNC_@alice")
	if err != nil {
		t.Fatalf("FilterID: %s", err)
	}
	if id != "" {
		t.Fatalf("unknown filter: got %q want empty", id)
	}
	if err := store.SetFilterID("FILTER_SYNC_@alice", "f_1"); err != nil {
		t.Fatalf("SetFilterID: %s", err)
	}
	if err := store.SetFilterID("FILTER_SYNC_@alice", "f_2"); err != nil {
		t.Fatalf("SetFilterID: %s", err)
	}
	id, err = store.FilterID("FILTER_SYNC_@alice")
	if err != nil {
		t.Fatalf("FilterID: %s", err)
	}
	if id != "f_2" {
		t.Errorf("filter ID: got %q want f_2", id)
	}
}

func TestStorageToDeviceQueueFIFO(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	store := NewStorageWithDB(db, "@aliceTestStorageToDeviceQueueFIFO:localhost")

	batch, err := store.OldestToDeviceBatch()
	if err != nil {
		t.Fatalf("OldestToDeviceBatch: %s", err)
	}
	if batch != nil {
		t.Fatalf("empty queue head: got %+v want nil", batch)
	}

	for i, txn := range []string{"txn_a", "txn_b"} {
		err := store.SaveToDeviceBatch(sync2.ToDeviceBatch{
			EventType: "m.room.encrypted",
			TxnID:     txn,
			Entries: []sync2.ToDeviceEntry{
				{UserID: "@bob:localhost", DeviceID: "DEVICE_1", Payload: json.RawMessage(`{"n":1}`)},
				{UserID: "@bob:localhost", DeviceID: "DEVICE_2", Payload: json.RawMessage(`{"n":2}`)},
			},
		})
		if err != nil {
			t.Fatalf("SaveToDeviceBatch %d: %s", i, err)
		}
	}

	head, err := store.OldestToDeviceBatch()
	if err != nil {
		t.Fatalf("OldestToDeviceBatch: %s", err)
	}
	if head == nil || head.TxnID != "txn_a" {
		t.Fatalf("queue head: got %+v want txn_a", head)
	}
	if len(head.Entries) != 2 {
		t.Fatalf("entries: got %d want 2", len(head.Entries))
	}
	devices := map[string]string{}
	for _, e := range head.Entries {
		devices[e.DeviceID] = string(e.Payload)
	}
	if devices["DEVICE_1"] != `{"n":1}` || devices["DEVICE_2"] != `{"n":2}` {
		t.Errorf("entry payloads: %v", devices)
	}

	if err := store.RemoveToDeviceBatch(head.ID); err != nil {
		t.Fatalf("RemoveToDeviceBatch: %s", err)
	}
	head, err = store.OldestToDeviceBatch()
	if err != nil {
		t.Fatalf("OldestToDeviceBatch: %s", err)
	}
	if head == nil || head.TxnID != "txn_b" {
		t.Errorf("queue head after removal: got %+v want txn_b", head)
	}
	if err := store.RemoveToDeviceBatch(head.ID); err != nil {
		t.Fatalf("RemoveToDeviceBatch: %s", err)
	}
	head, _ = store.OldestToDeviceBatch()
	if head != nil {
		t.Errorf("queue should be empty, head: %+v", head)
	}
}
