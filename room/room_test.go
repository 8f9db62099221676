package room

import (
	"context"
	"testing"

	"encoding/json"

	"github.com/matrix-org/sync-client/sync2"
	"github.com/matrix-org/sync-client/testutils"
)

func inject(t *testing.T, r sync2.Room, state, timeline []json.RawMessage) {
	t.Helper()
	if err := r.InjectEvents(context.Background(), state, timeline, sync2.InjectOpts{}); err != nil {
		t.Fatalf("InjectEvents: %s", err)
	}
}

func memberEvent(t *testing.T, userID, membership string, opts ...testutils.EventOpt) json.RawMessage {
	t.Helper()
	return testutils.NewStateEvent(t, "m.room.member", userID, userID, map[string]interface{}{
		"membership": membership,
	}, opts...)
}

func TestRegistryGetRoomReturnsNilForUnknown(t *testing.T) {
	reg := NewRegistry()
	if r := reg.GetRoom("!nope:localhost"); r != nil {
		t.Fatalf("GetRoom on unknown room: got %v want nil", r)
	}
	created := reg.CreateRoom("!yes:localhost")
	if got := reg.GetRoom("!yes:localhost"); got != created {
		t.Fatalf("GetRoom after CreateRoom returned a different room")
	}
}

func TestRoomMembershipCounts(t *testing.T) {
	r := newRoom("!counts:localhost")
	inject(t, r, []json.RawMessage{
		memberEvent(t, "@alice:localhost", "join"),
		memberEvent(t, "@bob:localhost", "join"),
		memberEvent(t, "@charlie:localhost", "invite"),
	}, nil)
	if r.joinedCount != 2 || r.invitedCount != 1 {
		t.Fatalf("counts: joined=%d invited=%d, want 2/1", r.joinedCount, r.invitedCount)
	}
	// bob leaves: his prev membership must be decremented
	inject(t, r, nil, []json.RawMessage{
		memberEvent(t, "@bob:localhost", "leave", testutils.WithUnsigned(map[string]interface{}{
			"prev_content": map[string]interface{}{"membership": "join"},
		})),
	})
	if r.joinedCount != 1 || r.invitedCount != 1 {
		t.Fatalf("counts after leave: joined=%d invited=%d, want 1/1", r.joinedCount, r.invitedCount)
	}
	// a profile change (join -> join) must not double count
	inject(t, r, nil, []json.RawMessage{
		memberEvent(t, "@alice:localhost", "join", testutils.WithUnsigned(map[string]interface{}{
			"prev_content": map[string]interface{}{"membership": "join", "displayname": "Alice2"},
		})),
	})
	if r.joinedCount != 1 {
		t.Fatalf("counts after profile change: joined=%d, want 1", r.joinedCount)
	}
}

func TestRoomTimelineDedupes(t *testing.T) {
	r := newRoom("!dedupe:localhost")
	ev := testutils.NewMessageEvent(t, "@bob:localhost", "once", testutils.WithEventID("$dupe"))
	inject(t, r, nil, []json.RawMessage{ev})
	inject(t, r, nil, []json.RawMessage{ev})
	if got := len(r.Timeline()); got != 1 {
		t.Fatalf("timeline length: got %d want 1", got)
	}
}

func TestRoomStateEventsInTimelineDivergeState(t *testing.T) {
	r := newRoom("!state:localhost")
	topic := testutils.NewStateEvent(t, "m.room.topic", "", "@bob:localhost", map[string]interface{}{
		"topic": "old",
	})
	inject(t, r, []json.RawMessage{topic}, nil)
	newTopic := testutils.NewStateEvent(t, "m.room.topic", "", "@bob:localhost", map[string]interface{}{
		"topic": "new",
	})
	inject(t, r, nil, []json.RawMessage{newTopic})
	got := r.StateEvent("m.room.topic", "")
	if string(got) != string(newTopic) {
		t.Fatalf("current state: got %s want the timeline's topic event", got)
	}
}

func TestRoomResetLiveTimeline(t *testing.T) {
	r := newRoom("!reset:localhost")
	r.SetPaginationToken("pb_old")
	ev := testutils.NewMessageEvent(t, "@bob:localhost", "hi", testutils.WithEventID("$kept"))
	inject(t, r, nil, []json.RawMessage{ev})

	r.ResetLiveTimeline("pb_new", "fwd_token")
	if !r.TimelineIsEmpty() {
		t.Errorf("live timeline should be empty after a reset")
	}
	if r.PaginationToken() != "pb_new" {
		t.Errorf("pagination token: got %q want pb_new", r.PaginationToken())
	}
	// archived events still count as known, so overlap detection works
	if !r.TimelineContains("$kept") {
		t.Errorf("archived event no longer known")
	}
}

func TestRoomEncryptionCreatorVersion(t *testing.T) {
	r := newRoom("!meta:localhost")
	if r.IsEncrypted() {
		t.Fatalf("new room should not be encrypted")
	}
	if r.Version() != "1" {
		t.Fatalf("version of room without create event: got %q want 1", r.Version())
	}
	create := testutils.NewStateEvent(t, "m.room.create", "", "@creator:localhost", map[string]interface{}{
		"room_version": "org.matrix.msc2716",
	})
	enc := testutils.NewStateEvent(t, "m.room.encryption", "", "@creator:localhost", map[string]interface{}{
		"algorithm": "m.megolm.v1.aes-sha2",
	})
	inject(t, r, []json.RawMessage{create, enc}, nil)
	if !r.IsEncrypted() {
		t.Errorf("room with m.room.encryption state should be encrypted")
	}
	if r.CreatorUserID() != "@creator:localhost" {
		t.Errorf("creator: got %q", r.CreatorUserID())
	}
	if r.Version() != "org.matrix.msc2716" {
		t.Errorf("version: got %q", r.Version())
	}
}

func TestRoomNameCalculation(t *testing.T) {
	r := newRoom("!name:localhost")
	member := testutils.NewStateEvent(t, "m.room.member", "@bob:localhost", "@bob:localhost", map[string]interface{}{
		"membership":  "join",
		"displayname": "Bob",
	})
	inject(t, r, []json.RawMessage{member}, nil)
	r.SetSummary(sync2.RoomSummary{
		Heroes:            []string{"@bob:localhost"},
		JoinedMemberCount: intptr(2),
	})
	r.Recalculate()
	if r.Name() != "Bob" {
		t.Errorf("hero-derived name: got %q want Bob", r.Name())
	}

	// an explicit name wins over everything
	named := testutils.NewStateEvent(t, "m.room.name", "", "@bob:localhost", map[string]interface{}{
		"name": "The Drawing Room",
	})
	inject(t, r, []json.RawMessage{named}, nil)
	r.Recalculate()
	if r.Name() != "The Drawing Room" {
		t.Errorf("explicit name: got %q", r.Name())
	}
}

func TestRoomSummaryMergePreservesOldFields(t *testing.T) {
	r := newRoom("!summary:localhost")
	r.SetSummary(sync2.RoomSummary{
		Heroes:            []string{"@bob:localhost"},
		JoinedMemberCount: intptr(5),
	})
	// a later partial summary only replaces what it carries
	r.SetSummary(sync2.RoomSummary{JoinedMemberCount: intptr(6)})
	if len(r.summary.Heroes) != 1 || r.summary.Heroes[0] != "@bob:localhost" {
		t.Errorf("heroes lost in merge: %v", r.summary.Heroes)
	}
	if r.summary.JoinedMemberCount == nil || *r.summary.JoinedMemberCount != 6 {
		t.Errorf("joined count not updated: %v", r.summary.JoinedMemberCount)
	}
}

func TestRoomTypingReplacedWholesale(t *testing.T) {
	r := newRoom("!typing:localhost")
	r.AddEphemeralEvents([]json.RawMessage{
		json.RawMessage(`{"type":"m.typing","content":{"user_ids":["@alice:localhost","@bob:localhost"]}}`),
	})
	if got := r.TypingUserIDs(); len(got) != 2 {
		t.Fatalf("typing users: got %v", got)
	}
	r.AddEphemeralEvents([]json.RawMessage{
		json.RawMessage(`{"type":"m.typing","content":{"user_ids":[]}}`),
	})
	if got := r.TypingUserIDs(); len(got) != 0 {
		t.Errorf("typing users after stop: got %v", got)
	}
}

func TestRoomAccountDataLatestWins(t *testing.T) {
	r := newRoom("!acct:localhost")
	r.AddAccountData([]json.RawMessage{
		json.RawMessage(`{"type":"m.fully_read","content":{"event_id":"$a"}}`),
	})
	r.AddAccountData([]json.RawMessage{
		json.RawMessage(`{"type":"m.fully_read","content":{"event_id":"$b"}}`),
	})
	got := r.AccountData("m.fully_read")
	if string(got) != `{"type":"m.fully_read","content":{"event_id":"$b"}}` {
		t.Errorf("account data: got %s", got)
	}
}

func TestRegistryPresence(t *testing.T) {
	reg := NewRegistry()
	reg.UpdatePresence([]json.RawMessage{
		json.RawMessage(`{"type":"m.presence","sender":"@bob:localhost","content":{"presence":"online"}}`),
	})
	reg.UpdatePresence([]json.RawMessage{
		json.RawMessage(`{"type":"m.presence","sender":"@bob:localhost","content":{"presence":"unavailable"}}`),
	})
	got := reg.Presence("@bob:localhost")
	if got == nil || string(got) != `{"type":"m.presence","sender":"@bob:localhost","content":{"presence":"unavailable"}}` {
		t.Errorf("presence: got %s", got)
	}
	if reg.Presence("@nobody:localhost") != nil {
		t.Errorf("presence for unknown user should be nil")
	}
}

func TestRegistryNotificationTimeline(t *testing.T) {
	reg := NewRegistry()
	ev := testutils.NewMessageEvent(t, "@bob:localhost", "ping")
	reg.AddNotificationEvents([]json.RawMessage{ev})
	if got := len(reg.NotificationEvents()); got != 1 {
		t.Fatalf("notification timeline: got %d events", got)
	}
	reg.ResetNotificationTimeline()
	if got := len(reg.NotificationEvents()); got != 0 {
		t.Errorf("notification timeline after reset: got %d events", got)
	}
}

func intptr(n int) *int { return &n }
