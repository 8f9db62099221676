package state

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/sync-client/internal"
	"github.com/matrix-org/sync-client/sync2"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultMaxTimelineEntries bounds the per-room timeline kept by the
// accumulator. 50 events is enough for an instant first render; anything
// older is reachable by back-pagination from the emitted prev_batch token.
const DefaultMaxTimelineEntries = 50

// SyncAccumulator compresses a stream of /sync responses into a bounded
// snapshot which can be persisted and replayed as if it were one big initial
// sync. State events clobber by (type, state_key); timelines are appended and
// pruned; receipts collapse to one slot per (user, thread); typing is never
// kept.
//
// The accumulator does not support arbitrary timeline gaps: a limited
// timeline throws the kept one away and starts over from the new prev_batch.
type SyncAccumulator struct {
	userID             string
	maxTimelineEntries int
	// now is the wall clock, swappable in tests
	now func() time.Time

	mu          sync.Mutex
	nextBatch   string
	accountData map[string]json.RawMessage
	inviteRooms map[string]*inviteRoomData
	joinRooms   map[string]*joinRoomData
}

type inviteRoomData struct {
	// stripped state, clobbered by (type, state_key)
	inviteState []json.RawMessage
}

// timelineEntry pairs an event with the prev_batch token active when its
// chunk arrived. Only the first event of each chunk carries a token; a
// snapshot timeline must start at a token-bearing entry so back-pagination
// lines up.
type timelineEntry struct {
	Event json.RawMessage `json:"event"`
	Token string          `json:"token,omitempty"`
}

type joinRoomData struct {
	// type -> state_key -> event
	currentState map[string]map[string]json.RawMessage
	timeline     []timelineEntry
	accountData  map[string]json.RawMessage
	summary      sync2.RoomSummary
	unread       sync2.UnreadNotifications
	threadUnread map[string]sync2.UnreadNotifications
	receipts     *ReceiptAccumulator
}

func newJoinRoomData() *joinRoomData {
	return &joinRoomData{
		currentState: make(map[string]map[string]json.RawMessage),
		accountData:  make(map[string]json.RawMessage),
		receipts:     NewReceiptAccumulator(),
	}
}

type AccumulatorOpts struct {
	// MaxTimelineEntries bounds each room timeline; 0 means the default.
	MaxTimelineEntries int
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

func NewSyncAccumulator(userID string, opts AccumulatorOpts) *SyncAccumulator {
	if opts.MaxTimelineEntries == 0 {
		opts.MaxTimelineEntries = DefaultMaxTimelineEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncAccumulator{
		userID:             userID,
		maxTimelineEntries: opts.MaxTimelineEntries,
		now:                opts.Now,
		accountData:        make(map[string]json.RawMessage),
		inviteRooms:        make(map[string]*inviteRoomData),
		joinRooms:          make(map[string]*joinRoomData),
	}
}

// Accumulate folds one /sync response in. fromDatabase marks a replayed
// snapshot: its events already carry local-timestamp tags and must not be
// re-tagged against today's clock.
func (a *SyncAccumulator) Accumulate(res *sync2.SyncResponse, fromDatabase bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.NextBatch != "" {
		a.nextBatch = res.NextBatch
	}
	for _, ev := range res.AccountData.Events {
		if evType := gjson.GetBytes(ev, "type").Str; evType != "" {
			a.accountData[evType] = ev
		}
	}
	for roomID, invite := range res.Rooms.Invite {
		a.accumulateInvite(roomID, invite)
	}
	for roomID, join := range res.Rooms.Join {
		// joining resolves any pending invite
		delete(a.inviteRooms, roomID)
		a.accumulateJoin(roomID, join, fromDatabase)
	}
	for roomID := range res.Rooms.Leave {
		// there is no lossless way to represent a left room as a delta on an
		// initial sync, so we forget it entirely
		delete(a.inviteRooms, roomID)
		delete(a.joinRooms, roomID)
	}
}

func (a *SyncAccumulator) accumulateInvite(roomID string, invite sync2.SyncV2InviteResponse) {
	room := a.inviteRooms[roomID]
	if room == nil {
		room = &inviteRoomData{}
		a.inviteRooms[roomID] = room
	}
	for _, ev := range invite.InviteState.Events {
		evType := gjson.GetBytes(ev, "type").Str
		stateKey := gjson.GetBytes(ev, "state_key").Str
		replaced := false
		for i, existing := range room.inviteState {
			if gjson.GetBytes(existing, "type").Str == evType && gjson.GetBytes(existing, "state_key").Str == stateKey {
				room.inviteState[i] = ev
				replaced = true
				break
			}
		}
		if !replaced {
			room.inviteState = append(room.inviteState, ev)
		}
	}
}

func (a *SyncAccumulator) accumulateJoin(roomID string, join sync2.SyncV2JoinResponse, fromDatabase bool) {
	room := a.joinRooms[roomID]
	if room == nil {
		room = newJoinRoomData()
		a.joinRooms[roomID] = room
	}

	// summaries merge field-wise: an absent field means "unchanged"
	if join.Summary.Heroes != nil {
		room.summary.Heroes = join.Summary.Heroes
	}
	if join.Summary.JoinedMemberCount != nil {
		room.summary.JoinedMemberCount = join.Summary.JoinedMemberCount
	}
	if join.Summary.InvitedMemberCount != nil {
		room.summary.InvitedMemberCount = join.Summary.InvitedMemberCount
	}

	if join.Timeline.Limited {
		// gap in the timeline; everything we kept is no longer contiguous
		room.timeline = nil
	}
	for _, ev := range join.State.Events {
		room.setState(ev)
	}
	for i, ev := range join.Timeline.Events {
		ev = a.tagLocalTimestamp(ev, fromDatabase)
		room.setState(ev)
		token := ""
		if i == 0 {
			token = join.Timeline.PrevBatch
		}
		room.timeline = append(room.timeline, timelineEntry{Event: ev, Token: token})
	}
	room.truncate(a.maxTimelineEntries)

	for _, ev := range join.AccountData.Events {
		if evType := gjson.GetBytes(ev, "type").Str; evType != "" {
			room.accountData[evType] = ev
		}
	}
	// receipts collapse to slots; typing is deliberately dropped here
	room.receipts.ConsumeEphemeralEvents(join.Ephemeral.Events)

	if join.UnreadNotifications.NotificationCount != nil {
		room.unread.NotificationCount = join.UnreadNotifications.NotificationCount
	}
	if join.UnreadNotifications.HighlightCount != nil {
		room.unread.HighlightCount = join.UnreadNotifications.HighlightCount
	}
	if join.UnreadThreadNotifications != nil {
		room.threadUnread = join.UnreadThreadNotifications
	}
}

func (r *joinRoomData) setState(ev json.RawMessage) {
	stateKey := gjson.GetBytes(ev, "state_key")
	if !stateKey.Exists() {
		return
	}
	evType := gjson.GetBytes(ev, "type").Str
	if r.currentState[evType] == nil {
		r.currentState[evType] = make(map[string]json.RawMessage)
	}
	r.currentState[evType][stateKey.Str] = ev
}

// truncate prunes the timeline to at most max entries, cutting at a
// token-bearing entry so the survivor still starts at a pagination point. If
// no such entry exists in the tail the whole timeline is dropped: an
// un-paginatable timeline is worse than an empty one.
func (r *joinRoomData) truncate(max int) {
	if len(r.timeline) <= max {
		return
	}
	start := len(r.timeline) - max
	for i := start; i < len(r.timeline); i++ {
		if r.timeline[i].Token != "" {
			r.timeline = r.timeline[i:]
			return
		}
	}
	r.timeline = nil
}

// tagLocalTimestamp records when we received the event, derived from
// unsigned.age, so a snapshot emitted much later can present a corrected age.
func (a *SyncAccumulator) tagLocalTimestamp(ev json.RawMessage, fromDatabase bool) json.RawMessage {
	if fromDatabase {
		return ev
	}
	age := gjson.GetBytes(ev, "unsigned.age").Int()
	localTs := a.now().UnixMilli() - age
	out, err := sjson.SetBytes(ev, "_localTs", localTs)
	if err != nil {
		return ev
	}
	return out
}

// NoteSyntheticReceipt records a locally inferred read receipt for the
// syncing user in roomID, e.g their own sent event echoing back.
func (a *SyncAccumulator) NoteSyntheticReceipt(roomID, eventID string, ts int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	room := a.joinRooms[roomID]
	if room == nil {
		// receipts can land before the response carrying the room is folded in
		room = newJoinRoomData()
		a.joinRooms[roomID] = room
	}
	room.receipts.SetSynthetic(a.userID, eventID, ts)
}

// Snapshot emits the current accumulated state as a synthetic initial sync.
// With forDatabase the events keep their local-timestamp tags for later
// replay; without it the tags are converted back into unsigned.age for
// immediate consumption.
func (a *SyncAccumulator) Snapshot(forDatabase bool) *sync2.SyncSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := &sync2.SyncSnapshot{
		NextBatch: a.nextBatch,
	}
	for _, evType := range sortedKeys(a.accountData) {
		snap.AccountData = append(snap.AccountData, a.accountData[evType])
	}
	if len(a.inviteRooms) > 0 {
		snap.Rooms.Invite = make(map[string]sync2.SyncV2InviteResponse, len(a.inviteRooms))
		for roomID, room := range a.inviteRooms {
			snap.Rooms.Invite[roomID] = sync2.SyncV2InviteResponse{
				InviteState: sync2.EventsResponse{Events: room.inviteState},
			}
		}
	}
	if len(a.joinRooms) > 0 {
		snap.Rooms.Join = make(map[string]sync2.SyncV2JoinResponse, len(a.joinRooms))
		for roomID, room := range a.joinRooms {
			snap.Rooms.Join[roomID] = a.snapshotJoinRoom(room, forDatabase)
		}
	}
	return snap
}

func (a *SyncAccumulator) snapshotJoinRoom(room *joinRoomData, forDatabase bool) sync2.SyncV2JoinResponse {
	jr := sync2.SyncV2JoinResponse{
		Summary:                   room.summary,
		UnreadNotifications:       room.unread,
		UnreadThreadNotifications: room.threadUnread,
	}

	// The timeline must start at an entry whose chunk token we know, else
	// back-pagination from its first event has no anchor. Entries before the
	// first token-bearing one are silently dropped.
	prevBatch := ""
	var rawTimeline []json.RawMessage
	for _, entry := range room.timeline {
		if prevBatch == "" {
			if entry.Token == "" {
				continue
			}
			prevBatch = entry.Token
		}
		rawTimeline = append(rawTimeline, entry.Event)
	}

	// State must describe the room as of the START of the emitted timeline,
	// so state events inside that timeline are rolled back to their previous
	// content. An event with nothing to roll back to stands in for itself.
	rolledBack := make(map[string]map[string]json.RawMessage)
	for _, ev := range rawTimeline {
		stateKey := gjson.GetBytes(ev, "state_key")
		if !stateKey.Exists() {
			continue
		}
		evType := gjson.GetBytes(ev, "type").Str
		if rolledBack[evType] != nil && rolledBack[evType][stateKey.Str] != nil {
			// already rolled back by an earlier timeline event; the earliest
			// one wins since it is closest to the timeline start
			continue
		}
		if rolledBack[evType] == nil {
			rolledBack[evType] = make(map[string]json.RawMessage)
		}
		rolledBack[evType][stateKey.Str] = rollBackEvent(ev)
	}

	for _, evType := range sortedKeys(room.currentState) {
		for _, stateKey := range sortedKeys(room.currentState[evType]) {
			ev := room.currentState[evType][stateKey]
			if rb := rolledBack[evType][stateKey]; rb != nil {
				ev = rb
			}
			jr.State.Events = append(jr.State.Events, a.emitEvent(ev, forDatabase))
		}
	}

	for _, ev := range rawTimeline {
		jr.Timeline.Events = append(jr.Timeline.Events, a.emitEvent(ev, forDatabase))
	}
	jr.Timeline.PrevBatch = prevBatch

	for _, evType := range sortedKeys(room.accountData) {
		jr.AccountData.Events = append(jr.AccountData.Events, room.accountData[evType])
	}
	if receiptEvent := room.receipts.BuildAccumulatedReceiptEvent(); receiptEvent != nil {
		jr.Ephemeral.Events = append(jr.Ephemeral.Events, receiptEvent)
	}
	return jr
}

// rollBackEvent returns the event as it stood before it was applied, using
// the server-provided unsigned.prev_content / prev_sender when present.
func rollBackEvent(ev json.RawMessage) json.RawMessage {
	out := ev
	if prev := gjson.GetBytes(ev, "unsigned.prev_content"); prev.Exists() {
		if b, err := sjson.SetRawBytes(out, "content", []byte(prev.Raw)); err == nil {
			out = b
		}
	}
	if prevSender := gjson.GetBytes(ev, "unsigned.prev_sender"); prevSender.Exists() {
		if b, err := sjson.SetBytes(out, "sender", prevSender.Str); err == nil {
			out = b
		}
	}
	return out
}

// emitEvent prepares an accumulated event for output. Database snapshots
// keep the local-timestamp tag verbatim; live emissions rewrite unsigned.age
// relative to now and drop the tag.
func (a *SyncAccumulator) emitEvent(ev json.RawMessage, forDatabase bool) json.RawMessage {
	if forDatabase {
		return ev
	}
	localTs := gjson.GetBytes(ev, "_localTs")
	if !localTs.Exists() {
		return ev
	}
	out, err := sjson.SetBytes(ev, "unsigned.age", a.now().UnixMilli()-localTs.Int())
	if err != nil {
		return ev
	}
	if b, err := sjson.DeleteBytes(out, "_localTs"); err == nil {
		out = b
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := internal.Keys(m)
	sort.Strings(keys)
	return keys
}

// interface conformance
var _ interface {
	Accumulate(res *sync2.SyncResponse, fromDatabase bool)
	NoteSyntheticReceipt(roomID, eventID string, ts int64)
	Snapshot(forDatabase bool) *sync2.SyncSnapshot
} = (*SyncAccumulator)(nil)
