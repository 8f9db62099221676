// Package room is the live in-memory room model the sync engine writes into.
// It is deliberately decoupled from persistence: rooms are rebuilt on startup
// by replaying the stored snapshot through the engine.
package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/sync-client/internal"
	"github.com/matrix-org/sync-client/sync2"
)

// Registry implements sync2.RoomTracker.
type Registry struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	notifTimeline []json.RawMessage
	presence      map[string]json.RawMessage
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		presence: make(map[string]json.RawMessage),
	}
}

func (g *Registry) GetRoom(roomID string) sync2.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return nil // a typed nil inside sync2.Room would not compare == nil
	}
	return r
}

func (g *Registry) CreateRoom(roomID string) sync2.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := newRoom(roomID)
	g.rooms[roomID] = r
	return r
}

// Rooms returns a snapshot of all known rooms.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

func (g *Registry) AddNotificationEvents(events []json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifTimeline = append(g.notifTimeline, events...)
}

func (g *Registry) ResetNotificationTimeline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifTimeline = nil
}

// NotificationEvents returns the cross-room highlight timeline, oldest first.
func (g *Registry) NotificationEvents() []json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]json.RawMessage, len(g.notifTimeline))
	copy(out, g.notifTimeline)
	return out
}

func (g *Registry) UpdatePresence(events []json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range events {
		if userID := gjson.GetBytes(ev, "sender").Str; userID != "" {
			g.presence[userID] = ev
		}
	}
}

// Presence returns the last presence event seen for userID, or nil.
func (g *Registry) Presence(userID string) json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.presence[userID]
}

var _ sync2.RoomTracker = (*Registry)(nil)

// Room implements sync2.Room.
type Room struct {
	id string

	mu sync.Mutex
	// type -> state_key -> event
	currentState map[string]map[string]json.RawMessage
	live         []json.RawMessage
	// every event ID ever seen in a timeline, including archived ones
	knownEventIDs   map[string]bool
	paginationToken string
	// timelines archived by ResetLiveTimeline, oldest first
	archived [][]json.RawMessage

	membership    string
	summary       sync2.RoomSummary
	accountData   map[string]json.RawMessage
	typingUserIDs []string
	receipts      []json.RawMessage

	highlightCount int
	notifCount     int
	threadCounts   map[string][2]int // threadID -> {highlight, notif}

	// membership counts derived from observed m.room.member changes, used
	// when the server sends no summary for this room
	joinedCount  int
	invitedCount int

	needsRefresh bool
	name         string
}

func newRoom(roomID string) *Room {
	return &Room{
		id:            roomID,
		currentState:  make(map[string]map[string]json.RawMessage),
		knownEventIDs: make(map[string]bool),
		accountData:   make(map[string]json.RawMessage),
		threadCounts:  make(map[string][2]int),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) InjectEvents(ctx context.Context, state, timeline []json.RawMessage, opts sync2.InjectOpts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range state {
		r.setStateLocked(ev)
	}
	for _, ev := range timeline {
		// state events in the timeline diverge current state too
		r.setStateLocked(ev)
		eventID := gjson.GetBytes(ev, "event_id").Str
		if eventID != "" && r.knownEventIDs[eventID] {
			continue
		}
		if eventID != "" {
			r.knownEventIDs[eventID] = true
		}
		r.live = append(r.live, ev)
	}
	return nil
}

func (r *Room) setStateLocked(ev json.RawMessage) {
	stateKey := gjson.GetBytes(ev, "state_key")
	if !stateKey.Exists() {
		return
	}
	evType := gjson.GetBytes(ev, "type").Str
	if evType == "m.room.member" {
		parsed := gjson.ParseBytes(ev)
		if internal.IsMembershipChange(parsed) {
			r.applyMembershipCountLocked(parsed)
		}
	}
	if r.currentState[evType] == nil {
		r.currentState[evType] = make(map[string]json.RawMessage)
	}
	r.currentState[evType][stateKey.Str] = ev
}

func (r *Room) applyMembershipCountLocked(ev gjson.Result) {
	switch ev.Get("unsigned.prev_content.membership").Str {
	case "join":
		r.joinedCount--
	case "invite":
		r.invitedCount--
	}
	switch ev.Get("content.membership").Str {
	case "join":
		r.joinedCount++
	case "invite":
		r.invitedCount++
	}
}

// StateEvent returns the current state event for (type, state_key), or nil.
func (r *Room) StateEvent(evType, stateKey string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentState[evType][stateKey]
}

func (r *Room) SetPaginationToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paginationToken = token
}

// PaginationToken returns the token to back-paginate the live timeline from.
func (r *Room) PaginationToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paginationToken
}

func (r *Room) ResetLiveTimeline(backToken, forwardToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.live) > 0 {
		archived := make([]json.RawMessage, len(r.live))
		copy(archived, r.live)
		r.archived = append(r.archived, archived)
	}
	r.live = nil
	r.paginationToken = backToken
	_ = forwardToken // the archived timeline's forward edge; kept events are still reachable via knownEventIDs
}

func (r *Room) TimelineContains(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownEventIDs[eventID]
}

func (r *Room) TimelineIsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live) == 0
}

// Timeline returns a copy of the live timeline, oldest first.
func (r *Room) Timeline() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]json.RawMessage, len(r.live))
	copy(out, r.live)
	return out
}

func (r *Room) IsEncrypted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentState[sync2.EventTypeEncryption][""] != nil
}

func (r *Room) CreatorUserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gjson.GetBytes(r.currentState[sync2.EventTypeRoomCreate][""], "sender").Str
}

func (r *Room) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	version := gjson.GetBytes(r.currentState[sync2.EventTypeRoomCreate][""], "content.room_version").Str
	if version == "" {
		return "1"
	}
	return version
}

func (r *Room) MarkTimelineNeedsRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needsRefresh = true
}

func (r *Room) TimelineNeedsRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsRefresh
}

func (r *Room) SetUnreadNotificationCount(highlight, notif int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highlightCount = highlight
	r.notifCount = notif
}

func (r *Room) UnreadNotificationCounts() (highlight, notif int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highlightCount, r.notifCount
}

func (r *Room) SetThreadUnreadNotificationCount(threadID string, highlight, notif int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadCounts[threadID] = [2]int{highlight, notif}
}

// ThreadUnreadNotificationCounts returns the counts for one thread.
func (r *Room) ThreadUnreadNotificationCounts(threadID string) (highlight, notif int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := r.threadCounts[threadID]
	return counts[0], counts[1]
}

func (r *Room) SetSummary(summary sync2.RoomSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if summary.Heroes != nil {
		r.summary.Heroes = summary.Heroes
	}
	if summary.JoinedMemberCount != nil {
		r.summary.JoinedMemberCount = summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount != nil {
		r.summary.InvitedMemberCount = summary.InvitedMemberCount
	}
}

func (r *Room) AddEphemeralEvents(events []json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		switch gjson.GetBytes(ev, "type").Str {
		case sync2.EventTypeTyping:
			r.typingUserIDs = nil
			for _, u := range gjson.GetBytes(ev, "content.user_ids").Array() {
				r.typingUserIDs = append(r.typingUserIDs, u.Str)
			}
		case sync2.EventTypeReceipt:
			r.receipts = append(r.receipts, ev)
		}
	}
}

// TypingUserIDs is whoever the last m.typing event said is typing.
func (r *Room) TypingUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.typingUserIDs))
	copy(out, r.typingUserIDs)
	return out
}

func (r *Room) AddAccountData(events []json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if evType := gjson.GetBytes(ev, "type").Str; evType != "" {
			r.accountData[evType] = ev
		}
	}
}

// AccountData returns the latest room account data event of the given type.
func (r *Room) AccountData(evType string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accountData[evType]
}

func (r *Room) UpdateMyMembership(membership string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = membership
}

// MyMembership returns the syncing user's membership in this room.
func (r *Room) MyMembership() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membership
}

func (r *Room) Recalculate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomName := gjson.GetBytes(r.currentState["m.room.name"][""], "content.name").Str
	canonicalAlias := gjson.GetBytes(r.currentState["m.room.canonical_alias"][""], "content.alias").Str
	heroInfo := internal.HeroInfo{
		JoinCount:   r.joinedCount,
		InviteCount: r.invitedCount,
	}
	if r.summary.JoinedMemberCount != nil {
		heroInfo.JoinCount = *r.summary.JoinedMemberCount
	}
	if r.summary.InvitedMemberCount != nil {
		heroInfo.InviteCount = *r.summary.InvitedMemberCount
	}
	for _, heroID := range r.summary.Heroes {
		heroInfo.Heroes = append(heroInfo.Heroes, internal.Hero{
			ID:   heroID,
			Name: gjson.GetBytes(r.currentState["m.room.member"][heroID], "content.displayname").Str,
		})
	}
	r.name = internal.CalculateRoomName(roomName, canonicalAlias, 5, heroInfo)
}

// Name is the display name derived from state on the last Recalculate.
func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

var _ sync2.Room = (*Room)(nil)
