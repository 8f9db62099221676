package sync2

import (
	"context"
	"encoding/json"
)

// RoomTracker is the live Room/Timeline model the engine mutates. The engine
// references rooms, it never owns them: it creates them on first sight and
// pushes deltas in, nothing more.
type RoomTracker interface {
	// GetRoom returns the room, or nil if the tracker has never seen it.
	GetRoom(roomID string) Room
	// CreateRoom makes a brand new empty room.
	CreateRoom(roomID string) Room
	// AddNotificationEvents appends highlight events to the cross-room
	// notification timeline. Events must already be timestamp-sorted.
	AddNotificationEvents(events []json.RawMessage)
	// ResetNotificationTimeline invalidates the cross-room notification
	// cursor, e.g after a timeline reset makes it non-contiguous.
	ResetNotificationTimeline()
	// UpdatePresence applies m.presence events to the user records.
	UpdatePresence(events []json.RawMessage)
}

// InjectOpts qualifies a batch of events being injected into a room.
type InjectOpts struct {
	// FromPersistedData marks events replayed from a cached snapshot rather
	// than a live poll, suppressing re-derivation of time-elapsed fields.
	FromPersistedData bool
	// TimelineWasEmpty is set when the state events should seed the timeline
	// rather than roll existing state forward.
	TimelineWasEmpty bool
}

// Room is the capability surface of one live room. One production
// implementation (package room) and one test double exist.
type Room interface {
	ID() string
	// InjectEvents applies a state delta then appends timeline events,
	// diverging current state with any state events in the timeline. May
	// await per-event decryption, hence the context.
	InjectEvents(ctx context.Context, state, timeline []json.RawMessage, opts InjectOpts) error
	// SetPaginationToken sets the backwards pagination token on the live
	// timeline. Must be called before any event injection on a new timeline.
	SetPaginationToken(token string)
	// ResetLiveTimeline archives the current live timeline and starts a new
	// one spanning backToken..forwardToken.
	ResetLiveTimeline(backToken, forwardToken string)
	// TimelineContains reports whether the event is already in a known timeline.
	TimelineContains(eventID string) bool
	TimelineIsEmpty() bool
	IsEncrypted() bool
	// CreatorUserID returns the sender of the m.room.create event, or "".
	CreatorUserID() string
	// Version returns the room version, defaulting to "1".
	Version() string
	// MarkTimelineNeedsRefresh flags that a historical import invalidated the
	// timeline and the application should refetch it.
	MarkTimelineNeedsRefresh()
	TimelineNeedsRefresh() bool

	SetUnreadNotificationCount(highlight, notif int)
	UnreadNotificationCounts() (highlight, notif int)
	SetThreadUnreadNotificationCount(threadID string, highlight, notif int)

	SetSummary(summary RoomSummary)
	AddEphemeralEvents(events []json.RawMessage)
	AddAccountData(events []json.RawMessage)
	UpdateMyMembership(membership string)
	// Recalculate re-derives fields computed from state, e.g the room name.
	Recalculate()
}

// PushAction is the verdict of the notification rule set for one event.
type PushAction struct {
	Notify    bool
	Highlight bool
}

// PushEvaluator computes push actions for events. SetPushRules is invoked at
// startup and again whenever an m.push_rules account data event arrives,
// live-replacing the rule set.
type PushEvaluator interface {
	SetPushRules(rules json.RawMessage)
	Actions(event json.RawMessage) PushAction
}

// CryptoHooks are the points where an external encryption implementation is
// invoked. The engine carries opaque payloads only; a nil hooks value
// disables all of them.
type CryptoHooks interface {
	// OnSyncWillProcess is called before a response is applied.
	OnSyncWillProcess(ctx context.Context)
	// OnSyncCompleted is called after a response is fully applied. It may
	// block, e.g to make a key query.
	OnSyncCompleted(ctx context.Context)
	// PreprocessToDeviceMessages may decrypt or filter the batch. The
	// returned slice is what the engine delivers.
	PreprocessToDeviceMessages(ctx context.Context, events []json.RawMessage) []json.RawMessage
	// ProcessDeviceLists receives device-list changes verbatim.
	ProcessDeviceLists(ctx context.Context, changed, left []string)
	// ProcessKeyCounts receives one-time-key counts and unused fallback key
	// types verbatim.
	ProcessKeyCounts(ctx context.Context, otkCounts map[string]int, unusedFallbackKeyTypes []string)
	// OnCryptoEvent surfaces an m.room.encryption state event before any
	// timeline events from the same batch are injected.
	OnCryptoEvent(ctx context.Context, roomID string, event json.RawMessage) error
}

// SnapshotAccumulator folds poll responses into a bounded persistable
// snapshot. Implemented by state.SyncAccumulator.
type SnapshotAccumulator interface {
	Accumulate(res *SyncResponse, fromDatabase bool)
	// NoteSyntheticReceipt records a locally inferred read receipt for the
	// syncing user, e.g their own sent event echoing back.
	NoteSyntheticReceipt(roomID, eventID string, ts int64)
	Snapshot(forDatabase bool) *SyncSnapshot
}
