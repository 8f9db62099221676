package sync2

import "encoding/json"

// SyncResponse mirrors the shape of a v2 /sync response. Events are kept as
// raw JSON end-to-end; fields are read with gjson where needed.
type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventsResponse    `json:"account_data"`
	Presence    EventsResponse    `json:"presence"`
	Rooms       SyncRoomsResponse `json:"rooms"`
	ToDevice    EventsResponse    `json:"to_device"`
	DeviceLists struct {
		Changed []string `json:"changed,omitempty"`
		Left    []string `json:"left,omitempty"`
	} `json:"device_lists"`
	DeviceListsOTKCount          map[string]int `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string       `json:"device_unused_fallback_key_types,omitempty"`
}

type SyncRoomsResponse struct {
	Join   map[string]SyncV2JoinResponse   `json:"join,omitempty"`
	Invite map[string]SyncV2InviteResponse `json:"invite,omitempty"`
	Leave  map[string]SyncV2LeaveResponse  `json:"leave,omitempty"`
}

// SyncV2JoinResponse represents a /sync response for a room under the 'join' key.
type SyncV2JoinResponse struct {
	Summary                   RoomSummary                    `json:"summary"`
	State                     EventsResponse                 `json:"state"`
	Timeline                  TimelineResponse               `json:"timeline"`
	Ephemeral                 EventsResponse                 `json:"ephemeral"`
	AccountData               EventsResponse                 `json:"account_data"`
	UnreadNotifications       UnreadNotifications            `json:"unread_notifications"`
	UnreadThreadNotifications map[string]UnreadNotifications `json:"unread_thread_notifications,omitempty"`
}

type UnreadNotifications struct {
	HighlightCount    *int `json:"highlight_count,omitempty"`
	NotificationCount *int `json:"notification_count,omitempty"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited,omitempty"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// RoomSummary carries the membership heroes/counts; absent fields mean
// "unchanged", so counts are pointers.
type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

// SyncV2InviteResponse represents a /sync response for a room under the 'invite' key.
type SyncV2InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// SyncV2LeaveResponse represents a /sync response for a room under the 'leave' key.
type SyncV2LeaveResponse struct {
	State       EventsResponse   `json:"state"`
	Timeline    TimelineResponse `json:"timeline"`
	AccountData EventsResponse   `json:"account_data"`
}

// SyncSnapshot is the bounded, serializable output of the sync accumulator.
// Fed back through the same response-application path (with FromPersistedData
// set on the engine side), it reconstructs an equivalent starting point
// without replaying full history.
type SyncSnapshot struct {
	NextBatch   string            `json:"next_batch"`
	AccountData []json.RawMessage `json:"account_data"`
	Rooms       SyncRoomsResponse `json:"rooms"`
}

// ToResponse re-wraps the snapshot as a sync response so it can be processed
// by the same code path as a live poll.
func (s *SyncSnapshot) ToResponse() *SyncResponse {
	return &SyncResponse{
		NextBatch:   s.NextBatch,
		AccountData: EventsResponse{Events: s.AccountData},
		Rooms:       s.Rooms,
	}
}

// Event types the engine special-cases.
const (
	EventTypePushRules          = "m.push_rules"
	EventTypeEncryption         = "m.room.encryption"
	EventTypeReceipt            = "m.receipt"
	EventTypeTyping             = "m.typing"
	EventTypeMarker             = "org.matrix.msc2716.marker"
	EventTypeRoomCreate         = "m.room.create"
	EventTypeVerificationStart  = "m.key.verification.start"
	EventTypeVerificationReq    = "m.key.verification.request"
	EventTypeVerificationCancel = "m.key.verification.cancel"
)
