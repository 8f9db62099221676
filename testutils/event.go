package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// EventOpt customises a built event.
type EventOpt func(map[string]interface{})

func WithTimestamp(ts time.Time) EventOpt {
	return func(e map[string]interface{}) {
		e["origin_server_ts"] = ts.UnixMilli()
	}
}

func WithUnsigned(unsigned interface{}) EventOpt {
	return func(e map[string]interface{}) {
		e["unsigned"] = unsigned
	}
}

func WithEventID(eventID string) EventOpt {
	return func(e map[string]interface{}) {
		e["event_id"] = eventID
	}
}

func NewStateEvent(t *testing.T, evType, stateKey, sender string, content interface{}, opts ...EventOpt) json.RawMessage {
	t.Helper()
	e := map[string]interface{}{
		"type":             evType,
		"state_key":        stateKey,
		"sender":           sender,
		"content":          content,
		"event_id":         generateEventID(),
		"origin_server_ts": time.Now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(e)
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

func NewEvent(t *testing.T, evType, sender string, content interface{}, opts ...EventOpt) json.RawMessage {
	t.Helper()
	e := map[string]interface{}{
		"type":             evType,
		"sender":           sender,
		"content":          content,
		"event_id":         generateEventID(),
		"origin_server_ts": time.Now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(e)
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

// NewMessageEvent builds an m.room.message text event.
func NewMessageEvent(t *testing.T, sender, body string, opts ...EventOpt) json.RawMessage {
	t.Helper()
	return NewEvent(t, "m.room.message", sender, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, opts...)
}
