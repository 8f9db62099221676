package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "syncclient_data"
)

// logging metadata for a single poll
type data struct {
	userID            string
	since             string
	next              string
	numRooms          int
	numToDeviceEvents int
}

// PollContext prepares a context to carry per-poll logging metadata.
func PollContext(ctx context.Context) context.Context {
	d := &data{
		numRooms: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetPollContextUserID attaches the syncing user. Needs PollContext first.
func SetPollContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

func SetPollContextResponseInfo(ctx context.Context, since, next string, numRooms, numToDeviceEvents int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.since = since
	da.next = next
	da.numRooms = numRooms
	da.numToDeviceEvents = numToDeviceEvents
}

// DecorateLogger annotates the log event with whatever poll metadata the
// context carries. Keys are terse deliberately as this fires on every poll.
func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.since != "" {
		l = l.Str("p", da.since)
	}
	if da.next != "" {
		l = l.Str("q", da.next)
	}
	if da.numRooms >= 0 {
		l = l.Int("r", da.numRooms)
	}
	if da.numToDeviceEvents > 0 {
		l = l.Int("d", da.numToDeviceEvents)
	}
	return l
}
