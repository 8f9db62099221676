package pubsub

// The channels the sync engine publishes on.
const (
	ChanLifecycle = "lifecycle"
	ChanErrors    = "errors"
)

// SyncLifecycle is emitted on every sync state transition, including
// Syncing -> Syncing for consumers who want to batch per poll.
type SyncLifecycle struct {
	State     string
	Prev      string
	Err       error
	OldToken  string
	NextToken string
	// CatchingUp is set while the engine drains backlog with zero-timeout polls.
	CatchingUp bool
	// FromCache marks the Prepared emitted from a persisted snapshot rather
	// than a live response.
	FromCache bool
}

func (*SyncLifecycle) Type() string { return "s.lifecycle" }

// UnexpectedError carries a per-item processing failure which did not alter
// the lifecycle state: the rest of the poll was still applied.
type UnexpectedError struct {
	RoomID string
	Err    error
}

func (*UnexpectedError) Type() string { return "s.unexpected_error" }
