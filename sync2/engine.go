package sync2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/sync-client/internal"
	"github.com/matrix-org/sync-client/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SyncState is the lifecycle phase of the engine. Transitions are published
// on pubsub.ChanLifecycle.
type SyncState string

const (
	SyncStopped      SyncState = "STOPPED"
	SyncPrepared     SyncState = "PREPARED"
	SyncSyncing      SyncState = "SYNCING"
	SyncReconnecting SyncState = "RECONNECTING"
	SyncCatchup      SyncState = "CATCHUP"
	SyncError        SyncState = "ERROR"
)

// FailedSyncErrorThreshold is how many consecutive failed /sync requests we
// tolerate before moving from Reconnecting to Error.
const FailedSyncErrorThreshold = 3

const (
	DefaultPollTimeout      = 30 * time.Second
	DefaultInitialSyncLimit = 8
)

// ErrInvalidStore means the persisted store was written with a different
// lazy-loading setting and cannot be used. The caller must wipe the store.
var ErrInvalidStore = errors.New("sync2: store was built with a different lazy_load_members setting and must be wiped")

// Room versions where MSC2716 historical-import markers are part of the room
// version itself, so any sender may emit them.
var markerNativeRoomVersions = map[string]bool{
	"org.matrix.msc2716":   true,
	"org.matrix.msc2716v3": true,
}

type EngineOpts struct {
	AccessToken string
	UserID      string
	DeviceID    string
	// PollTimeout is the server-side long-poll timeout. Defaults to 30s.
	PollTimeout time.Duration
	// InitialSyncLimit caps the per-room timeline chunk in the sync filter.
	InitialSyncLimit int
	LazyLoadMembers  bool
	// DisablePresence asks the server not to flag this user online.
	DisablePresence bool
	// OnToDeviceEvent receives each to-device event, post-preprocessing.
	OnToDeviceEvent func(event json.RawMessage)
	// Clock drives retry timers; nil means the system clock.
	Clock Clock
	// JoinConcurrency is how many joined rooms are processed in parallel per
	// response. Defaults to 4.
	JoinConcurrency  int
	EnablePrometheus bool
}

// Engine drives the incremental sync loop: it polls /sync, hands each
// response to the room tracker and the snapshot accumulator in a fixed order,
// and runs the reconnection state machine when polls fail.
type Engine struct {
	client      Client
	store       Store
	rooms       RoomTracker
	push        PushEvaluator
	crypto      CryptoHooks
	accumulator SnapshotAccumulator
	notifier    pubsub.Notifier
	opts        EngineOpts
	logger      zerolog.Logger

	keepAlive *keepAliveProber
	txnIDs    *TransactionIDCache

	mu              sync.Mutex
	syncState       SyncState
	running         bool
	cancel          context.CancelFunc
	failedSyncCount int
	catchingUp      bool
	syncedBefore    bool
	storeIsInvalid  bool
	transitionHooks []func(oldState, newState SyncState)

	wg sync.WaitGroup

	metrics *engineMetrics
}

func NewEngine(client Client, store Store, rooms RoomTracker, push PushEvaluator, accumulator SnapshotAccumulator, crypto CryptoHooks, notifier pubsub.Notifier, opts EngineOpts) *Engine {
	if opts.PollTimeout == 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.InitialSyncLimit == 0 {
		opts.InitialSyncLimit = DefaultInitialSyncLimit
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.JoinConcurrency == 0 {
		opts.JoinConcurrency = 4
	}
	e := &Engine{
		client:      client,
		store:       store,
		rooms:       rooms,
		push:        push,
		crypto:      crypto,
		accumulator: accumulator,
		notifier:    notifier,
		opts:        opts,
		logger:      logger.With().Str("user", opts.UserID).Logger(),
		txnIDs:      NewTransactionIDCache(),
		syncState:   SyncStopped,
	}
	e.keepAlive = newKeepAliveProber(client, opts.Clock, e.logger, func(err error) {
		// every failed probe re-emits the current offline state so UIs can
		// show "still trying"
		e.updateSyncState(e.State(), &pubsub.SyncLifecycle{Err: err})
	})
	if opts.EnablePrometheus {
		e.metrics = newEngineMetrics()
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncState
}

// OnStateTransition registers a hook invoked synchronously on every state
// change, before the pubsub payload is published. Used by the to-device queue
// to pause/resume with connectivity.
func (e *Engine) OnStateTransition(fn func(oldState, newState SyncState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionHooks = append(e.transitionHooks, fn)
}

// Start launches the sync loop. It returns an error if already running.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync2: engine already running")
	}
	if e.storeIsInvalid {
		e.mu.Unlock()
		return ErrInvalidStore
	}
	e.running = true
	e.failedSyncCount = 0
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

// Stop halts the loop and waits for it to exit. Any in-flight request is
// aborted and its response discarded. The engine can be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
	e.wg.Wait()
	e.updateSyncState(SyncStopped, &pubsub.SyncLifecycle{})
	// best-effort final save so a restart resumes close to where we stopped
	if snap := e.accumulator.Snapshot(true); snap != nil && snap.NextBatch != "" {
		if err := e.store.SaveSnapshot(snap); err != nil {
			e.logger.Warn().Err(err).Msg("Stop: failed to save final snapshot")
		}
	}
}

// RetryImmediately skips the current reconnection backoff, if any. Returns
// whether a retry was actually pending.
func (e *Engine) RetryImmediately() bool {
	return e.keepAlive.PokeNow()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// halt is an internal stop for fatal errors: mark not-running and cancel, but
// do not wait (we are on the loop goroutine).
func (e *Engine) halt() {
	e.mu.Lock()
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
}

func (e *Engine) run(ctx context.Context) {
	// Snapshot restore runs concurrently with the startup requests: the
	// first /sync is usually the slow part, so folding the cached state back
	// in costs no wall-clock time.
	since, err := e.store.SyncToken()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read saved sync token")
	}
	snap, err := e.store.SavedSnapshot()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read saved snapshot, doing a full initial sync")
		snap = nil
	}
	if snap != nil && snap.NextBatch != "" {
		since = snap.NextBatch
	}
	savedSyncDone := make(chan struct{})
	go func() {
		defer close(savedSyncDone)
		e.processSavedSync(ctx, snap)
	}()

	if !e.getPushRules(ctx, savedSyncDone) {
		return
	}
	if !e.checkStoreCompatibility(ctx, savedSyncDone) {
		return
	}
	filterID, ok := e.resolveFilter(ctx, savedSyncDone)
	if !ok {
		return
	}

	// fire the first request now; await the cached fold while it is in flight
	firstCh := make(chan pollResult, 1)
	go func() {
		res, err := e.doPoll(ctx, filterID, since)
		firstCh <- pollResult{res: res, err: err}
	}()
	select {
	case <-savedSyncDone:
	case <-ctx.Done():
		return
	}
	e.pollLoop(ctx, filterID, since, firstCh)
}

type pollResult struct {
	res *SyncResponse
	err error
}

// processSavedSync replays the cached snapshot through the normal response
// path, then announces Prepared so the application can render immediately.
func (e *Engine) processSavedSync(ctx context.Context, snap *SyncSnapshot) {
	if snap == nil || snap.NextBatch == "" {
		return
	}
	res := snap.ToResponse()
	if e.crypto != nil {
		e.crypto.OnSyncWillProcess(ctx)
	}
	data := &pubsub.SyncLifecycle{NextToken: snap.NextBatch, FromCache: true}
	e.processResponse(ctx, res, data, true)
	e.accumulator.Accumulate(res, true)
	if e.crypto != nil {
		e.crypto.OnSyncCompleted(ctx)
	}
	e.mu.Lock()
	invalid := e.storeIsInvalid
	e.mu.Unlock()
	if !invalid {
		e.updateSyncState(SyncPrepared, data)
	}
}

// getPushRules fetches the account push rules, retrying behind the keepalive
// prober until they arrive or the token dies.
func (e *Engine) getPushRules(ctx context.Context, savedSyncDone <-chan struct{}) bool {
	for {
		rules, err := e.client.GetPushRules(ctx, e.opts.AccessToken)
		if err == nil {
			e.push.SetPushRules(rules)
			return true
		}
		if !e.recoverFromStartupError(ctx, savedSyncDone, err, "getPushRules") {
			return false
		}
	}
}

// checkStoreCompatibility refuses to reuse a store written with a different
// lazy-loading setting: its cached rooms would be missing (or carrying
// unexpected) member events.
func (e *Engine) checkStoreCompatibility(ctx context.Context, savedSyncDone <-chan struct{}) bool {
	prev, err := e.store.ClientOptions()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read stored client options")
	}
	if prev != nil && prev.LazyLoadMembers != e.opts.LazyLoadMembers {
		e.logger.Error().
			Bool("stored", prev.LazyLoadMembers).
			Bool("requested", e.opts.LazyLoadMembers).
			Msg("lazy_load_members changed; store must be wiped before syncing")
		e.mu.Lock()
		e.storeIsInvalid = true
		e.mu.Unlock()
		select {
		case <-savedSyncDone:
		case <-ctx.Done():
		}
		e.halt()
		e.updateSyncState(SyncError, &pubsub.SyncLifecycle{Err: ErrInvalidStore})
		return false
	}
	if err := e.store.SetClientOptions(ClientOptions{LazyLoadMembers: e.opts.LazyLoadMembers}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist client options")
	}
	return true
}

// resolveFilter returns the server-side filter ID for our sync filter,
// creating it if this account has never synced from this store before.
func (e *Engine) resolveFilter(ctx context.Context, savedSyncDone <-chan struct{}) (string, bool) {
	filterName := "FILTER_SYNC_" + e.opts.UserID
	if cached, err := e.store.FilterID(filterName); err == nil && cached != "" {
		return cached, true
	}
	filter := e.buildFilterDefinition()
	for {
		filterID, err := e.client.GetOrCreateFilter(ctx, e.opts.AccessToken, e.opts.UserID, filter)
		if err == nil {
			if err := e.store.SetFilterID(filterName, filterID); err != nil {
				e.logger.Warn().Err(err).Msg("failed to cache filter ID")
			}
			return filterID, true
		}
		if !e.recoverFromStartupError(ctx, savedSyncDone, err, "getOrCreateFilter") {
			return "", false
		}
	}
}

func (e *Engine) buildFilterDefinition() json.RawMessage {
	type timelineFilter struct {
		Limit int `json:"limit"`
	}
	type stateFilter struct {
		LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
	}
	type roomFilter struct {
		Timeline timelineFilter `json:"timeline"`
		State    *stateFilter   `json:"state,omitempty"`
	}
	f := struct {
		Room roomFilter `json:"room"`
	}{
		Room: roomFilter{Timeline: timelineFilter{Limit: e.opts.InitialSyncLimit}},
	}
	if e.opts.LazyLoadMembers {
		f.Room.State = &stateFilter{LazyLoadMembers: true}
	}
	b, _ := json.Marshal(f)
	return b
}

// recoverFromStartupError decides whether a failed startup request should be
// retried. It waits for the cached fold first so Error is never published
// mid-restore, then parks behind the keepalive prober.
func (e *Engine) recoverFromStartupError(ctx context.Context, savedSyncDone <-chan struct{}, err error, what string) bool {
	select {
	case <-savedSyncDone:
	case <-ctx.Done():
		return false
	}
	if e.shouldAbortSync(err) {
		return false
	}
	e.logger.Warn().Err(err).Str("op", what).Msg("startup request failed, waiting for connectivity")
	ch := e.keepAlive.Start(ctx, -1)
	e.updateSyncState(SyncError, &pubsub.SyncLifecycle{Err: err})
	select {
	case <-ch:
		return e.isRunning()
	case <-ctx.Done():
		return false
	}
}

// shouldAbortSync returns true for errors which permanently end the session,
// publishing the terminal Error state as a side effect.
func (e *Engine) shouldAbortSync(err error) bool {
	if !internal.IsTokenError(err) {
		return false
	}
	e.logger.Error().Err(err).Msg("access token invalidated, stopping sync for good")
	e.halt()
	e.updateSyncState(SyncError, &pubsub.SyncLifecycle{Err: err})
	return true
}

func (e *Engine) pollLoop(ctx context.Context, filterID, since string, pending <-chan pollResult) {
	for {
		if ctx.Err() != nil || !e.isRunning() {
			return
		}
		var res *SyncResponse
		var err error
		if pending != nil {
			select {
			case r := <-pending:
				res, err = r.res, r.err
				pending = nil
			case <-ctx.Done():
				return
			}
		} else {
			res, err = e.doPoll(ctx, filterID, since)
		}
		if ctx.Err() != nil || !e.isRunning() {
			// a request completing after Stop must not apply its data
			return
		}
		if err != nil {
			if e.metrics != nil {
				e.metrics.polls.WithLabelValues("fail").Inc()
			}
			if !e.onSyncError(ctx, err) {
				return
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.polls.WithLabelValues("ok").Inc()
		}
		e.mu.Lock()
		e.failedSyncCount = 0
		e.mu.Unlock()

		oldToken := since
		since = res.NextBatch
		// Commit the token before applying the response: if the response is a
		// poison pill which panics processing, the next poll must step past
		// it rather than fetch it forever.
		if err := e.store.SetSyncToken(since); err != nil {
			e.logger.Warn().Err(err).Msg("failed to persist sync token")
		}

		data := &pubsub.SyncLifecycle{
			OldToken:   oldToken,
			NextToken:  since,
			CatchingUp: e.isCatchingUp(),
		}
		e.applyResponse(ctx, res, data)

		e.mu.Lock()
		firstSync := !e.syncedBefore
		e.syncedBefore = true
		e.mu.Unlock()
		if firstSync {
			// the first live response announces Prepared before entering
			// steady-state, whether or not a cached Prepared already fired
			e.updateSyncState(SyncPrepared, data)
		}
		e.updateSyncState(SyncSyncing, data)

		e.accumulator.Accumulate(res, false)
		if e.store.WantsSave() {
			if err := e.store.SaveSnapshot(e.accumulator.Snapshot(true)); err != nil {
				e.logger.Warn().Err(err).Msg("failed to save snapshot")
			}
		}
	}
}

func (e *Engine) doPoll(ctx context.Context, filterID, since string) (*SyncResponse, error) {
	timeout := e.opts.PollTimeout
	e.mu.Lock()
	if e.syncState != SyncSyncing || e.catchingUp {
		// not in steady state: there may be a backlog, drain it without
		// long-polling
		e.catchingUp = true
		timeout = 0
	}
	e.mu.Unlock()
	req := &SyncRequest{
		FilterID: filterID,
		Since:    since,
		Timeout:  timeout,
	}
	if e.opts.DisablePresence {
		req.SetPresence = "offline"
	}
	return e.client.DoSyncV2(ctx, e.opts.AccessToken, req)
}

func (e *Engine) isCatchingUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catchingUp
}

// onSyncError runs the reconnection state machine for one failed poll.
// Returns false when the loop should exit for good.
func (e *Engine) onSyncError(ctx context.Context, err error) bool {
	if e.shouldAbortSync(err) {
		return false
	}
	e.mu.Lock()
	e.failedSyncCount++
	failures := e.failedSyncCount
	e.mu.Unlock()
	e.logger.Warn().Err(err).Int("failures", failures).Msg("/sync failed")

	newState := SyncReconnecting
	if failures >= FailedSyncErrorThreshold {
		newState = SyncError
	}
	ch := e.keepAlive.Start(ctx, -1)
	e.updateSyncState(newState, &pubsub.SyncLifecycle{Err: err})

	var connDidFail bool
	select {
	case connDidFail = <-ch:
	case <-ctx.Done():
		return false
	}
	if !e.isRunning() {
		return false
	}
	// Only a genuine outage warrants the Catchup dance; if the server was
	// reachable all along we just retry quietly.
	if connDidFail && e.State() == SyncError {
		e.mu.Lock()
		e.catchingUp = true
		e.mu.Unlock()
		e.updateSyncState(SyncCatchup, &pubsub.SyncLifecycle{CatchingUp: true})
	}
	return true
}

// applyResponse applies one poll in the fixed order: presence, account data,
// to-device, rooms (invite, join, leave), then cross-room notifications and
// crypto bookkeeping.
func (e *Engine) applyResponse(ctx context.Context, res *SyncResponse, data *pubsub.SyncLifecycle) {
	ctx, span := internal.StartSpan(ctx, "applyResponse")
	defer span.End()
	ctx = internal.PollContext(ctx)
	internal.SetPollContextUserID(ctx, e.opts.UserID)
	internal.SetPollContextResponseInfo(ctx, data.OldToken, data.NextToken,
		len(res.Rooms.Join)+len(res.Rooms.Invite)+len(res.Rooms.Leave), len(res.ToDevice.Events))
	internal.Logf(ctx, "sync", "apply %s -> %s: %d join %d invite %d leave %d to-device",
		data.OldToken, data.NextToken, len(res.Rooms.Join), len(res.Rooms.Invite),
		len(res.Rooms.Leave), len(res.ToDevice.Events))
	defer func() {
		internal.DecorateLogger(ctx, e.logger.Debug()).Msg("applied sync response")
	}()
	if e.crypto != nil {
		e.crypto.OnSyncWillProcess(ctx)
	}
	e.processResponse(ctx, res, data, false)
	if e.crypto != nil {
		e.crypto.ProcessDeviceLists(ctx, res.DeviceLists.Changed, res.DeviceLists.Left)
		e.crypto.ProcessKeyCounts(ctx, res.DeviceListsOTKCount, res.DeviceUnusedFallbackKeyTypes)
		e.crypto.OnSyncCompleted(ctx)
	}
}

// pollScratch accumulates per-response byproducts across concurrently
// processed rooms.
type pollScratch struct {
	mu          sync.Mutex
	notifEvents []json.RawMessage
}

func (s *pollScratch) addNotif(ev json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifEvents = append(s.notifEvents, ev)
}

func (e *Engine) processResponse(ctx context.Context, res *SyncResponse, data *pubsub.SyncLifecycle, fromPersisted bool) {
	e.rooms.UpdatePresence(res.Presence.Events)

	for _, ev := range res.AccountData.Events {
		if gjson.GetBytes(ev, "type").Str == EventTypePushRules {
			// live-replace the rule set; subsequent polls in this session
			// evaluate with the new rules
			e.push.SetPushRules(json.RawMessage(gjson.GetBytes(ev, "content").Raw))
		}
	}

	e.processToDevice(ctx, res.ToDevice.Events)

	scratch := &pollScratch{}
	for roomID, invite := range res.Rooms.Invite {
		e.processRoomSafe(ctx, roomID, func() {
			e.processInvitedRoom(ctx, roomID, invite, fromPersisted)
		})
	}

	pool := internal.NewWorkerPool(e.opts.JoinConcurrency)
	pool.Start()
	var wg sync.WaitGroup
	for roomID, jr := range res.Rooms.Join {
		roomID, jr := roomID, jr
		wg.Add(1)
		pool.Queue(func() {
			defer wg.Done()
			e.processRoomSafe(ctx, roomID, func() {
				e.processJoinedRoom(ctx, roomID, jr, data, fromPersisted, scratch)
			})
		})
	}
	wg.Wait()
	pool.Stop()

	for roomID, leave := range res.Rooms.Leave {
		e.processRoomSafe(ctx, roomID, func() {
			e.processLeftRoom(ctx, roomID, leave, data, fromPersisted, scratch)
		})
	}

	// Notifications are only meaningful on incremental polls: on an initial
	// sync everything in the response is "old" and would spam the user.
	if data.OldToken != "" && len(scratch.notifEvents) > 0 {
		sort.SliceStable(scratch.notifEvents, func(i, j int) bool {
			return gjson.GetBytes(scratch.notifEvents[i], "origin_server_ts").Int() <
				gjson.GetBytes(scratch.notifEvents[j], "origin_server_ts").Int()
		})
		e.rooms.AddNotificationEvents(scratch.notifEvents)
	}
}

// processRoomSafe confines a per-room processing failure to that room: the
// rest of the response is still applied, and the failure goes to the error
// side-channel rather than the lifecycle stream.
func (e *Engine) processRoomSafe(ctx context.Context, roomID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing room %s: %v", roomID, r)
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
			e.logger.Error().Str("room", roomID).Msgf("panic processing room: %v", r)
			if perr := e.notifier.Notify(pubsub.ChanErrors, &pubsub.UnexpectedError{RoomID: roomID, Err: err}); perr != nil {
				e.logger.Warn().Err(perr).Msg("failed to publish unexpected error")
			}
		}
	}()
	fn()
}

func (e *Engine) processToDevice(ctx context.Context, events []json.RawMessage) {
	if len(events) == 0 {
		// steady state again: no backlog of device messages left to drain
		e.mu.Lock()
		e.catchingUp = false
		e.mu.Unlock()
		return
	}
	if e.crypto != nil {
		events = e.crypto.PreprocessToDeviceMessages(ctx, events)
	}
	// a cancellation suppresses the verification it cancels when both arrive
	// in the same response, so the app never renders a dead prompt
	cancelledTxns := make(map[string]bool)
	for _, ev := range events {
		if gjson.GetBytes(ev, "type").Str == EventTypeVerificationCancel {
			if txn := gjson.GetBytes(ev, "content.transaction_id").Str; txn != "" {
				cancelledTxns[txn] = true
			}
		}
	}
	for _, ev := range events {
		evType := gjson.GetBytes(ev, "type").Str
		if evType == EventTypeVerificationStart || evType == EventTypeVerificationReq {
			if cancelledTxns[gjson.GetBytes(ev, "content.transaction_id").Str] {
				continue
			}
		}
		if e.opts.OnToDeviceEvent != nil {
			e.opts.OnToDeviceEvent(ev)
		}
	}
}

func (e *Engine) processInvitedRoom(ctx context.Context, roomID string, invite SyncV2InviteResponse, fromPersisted bool) {
	room := e.rooms.GetRoom(roomID)
	if room == nil {
		room = e.rooms.CreateRoom(roomID)
	}
	if err := room.InjectEvents(ctx, invite.InviteState.Events, nil, InjectOpts{FromPersistedData: fromPersisted}); err != nil {
		panic(err) // confined by processRoomSafe
	}
	room.UpdateMyMembership("invite")
	room.Recalculate()
}

func (e *Engine) processJoinedRoom(ctx context.Context, roomID string, jr SyncV2JoinResponse, data *pubsub.SyncLifecycle, fromPersisted bool, scratch *pollScratch) {
	room := e.rooms.GetRoom(roomID)
	brandNew := room == nil
	if brandNew {
		room = e.rooms.CreateRoom(roomID)
	}
	timeline := jr.Timeline.Events

	// counts first, against pre-delta state, matching the server's view
	e.reconcileUnreadCounts(room, jr, timeline)

	if brandNew {
		// the pagination token must be in place before any events land, else
		// back-pagination from the first event has nowhere to start
		room.SetPaginationToken(jr.Timeline.PrevBatch)
	} else if jr.Timeline.Limited {
		// a gappy sync may still overlap what we have: scan backwards for a
		// known event and keep only the genuinely new suffix
		limited := true
		for i := len(timeline) - 1; i >= 0; i-- {
			eventID := gjson.GetBytes(timeline[i], "event_id").Str
			if room.TimelineContains(eventID) {
				limited = false
				timeline = timeline[i+1:]
				break
			}
		}
		if limited {
			room.ResetLiveTimeline(jr.Timeline.PrevBatch, data.OldToken)
			// the old live timeline is no longer contiguous with the
			// notification cursor
			e.rooms.ResetNotificationTimeline()
		}
	}

	timelineWasEmpty := room.TimelineIsEmpty()

	if e.crypto != nil {
		// the crypto layer must know the room is encrypted before any of
		// this batch's timeline events are injected (and maybe decrypted)
		for _, ev := range append(append([]json.RawMessage{}, jr.State.Events...), timeline...) {
			if gjson.GetBytes(ev, "type").Str == EventTypeEncryption && gjson.GetBytes(ev, "state_key").Exists() {
				if err := e.crypto.OnCryptoEvent(ctx, roomID, ev); err != nil {
					e.logger.Warn().Err(err).Str("room", roomID).Msg("OnCryptoEvent failed")
				}
			}
		}
	}

	if err := room.InjectEvents(ctx, jr.State.Events, timeline, InjectOpts{
		FromPersistedData: fromPersisted,
		TimelineWasEmpty:  timelineWasEmpty,
	}); err != nil {
		panic(err) // confined by processRoomSafe
	}

	e.processMarkerEvents(room, timeline, timelineWasEmpty)

	room.SetSummary(jr.Summary)
	room.AddEphemeralEvents(jr.Ephemeral.Events)
	room.AddAccountData(jr.AccountData.Events)
	room.UpdateMyMembership("join")
	room.Recalculate()

	e.collectNotifEvents(scratch, timeline)
	if !fromPersisted {
		e.noteSyntheticReceipts(roomID, timeline)
	}
}

func (e *Engine) processLeftRoom(ctx context.Context, roomID string, leave SyncV2LeaveResponse, data *pubsub.SyncLifecycle, fromPersisted bool, scratch *pollScratch) {
	room := e.rooms.GetRoom(roomID)
	if room == nil {
		room = e.rooms.CreateRoom(roomID)
	}
	if err := room.InjectEvents(ctx, leave.State.Events, leave.Timeline.Events, InjectOpts{
		FromPersistedData: fromPersisted,
		TimelineWasEmpty:  room.TimelineIsEmpty(),
	}); err != nil {
		panic(err) // confined by processRoomSafe
	}
	room.AddAccountData(leave.AccountData.Events)
	room.UpdateMyMembership("leave")
	room.Recalculate()
	e.collectNotifEvents(scratch, leave.Timeline.Events)
}

// reconcileUnreadCounts applies the server's unread counts, except that for
// encrypted rooms the server cannot see highlights inside ciphertext, so a
// non-zero server count is replaced with a local push-rule evaluation over
// the decrypted events we can see. A server report of literal zero is always
// trusted: it means "read up to here".
func (e *Engine) reconcileUnreadCounts(room Room, jr SyncV2JoinResponse, timeline []json.RawMessage) {
	un := jr.UnreadNotifications
	if un.NotificationCount != nil || un.HighlightCount != nil {
		notif := intOrZero(un.NotificationCount)
		highlight := intOrZero(un.HighlightCount)
		if room.IsEncrypted() && (notif > 0 || highlight > 0) {
			highlight, notif = e.countPushActions(timeline)
		}
		room.SetUnreadNotificationCount(highlight, notif)
	}
	for threadID, tun := range jr.UnreadThreadNotifications {
		notif := intOrZero(tun.NotificationCount)
		highlight := intOrZero(tun.HighlightCount)
		if room.IsEncrypted() && (notif > 0 || highlight > 0) {
			highlight, notif = e.countPushActions(threadEvents(timeline, threadID))
		}
		room.SetThreadUnreadNotificationCount(threadID, highlight, notif)
	}
}

func (e *Engine) countPushActions(events []json.RawMessage) (highlight, notif int) {
	for _, ev := range events {
		if gjson.GetBytes(ev, "sender").Str == e.opts.UserID {
			continue
		}
		a := e.push.Actions(ev)
		if a.Notify {
			notif++
			if a.Highlight {
				highlight++
			}
		}
	}
	return highlight, notif
}

func threadEvents(timeline []json.RawMessage, threadID string) []json.RawMessage {
	var out []json.RawMessage
	for _, ev := range timeline {
		rel := gjson.GetBytes(ev, `content.m\.relates_to`)
		if rel.Get("rel_type").Str == "m.thread" && rel.Get("event_id").Str == threadID {
			out = append(out, ev)
		}
	}
	return out
}

// processMarkerEvents handles MSC2716 historical-import markers: an
// authorized marker means events were spliced into the past and the current
// timeline view is stale.
func (e *Engine) processMarkerEvents(room Room, timeline []json.RawMessage, timelineWasEmpty bool) {
	for _, ev := range timeline {
		if gjson.GetBytes(ev, "type").Str != EventTypeMarker || !gjson.GetBytes(ev, "state_key").Exists() {
			continue
		}
		sender := gjson.GetBytes(ev, "sender").Str
		authorized := sender == room.CreatorUserID() || markerNativeRoomVersions[room.Version()]
		if !authorized {
			e.logger.Debug().Str("room", room.ID()).Str("sender", sender).Msg("ignoring unauthorized marker event")
			continue
		}
		if timelineWasEmpty {
			// nothing rendered yet, the import will be paginated in naturally
			continue
		}
		room.MarkTimelineNeedsRefresh()
	}
}

func (e *Engine) collectNotifEvents(scratch *pollScratch, timeline []json.RawMessage) {
	for _, ev := range timeline {
		if gjson.GetBytes(ev, "sender").Str == e.opts.UserID {
			continue
		}
		a := e.push.Actions(ev)
		if a.Notify && a.Highlight {
			scratch.addNotif(ev)
		}
	}
}

// noteSyntheticReceipts spots remote echoes of our own sends (by their
// transaction ID) and records a synthetic read receipt for them: you have
// read what you just wrote.
func (e *Engine) noteSyntheticReceipts(roomID string, timeline []json.RawMessage) {
	for _, ev := range timeline {
		if gjson.GetBytes(ev, "sender").Str != e.opts.UserID {
			continue
		}
		txnID := gjson.GetBytes(ev, "unsigned.transaction_id").Str
		if txnID == "" {
			continue
		}
		eventID := gjson.GetBytes(ev, "event_id").Str
		if e.txnIDs.Get(e.opts.UserID, txnID) != "" {
			continue // already noted this echo
		}
		e.txnIDs.Store(e.opts.UserID, txnID, eventID)
		e.accumulator.NoteSyntheticReceipt(roomID, eventID, gjson.GetBytes(ev, "origin_server_ts").Int())
	}
}

func (e *Engine) updateSyncState(newState SyncState, data *pubsub.SyncLifecycle) {
	e.mu.Lock()
	oldState := e.syncState
	e.syncState = newState
	hooks := make([]func(SyncState, SyncState), len(e.transitionHooks))
	copy(hooks, e.transitionHooks)
	e.mu.Unlock()

	for _, hook := range hooks {
		hook(oldState, newState)
	}
	// publish a copy: the caller may reuse data for the next transition,
	// and a payload sitting in the buffered channel must not change under
	// a subscriber
	msg := *data
	msg.State = string(newState)
	msg.Prev = string(oldState)
	if err := e.notifier.Notify(pubsub.ChanLifecycle, &msg); err != nil {
		e.logger.Warn().Err(err).Str("state", string(newState)).Msg("failed to publish lifecycle update")
	}
	if e.metrics != nil {
		e.metrics.state.Set(stateOrdinal(newState))
	}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

type engineMetrics struct {
	state prometheus.Gauge
	polls *prometheus.CounterVec
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sync_client",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Current sync state: 0=stopped 1=prepared 2=syncing 3=reconnecting 4=catchup 5=error",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sync_client",
			Subsystem: "engine",
			Name:      "polls_total",
			Help:      "Total /sync polls by result",
		}, []string{"result"}),
	}
	prometheus.MustRegister(m.state, m.polls)
	return m
}

func stateOrdinal(s SyncState) float64 {
	switch s {
	case SyncStopped:
		return 0
	case SyncPrepared:
		return 1
	case SyncSyncing:
		return 2
	case SyncReconnecting:
		return 3
	case SyncCatchup:
		return 4
	case SyncError:
		return 5
	}
	return -1
}
