package sync2

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrix-org/sync-client/internal"
)

// Clock abstracts timer scheduling so the reconnection state machine can be
// driven by a virtual clock in tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) Now() time.Time                         { return time.Now() }

// Probe delays. The base delay is randomised to prevent tight-looping when
// the probe endpoint succeeds but /sync itself keeps failing.
const (
	keepAliveBaseDelay   = 2 * time.Second
	keepAliveRetryDelay  = 5 * time.Second
	keepAliveJitterRange = 5 * time.Second
)

// keepAliveProber polls the lightweight /versions endpoint until the server
// becomes reachable again. At most one probe loop runs at a time; concurrent
// callers share its outcome. The boolean delivered to waiters reports whether
// a connectivity failure was actually observed, which callers use to decide
// between Catchup and staying in Error.
type keepAliveProber struct {
	client Client
	clock  Clock
	jitter func(d time.Duration) time.Duration
	// onProbeFailure fires on each failed probe so the engine can emit Error.
	onProbeFailure func(err error)
	logger         zerolog.Logger

	mu      sync.Mutex
	active  bool
	waiters []chan bool
	pokeNow chan struct{}
}

func newKeepAliveProber(client Client, clock Clock, logger zerolog.Logger, onProbeFailure func(err error)) *keepAliveProber {
	return &keepAliveProber{
		client: client,
		clock:  clock,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)))
		},
		onProbeFailure: onProbeFailure,
		logger:         logger,
	}
}

// Start begins probing after delay, or joins the in-progress probe loop if
// one is already running. A negative delay means "use the default jittered
// base delay"; zero means probe immediately.
func (k *keepAliveProber) Start(ctx context.Context, delay time.Duration) <-chan bool {
	if delay < 0 {
		delay = keepAliveBaseDelay + k.jitter(keepAliveJitterRange)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	ch := make(chan bool, 1)
	k.waiters = append(k.waiters, ch)
	if k.active {
		if delay == 0 {
			k.pokeLocked()
		}
		return ch
	}
	k.active = true
	k.pokeNow = make(chan struct{}, 1)
	go k.run(ctx, delay)
	return ch
}

// Active reports whether a probe loop is currently running.
func (k *keepAliveProber) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

// PokeNow skips the current backoff delay, if a probe loop is running.
func (k *keepAliveProber) PokeNow() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return false
	}
	k.pokeLocked()
	return true
}

func (k *keepAliveProber) pokeLocked() {
	select {
	case k.pokeNow <- struct{}{}:
	default:
	}
}

func (k *keepAliveProber) run(ctx context.Context, delay time.Duration) {
	connDidFail := false
	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				k.finish(connDidFail)
				return
			case <-k.clock.After(delay):
			case <-k.pokeNow:
			}
		}
		if ctx.Err() != nil {
			k.finish(connDidFail)
			return
		}
		err := k.client.Versions(ctx)
		if err == nil {
			k.finish(connDidFail)
			return
		}
		var merr *internal.MatrixError
		if errors.As(err, &merr) && (merr.HTTPStatus == 400 || merr.HTTPStatus == 404) {
			// the server probably just doesn't implement the probe endpoint:
			// we got a response, so it is reachable. Wait briefly so we don't
			// hammer a server in a mode where the probe 400s but /sync fails.
			select {
			case <-ctx.Done():
			case <-k.clock.After(2 * time.Second):
			}
			k.finish(connDidFail)
			return
		}
		connDidFail = true
		k.logger.Warn().Err(err).Msg("connectivity probe failed, will retry")
		delay = keepAliveRetryDelay + k.jitter(keepAliveJitterRange)
		// emit after scheduling so tests driving a virtual clock can advance
		// it when they observe the failure
		if k.onProbeFailure != nil {
			k.onProbeFailure(err)
		}
	}
}

func (k *keepAliveProber) finish(connDidFail bool) {
	k.mu.Lock()
	waiters := k.waiters
	k.waiters = nil
	k.active = false
	k.mu.Unlock()
	for _, ch := range waiters {
		ch <- connDidFail
	}
}
