package syncclient

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/matrix-org/sync-client/pubsub"
	"github.com/matrix-org/sync-client/push"
	"github.com/matrix-org/sync-client/room"
	"github.com/matrix-org/sync-client/state"
	"github.com/matrix-org/sync-client/sync2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts configures RunSyncClient.
type Opts struct {
	// DestinationServer is the homeserver base URL, e.g https://matrix.org
	DestinationServer string
	AccessToken       string
	UserID            string
	DeviceID          string
	// PostgresURI for the persistent store; see lib/pq docs for the format.
	PostgresURI     string
	LazyLoadMembers bool
	// MetricsBindAddr serves prometheus metrics when non-empty, e.g ":2112"
	MetricsBindAddr string
}

// RunSyncClient wires up the full client and syncs until SIGINT/SIGTERM.
func RunSyncClient(opts Opts) {
	if dsn := os.Getenv("SYNC_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}
	if opts.MetricsBindAddr != "" {
		go func() {
			logger.Info().Msgf("serving metrics on %s", opts.MetricsBindAddr)
			if err := http.ListenAndServe(opts.MetricsBindAddr, promhttp.Handler()); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	client := sync2.NewHTTPClient(opts.DestinationServer)
	store := state.NewStorage(opts.PostgresURI, opts.UserID)
	defer store.Close()
	rooms := room.NewRegistry()
	evaluator := push.NewEvaluator(opts.UserID)
	accumulator := state.NewSyncAccumulator(opts.UserID, state.AccumulatorOpts{})
	ps := pubsub.NewPubSub(128)
	defer ps.Close()

	go logLifecycle(ps)

	engine := sync2.NewEngine(client, store, rooms, evaluator, accumulator, nil, ps, sync2.EngineOpts{
		AccessToken:      opts.AccessToken,
		UserID:           opts.UserID,
		DeviceID:         opts.DeviceID,
		LazyLoadMembers:  opts.LazyLoadMembers,
		EnablePrometheus: opts.MetricsBindAddr != "",
	})
	queue := sync2.NewToDeviceQueue(client, store, opts.AccessToken, nil, logger)
	engine.OnStateTransition(queue.OnSyncStateChange)

	if err := engine.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sync engine")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	engine.Stop()
	queue.Stop()
}

// logLifecycle subscribes to the engine's streams and logs them; the pubsub
// channels are the integration point for richer consumers.
func logLifecycle(ps *pubsub.PubSub) {
	go func() {
		_ = ps.Listen(pubsub.ChanErrors, func(p pubsub.Payload) {
			if ue, ok := p.(*pubsub.UnexpectedError); ok {
				logger.Error().Err(ue.Err).Str("room", ue.RoomID).Msg("unexpected processing error")
			}
		})
	}()
	_ = ps.Listen(pubsub.ChanLifecycle, func(p pubsub.Payload) {
		if lc, ok := p.(*pubsub.SyncLifecycle); ok {
			evt := logger.Info().Str("state", lc.State).Str("prev", lc.Prev)
			if lc.Err != nil {
				evt = evt.Err(lc.Err)
			}
			evt.Bool("catching_up", lc.CatchingUp).Msg("sync lifecycle")
		}
	})
}
