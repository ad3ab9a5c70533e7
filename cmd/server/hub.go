package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/grid-mini/internal/config"
	"github.com/shehryarbajwa/grid-mini/internal/distributor"
	"github.com/shehryarbajwa/grid-mini/internal/events"
	"github.com/shehryarbajwa/grid-mini/internal/logging"
	"github.com/shehryarbajwa/grid-mini/internal/queue"
	"github.com/shehryarbajwa/grid-mini/internal/ratelimit"
	"github.com/shehryarbajwa/grid-mini/internal/router"
	"github.com/shehryarbajwa/grid-mini/internal/sessionmap"
	"github.com/shehryarbajwa/grid-mini/internal/version"
)

func newHubCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the router, new session queue, distributor and session map",
	}
	v, bindErr := config.HubFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if bindErr != nil {
			return bindErr
		}
		if err := config.ReadFiles(v, flags.envFile, flags.configFile); err != nil {
			return err
		}
		cfg, err := config.LoadHub(v)
		if err != nil {
			return err
		}
		logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		return runHub(cmd.Context(), cfg, logger)
	}
	return cmd
}

// backplane is where sessions and events live: in process, or in Redis when
// several hub processes share one grid.
type backplane struct {
	bus      events.Bus
	sessions sessionmap.SessionMap
	close    func()
}

func newBackplane(ctx context.Context, cfg config.Hub, logger logrus.FieldLogger) (*backplane, error) {
	if cfg.RedisURL == "" {
		bus := events.NewLocal(256, logger)
		return &backplane{
			bus:      bus,
			sessions: sessionmap.NewLocal(),
			close:    func() { bus.Close() },
		}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis-url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "failed to reach redis at %s", opts.Addr)
	}

	bus, err := events.NewRedisBus(ctx, rdb, events.DefaultChannel, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	logger.WithField("redis", opts.Addr).Info("sharing sessions and events through redis")
	return &backplane{
		bus:      bus,
		sessions: sessionmap.NewRedis(rdb),
		close: func() {
			bus.Close()
			rdb.Close()
		},
	}, nil
}

func runHub(parent context.Context, cfg config.Hub, logger *logrus.Logger) error {
	ctx, shutdown := signalContext(parent)
	defer shutdown()

	logger.WithField("version", version.Current().Version).Info("starting hub")
	if cfg.Secret == "" {
		logger.Warn("no registration secret configured, registration and admin endpoints are open")
	}

	bp, err := newBackplane(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer bp.close()

	q := queue.New(queue.Options{
		Capacity:       cfg.QueueCapacity,
		RequestTimeout: cfg.SessionRequestTimeout,
		SweepInterval:  cfg.QueueSweepInterval,
	}, bp.bus, logger)

	dist := distributor.New(distributor.Options{
		HealthCheckInterval:  cfg.HealthCheckInterval,
		HealthCheckRetry:     cfg.HealthCheckRetry,
		UnhealthyThreshold:   cfg.UnhealthyThreshold,
		NodeDownPurge:        cfg.NodeDownPurge,
		MatchInterval:        cfg.MatchInterval,
		SessionCreateTimeout: cfg.SessionCreateTimeout,
	}, q, bp.sessions, bp.bus, logger)
	defer dist.Close()

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	if limiter.Enabled() {
		logger.WithFields(logrus.Fields{"perHour": cfg.RateLimitPerHour, "burst": cfg.RateLimitBurst}).Info("rate limiting new sessions")
	}

	rt := router.New(router.Options{
		Secret:    cfg.Secret,
		PublicURL: cfg.PublicURL,
		Shutdown:  shutdown,
	}, q, dist, bp.sessions, bp.bus, limiter, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rt.SetupRoutes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, srv, cfg.ShutdownTimeout, logger) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return dist.Run(gctx) })
	if limiter.Enabled() {
		g.Go(func() error { return limiter.Run(gctx) })
	}
	// Waiting clients get an answer before the server stops accepting
	g.Go(func() error {
		<-gctx.Done()
		if n := q.Clear(); n > 0 {
			logger.WithField("count", n).Info("cancelled pending new session requests")
		}
		return nil
	})

	return g.Wait()
}
