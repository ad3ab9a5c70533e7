package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/grid-mini/internal/config"
	"github.com/shehryarbajwa/grid-mini/internal/logging"
	"github.com/shehryarbajwa/grid-mini/internal/node"
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

func newNodeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node that hosts browser sessions and registers with a hub",
	}
	v, bindErr := config.NodeFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if bindErr != nil {
			return bindErr
		}
		if err := config.ReadFiles(v, flags.envFile, flags.configFile); err != nil {
			return err
		}
		cfg, err := config.LoadNode(v)
		if err != nil {
			return err
		}
		logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		return runNode(cmd.Context(), cfg, logger)
	}
	return cmd
}

// buildSlots turns configured slots into session factories. Docker images
// are pulled up front so the first session does not pay for it.
func buildSlots(ctx context.Context, id models.NodeID, slots []config.Slot, logger logrus.FieldLogger) ([]node.SlotConfig, []io.Closer, error) {
	var out []node.SlotConfig
	var closers []io.Closer

	for i, s := range slots {
		caps, err := s.Capabilities()
		if err != nil {
			return nil, closers, errors.Wrapf(err, "slot %d", i)
		}

		var factory node.SessionFactory
		if s.DriverURL != "" {
			relay, err := node.NewRelayFactory(s.DriverURL, nil)
			if err != nil {
				return nil, closers, err
			}
			factory = relay
		} else {
			docker, err := node.NewDockerFactory(s.DockerImage, id, logger)
			if err != nil {
				return nil, closers, err
			}
			closers = append(closers, docker)

			pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			err = docker.EnsureImage(pullCtx)
			cancel()
			if err != nil {
				return nil, closers, err
			}
			factory = docker
		}

		logger.WithFields(logrus.Fields{"stereotype": caps, "count": s.Count}).Info("slot configured")
		out = append(out, node.SlotConfig{Stereotype: caps, Count: s.Count, Factory: factory})
	}
	return out, closers, nil
}

func runNode(parent context.Context, cfg config.Node, logger *logrus.Logger) error {
	ctx, shutdown := signalContext(parent)
	defer shutdown()

	id := models.NodeID(cfg.ID)
	if id == "" {
		id = models.NewNodeID()
	}
	log := logger.WithField("node", id)

	hub, err := url.Parse(cfg.Hub)
	if err != nil || hub.Host == "" {
		return errors.Newf("invalid hub url %q", cfg.Hub)
	}

	slots, closers, err := buildSlots(ctx, id, cfg.Slots, logger)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		return err
	}

	local, err := node.NewLocal(node.LocalOptions{
		ID:             id,
		URI:            cfg.PublicURL,
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
		DrainAfter:     cfg.DrainAfter,
		Slots:          slots,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.NewServer(local, cfg.Secret, logger).SetupRoutes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	registrar := &node.Registrar{
		Node:     local,
		Hub:      hub,
		Secret:   cfg.Secret,
		Interval: cfg.RegisterInterval,
		Logger:   logger,
	}

	log.WithFields(logrus.Fields{"uri": cfg.PublicURL, "hub": hub.String()}).Info("starting node")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, srv, cfg.ShutdownTimeout, log) })
	g.Go(func() error { return local.Run(gctx) })
	g.Go(func() error { return registrar.Run(gctx) })
	g.Go(func() error {
		select {
		case <-local.Drained():
			log.Info("node drained, shutting down")
			shutdown()
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := local.StopAll(stopCtx); n > 0 {
		log.WithField("count", n).Info("stopped remaining sessions")
	}
	return err
}
