package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/grid-mini/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "grid",
		Short:        "Distributed WebDriver grid",
		Long:         "grid routes WebDriver sessions from clients to browser nodes. Run one hub and any number of nodes.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "file of GRID_* variables, defaults to .env when present")

	root.AddCommand(newHubCmd(flags), newNodeCmd(flags), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "grid %s (%s, %s)\n", info.Version, info.Commit, info.GoVersion)
		},
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or when the returned cancel is called
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	return ctx, func() {
		cancel()
		stop()
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully
func serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger logrus.FieldLogger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return errors.Wrap(err, "server forced to shutdown")
	}
	logger.Info("server stopped cleanly")
	return nil
}
