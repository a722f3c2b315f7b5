package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/daemon"
	"github.com/yairfalse/cartograph/internal/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuous reconciliation",
	Long: `Run cartograph as a daemon. Every configured target is scanned on its own
fixed-delay schedule; scanner process and target records are heartbeated on a
separate scheduler; EKS tokens are refreshed in the background.

Endpoints:
- /metrics        Prometheus metrics
- /health         liveness with scheduler counters
- /-/ready        readiness
- /status         per-target pass summary from the journal
- /status/recent  most recent passes`,
	Example: `  cartograph daemon --config /etc/cartograph/config.yaml
  GRAPH_URL=memory:// cartograph daemon -c config.yaml   # dry run against the in-memory graph`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tel, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	d, err := daemon.Build(ctx, cfg, tel.Handler())
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("Daemon close failed")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g run.Group
	g.Add(run.SignalHandler(runCtx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		return d.Run(runCtx)
	}, func(error) {
		cancel()
	})

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("Shutting down")
		return nil
	}
	return err
}
