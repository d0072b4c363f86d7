package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/exposurekit/riskengine/internal/api"
	"github.com/exposurekit/riskengine/internal/config"
	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the engine with automatic detection and the status API",
	Long: `Daemon keeps the engine running: in automatic mode a scheduler
triggers non-user-initiated detection runs at the configured cadence, and
a local read-only HTTP API exposes the current risk and engine state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		var sched *scheduler.Scheduler
		if eng.cfg.Mode == config.ModeAutomatic {
			sched = scheduler.New(eng.cfg.MinDetectionInterval(), func(ctx context.Context) error {
				_, err := eng.provider.RequestRisk(ctx, false)
				return err
			})
			sched.Start()
			defer sched.Stop()
		} else {
			logging.Info("manual mode: detection runs only on explicit request")
		}

		srv := api.New(eng.cfg.ListenAddr, eng.provider, eng.store, eng.cache)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logging.S().Infow("shutting down", "signal", sig.String())
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&agentAddr, "agent", agentAddr, "platform agent address")
	rootCmd.AddCommand(daemonCmd)
}
