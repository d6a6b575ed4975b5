package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// newServeCmd runs the Account Scheduler pool and the maintenance sweeps
// as a long-lived process: the daemon mode backing every queued
// archive/forward/discovery job and the three periodic sweeps (spec §4.4,
// §4.6.1). Exits cleanly on SIGINT/SIGTERM, draining in-flight batches
// per §5's cooperative-cancellation contract.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler pool and maintenance sweeps until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Pool.Start(ctx)
			if err := app.Maintenance.Start(ctx); err != nil {
				return err
			}

			seen := make(map[string]bool)
			app.PollQueuedJobs(ctx, seen)
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						app.PollQueuedJobs(ctx, seen)
					}
				}
			}()

			app.Logger.Info("spectra serve: running", "workers", app.Cfg.Parallel.MaxWorkers)
			<-ctx.Done()

			app.Logger.Info("spectra serve: shutting down")
			app.Maintenance.Stop()
			app.Pool.Stop(30 * time.Second)
			return nil
		},
	}
}
