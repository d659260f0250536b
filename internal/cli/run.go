package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Swind/go-lane-runner/internal/config"
	"github.com/Swind/go-lane-runner/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lane scheduler daemon in the foreground",
	Long: `Run loads the configuration, starts the worker pool, the lane scheduler,
the affinity dispatcher and the recurring job feeder, and serves /metrics.
With watch enabled, edits to the jobs list of the config file are applied
without a restart. It stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	log, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	rt, err := NewRuntime(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	if cfg.Watch && cfgFile != "" {
		watcher, err := config.NewWatcher(loader, 0, func(next *config.Config) {
			if err := rt.ApplyJobs(next.Jobs); err != nil {
				log.Zerolog().Error().Err(err).Msg("Some jobs could not be applied")
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	<-ctx.Done()
	log.Zerolog().Info().Msg("Shutdown signal received")

	// the pool has its own stop timeout; allow the rest the same budget again
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Pool.StopTimeout+time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}
