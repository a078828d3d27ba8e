package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/segyhp/settlement-engine/internal/app"
	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/database"
	"github.com/segyhp/settlement-engine/internal/lock"
	"github.com/segyhp/settlement-engine/internal/logger"
	"github.com/segyhp/settlement-engine/internal/scheduler"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlement-scheduler",
		Short:         "Periodic settlement jobs for the payment settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context())
		},
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the cron scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context())
		},
	}
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one settlement cycle: due payments, retries and the overdue scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("settlement-cycle")
			if err != nil {
				return err
			}

			components, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer components.Close()

			var report interface{}
			runner := scheduler.New(cfg.GetSchedulerLocation(), newLocker(components), cfg.Scheduler.LeaseTTL, log, components.Metrics)
			err = runner.RunOnce(cmd.Context(), scheduler.Job{Name: "cycle", Run: func(ctx context.Context) error {
				r, err := components.Orchestrator.RunCycle(ctx)
				report = r
				return err
			}})
			if err != nil {
				return err
			}

			if _, err := components.Orchestrator.RelayOutbox(cmd.Context()); err != nil {
				log.WithError(err).Warn("outbox relay after cycle failed")
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(report)
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Long: `Apply every pending migration embedded in the binary.

Examples:
  settlement-scheduler migrate
  settlement-scheduler migrate --down 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("settlement-migrate")
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations need DATABASE_DRIVER=postgres, got %q", cfg.Database.Driver)
			}

			db, err := database.Connect(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if down > 0 {
				if err := database.RollbackMigrations(db, down); err != nil {
					return err
				}
				log.WithField("steps", down).Info("migrations rolled back")
				return nil
			}

			if err := database.RunMigrations(db); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}

func setup(service string) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logger.New(cfg.Logging, service), nil
}

func newLocker(components *app.App) *lock.Locker {
	if components.Redis == nil {
		return nil
	}
	return lock.NewLocker(components.Redis)
}

func runScheduler(ctx context.Context) error {
	cfg, log, err := setup("settlement-scheduler")
	if err != nil {
		return err
	}
	log.Info("Starting settlement scheduler...")

	components, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer components.Close()

	runner := scheduler.New(cfg.GetSchedulerLocation(), newLocker(components), cfg.Scheduler.LeaseTTL, log, components.Metrics)
	for _, job := range scheduler.Jobs(cfg.Scheduler, components.Orchestrator) {
		if err := runner.Add(job); err != nil {
			return err
		}
	}

	metricsServer := &http.Server{
		Addr:    ":" + cfg.Scheduler.MetricsPort,
		Handler: promhttp.HandlerFor(components.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	runner.Start()
	log.Info("Scheduler started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler...")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info("Scheduler stopped")
	return nil
}
