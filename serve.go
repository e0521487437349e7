package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campus-library/internal/api"
	"campus-library/library"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the JSON API under /api/v1 plus /healthz and /metrics.

When overdue_sweep_interval is set, overdue fields of open loans are
refreshed and dead sessions purged on that interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := openManager(reg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(mgr, logger, reg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(ctx, cfg.ListenAddr, router, logger)
	})
	if cfg.OverdueSweepInterval > 0 {
		g.Go(func() error {
			runMaintenance(ctx, mgr, cfg.OverdueSweepInterval)
			return nil
		})
	}
	return g.Wait()
}

// runMaintenance refreshes overdue state and purges sessions every interval
// until ctx ends. Failures are logged and retried on the next tick.
func runMaintenance(ctx context.Context, mgr *library.LibraryManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("maintenance loop started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := mgr.RefreshOverdue(ctx); err != nil && ctx.Err() == nil {
			logger.Error("overdue sweep failed", zap.Error(err))
		}
		if _, err := mgr.PurgeSessions(ctx); err != nil && ctx.Err() == nil {
			logger.Error("session purge failed", zap.Error(err))
		}
	}
}
