package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/loanledger/internal/blob/s3"
	"github.com/alanyoungcy/loanledger/internal/monitor"
	"github.com/alanyoungcy/loanledger/internal/reconcile"
)

func (a *App) newReconciler(deps *Dependencies) *reconcile.Reconciler {
	return reconcile.New(
		deps.Chain,
		deps.PositionStore,
		deps.WatermarkStore,
		deps.LockManager,
		deps.AuditStore,
		deps.Notifier,
		reconcile.Config{
			Interval: a.cfg.Reconcile.Interval.Duration,
			LockTTL:  a.cfg.Reconcile.LockTTL.Duration,
		},
		a.logger,
	)
}

// SyncMode runs the event reconciler alone. No wallet is needed and no
// transactions are ever submitted.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)

	rec := a.newReconciler(deps)
	g.Go(func() error {
		return rec.RunLoop(ctx)
	})

	return waitGroup(a.logger, g)
}

// MonitorMode runs the reconciler plus the health and settlement sweeps,
// which submit transactions through the configured wallet.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	rec := a.newReconciler(deps)
	g.Go(func() error {
		return rec.RunLoop(ctx)
	})

	a.startMonitors(ctx, g, deps)

	return waitGroup(a.logger, g)
}

// FullMode runs everything monitor mode does, plus the cold-storage
// archiver when archiving is enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	rec := a.newReconciler(deps)
	g.Go(func() error {
		return rec.RunLoop(ctx)
	})

	a.startMonitors(ctx, g, deps)

	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		arch := s3blob.NewArchiver(
			deps.BlobWriter,
			deps.PositionStore,
			deps.AuditStore,
			s3blob.ArchiveConfig{
				Interval:  a.cfg.Archive.Interval.Duration,
				RetainFor: a.cfg.Archive.RetainFor.Duration,
				BatchSize: a.cfg.Archive.BatchSize,
			},
			a.logger,
		)
		g.Go(func() error {
			return arch.RunLoop(ctx)
		})
	}

	return waitGroup(a.logger, g)
}

func (a *App) startMonitors(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	health := monitor.NewHealthMonitor(
		deps.Chain,
		deps.PositionStore,
		deps.LockManager,
		deps.ValuationCache,
		deps.AuditStore,
		deps.Notifier,
		monitor.HealthConfig{
			Interval:        a.cfg.Monitor.HealthInterval.Duration,
			LockTTL:         a.cfg.Reconcile.LockTTL.Duration,
			CollateralToken: a.cfg.Ledger.CollateralToken,
			ValuationMaxAge: a.cfg.Monitor.ValuationMaxAge.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		return health.RunLoop(ctx)
	})

	settle := monitor.NewSettlementMonitor(
		deps.Chain,
		deps.PositionStore,
		deps.AuditStore,
		monitor.SettlementConfig{
			Interval:    a.cfg.Monitor.SettlementInterval.Duration,
			SettleDelay: a.cfg.Monitor.SettleDelay.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		return settle.RunLoop(ctx)
	})
}

// waitGroup waits for all workers and treats context cancellation as a
// clean shutdown.
func waitGroup(logger *slog.Logger, g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("all workers stopped")
	return nil
}
