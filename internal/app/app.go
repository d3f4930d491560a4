// Package app provides the top-level application lifecycle management for
// the loan ledger service. It wires together all dependencies (stores,
// caches, the chain client, blob storage, and notifications) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/loanledger/internal/config"
	"github.com/alanyoungcy/loanledger/internal/service"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	mode := strings.ToLower(a.cfg.Mode)
	if deps.Notifier != nil {
		if err := deps.Notifier.NotifyAll(ctx, "loanledger", "service started in "+mode+" mode"); err != nil {
			a.logger.WarnContext(ctx, "startup notification failed",
				slog.String("error", err.Error()),
			)
		}
	}

	switch mode {
	case "sync":
		return a.SyncMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Resync is the one-shot operator action: it wires dependencies, overwrites
// the local record of one position with the ledger's current view, and
// returns. Used for drift the reconciler cannot resolve on its own.
func (a *App) Resync(ctx context.Context, positionID int64) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	defer cleanup()

	svc := service.NewPositionService(
		deps.PositionStore,
		deps.LockManager,
		deps.AuditStore,
		deps.Chain,
		a.cfg.Reconcile.LockTTL.Duration,
		a.logger,
	)
	p, err := svc.Resync(ctx, positionID)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "position resynced",
		slog.Int64("position_id", p.PositionID),
		slog.String("status", string(p.Status)),
		slog.Int64("outstanding_debt", p.OutstandingDebt()),
	)
	return nil
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
