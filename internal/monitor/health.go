// Package monitor hosts the scheduled sweeps that act on positions without
// waiting for ledger events: the health monitor marks overdue installments
// and submits liquidations, and the settlement monitor sweeps liquidated
// positions for sale proceeds.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/loanledger/internal/domain"
	"github.com/alanyoungcy/loanledger/internal/lifecycle"
)

// ChainActions is the slice of the ledger client the monitors drive.
type ChainActions interface {
	GetCollateralValuation(ctx context.Context) (int64, error)
	MarkMissedPayment(ctx context.Context, positionID int64) (string, error)
	MarkDefaulted(ctx context.Context, positionID int64) (string, error)
	LiquidatePosition(ctx context.Context, positionID, listingID int64) (string, error)
	SettleLiquidation(ctx context.Context, positionID int64) (string, error)
	WaitConfirmed(ctx context.Context, txHash string) error
}

// TransitionNotifier receives best-effort lifecycle alerts.
type TransitionNotifier interface {
	NotifyTransition(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) error
}

// HealthConfig holds health monitor tuning parameters.
type HealthConfig struct {
	Interval        time.Duration
	LockTTL         time.Duration
	CollateralToken string
	// ValuationMaxAge bounds how stale a cached valuation may be before the
	// monitor refreshes it from the ledger.
	ValuationMaxAge time.Duration
}

// HealthMonitor sweeps ACTIVE positions: refreshes their health factor from
// the latest collateral valuation, marks overdue installments, and submits
// liquidation transactions for defaulted or undercollateralized positions.
type HealthMonitor struct {
	chain      ChainActions
	positions  domain.PositionStore
	locks      domain.LockManager
	valuations domain.ValuationCache
	audit      domain.AuditStore
	notifier   TransitionNotifier
	cfg        HealthConfig
	logger     *slog.Logger
}

// NewHealthMonitor creates a HealthMonitor. The notifier may be nil.
func NewHealthMonitor(
	chain ChainActions,
	positions domain.PositionStore,
	locks domain.LockManager,
	valuations domain.ValuationCache,
	audit domain.AuditStore,
	notifier TransitionNotifier,
	cfg HealthConfig,
	logger *slog.Logger,
) *HealthMonitor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ValuationMaxAge <= 0 {
		cfg.ValuationMaxAge = 5 * time.Minute
	}
	return &HealthMonitor{
		chain:      chain,
		positions:  positions,
		locks:      locks,
		valuations: valuations,
		audit:      audit,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "health_monitor")),
	}
}

// RunLoop executes sweeps on a fixed interval until the context is cancelled.
func (m *HealthMonitor) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				m.logger.ErrorContext(ctx, "health sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run executes one sweep over all ACTIVE positions.
func (m *HealthMonitor) Run(ctx context.Context) error {
	valuation, err := m.currentValuation(ctx)
	if err != nil {
		return err
	}

	active, err := m.positions.ListByStatus(ctx, domain.StatusActive, domain.ListOpts{})
	if err != nil {
		return err
	}

	// Every ledger submission happens after the per-position lock is
	// released; the resulting events mutate local state through the
	// reconciler like any other ledger event.
	var liquidate []*domain.Position
	now := time.Now().UTC()

	for _, p := range active {
		outcome, err := m.sweepPosition(ctx, p.PositionID, valuation, now)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, domain.ErrVersionConflict) {
				m.logger.DebugContext(ctx, "position busy, skipping",
					slog.Int64("position_id", p.PositionID),
				)
				continue
			}
			m.logger.ErrorContext(ctx, "position sweep failed",
				slog.Int64("position_id", p.PositionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if outcome == nil {
			continue
		}
		m.reportSweep(ctx, outcome)
		if outcome.position.IsDefaulted || outcome.position.HealthStatus == domain.HealthLiquidatable {
			liquidate = append(liquidate, outcome.position)
		}
	}

	for _, p := range liquidate {
		m.submitLiquidation(ctx, p)
	}
	return nil
}

// currentValuation serves the collateral valuation from the cache, falling
// back to the ledger when the entry is missing or stale.
func (m *HealthMonitor) currentValuation(ctx context.Context) (int64, error) {
	value, ts, err := m.valuations.GetValuation(ctx, m.cfg.CollateralToken)
	if err == nil && time.Since(ts) < m.cfg.ValuationMaxAge {
		return value, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.WarnContext(ctx, "valuation cache read failed",
			slog.String("error", err.Error()),
		)
	}

	value, err = m.chain.GetCollateralValuation(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.valuations.SetValuation(ctx, m.cfg.CollateralToken, value, time.Now().UTC()); err != nil {
		m.logger.WarnContext(ctx, "valuation cache write failed",
			slog.String("error", err.Error()),
		)
	}
	return value, nil
}

// sweepOutcome carries the results of one locked sweep out to the caller so
// audits, notifications, and ledger submissions run with no lock held.
type sweepOutcome struct {
	position      *domain.Position
	healthChanged bool
	missed        []int
	defaulted     bool
}

// sweepPosition reprices one position and marks overdue installments under
// the position lock. The lock covers only the in-memory transition and the
// store write; everything that touches the network happens after release.
func (m *HealthMonitor) sweepPosition(ctx context.Context, positionID, valuation int64, now time.Time) (*sweepOutcome, error) {
	unlock, err := m.locks.Acquire(ctx, domain.PositionLockKey(positionID), m.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload under the lock; the listing snapshot may be stale.
	p, err := m.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusActive {
		return nil, nil
	}

	prevHealth := p.HealthStatus
	prevFactor := p.CurrentHealthFactor
	if err := lifecycle.Reprice(p, valuation, now); err != nil {
		return nil, err
	}
	repriced := p.HealthStatus != prevHealth || p.CurrentHealthFactor != prevFactor

	var missed []int
	for {
		number, err := lifecycle.MarkMissed(p, now)
		if err != nil {
			var guard *domain.GuardViolation
			if errors.As(err, &guard) {
				break
			}
			return nil, err
		}
		missed = append(missed, number)
	}

	if repriced || len(missed) > 0 {
		evtType := domain.TransitionRepriced
		if len(missed) > 0 {
			evtType = domain.TransitionMissed
		}
		evt := domain.AdminAction(evtType, p.PositionID, uuid.New().String())
		if err := m.positions.SaveWithEvent(ctx, p, evt); err != nil {
			return nil, err
		}
	}

	if !repriced && len(missed) == 0 && !p.IsDefaulted && p.HealthStatus != domain.HealthLiquidatable {
		return nil, nil
	}
	return &sweepOutcome{
		position:      p,
		healthChanged: repriced && p.HealthStatus != prevHealth,
		missed:        missed,
		defaulted:     p.IsDefaulted && len(missed) > 0,
	}, nil
}

// reportSweep emits the audits, notifications, and on-chain mirrors for one
// sweep. Each ledger submission is a multi-round-trip network call, so this
// must only run once the position lock has been released.
func (m *HealthMonitor) reportSweep(ctx context.Context, o *sweepOutcome) {
	p := o.position

	if o.healthChanged {
		detail := map[string]any{
			"health_status": string(p.HealthStatus),
			"health_factor": p.CurrentHealthFactor,
		}
		m.auditLog(ctx, domain.TransitionRepriced, map[string]any{
			"position_id":   p.PositionID,
			"health_status": string(p.HealthStatus),
			"health_factor": p.CurrentHealthFactor,
		})
		m.notify(ctx, p.PositionID, p.Owner, domain.TransitionRepriced, detail)
	}

	for _, number := range o.missed {
		m.logger.InfoContext(ctx, "installment missed",
			slog.Int64("position_id", p.PositionID),
			slog.Int("installment_number", number),
		)
		m.auditLog(ctx, domain.TransitionMissed, map[string]any{
			"position_id":        p.PositionID,
			"installment_number": number,
		})
		m.notify(ctx, p.PositionID, p.Owner, domain.TransitionMissed, map[string]any{
			"installment_number": number,
		})
		// Mirror the miss on chain so the ledger emits its own event; the
		// reconciler's re-application converges as a no-op.
		if _, err := m.chain.MarkMissedPayment(ctx, p.PositionID); err != nil {
			m.logger.WarnContext(ctx, "mark missed submission failed",
				slog.Int64("position_id", p.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.defaulted {
		if _, err := m.chain.MarkDefaulted(ctx, p.PositionID); err != nil {
			m.logger.WarnContext(ctx, "mark defaulted submission failed",
				slog.Int64("position_id", p.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// submitLiquidation broadcasts the liquidation transaction. No position lock
// is held while waiting for inclusion; the confirmed event flows back
// through the reconciler.
func (m *HealthMonitor) submitLiquidation(ctx context.Context, p *domain.Position) {
	txHash, err := m.chain.LiquidatePosition(ctx, p.PositionID, p.PositionID)
	if err != nil {
		m.logger.ErrorContext(ctx, "liquidation submission failed",
			slog.Int64("position_id", p.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "liquidation submitted",
		slog.Int64("position_id", p.PositionID),
		slog.String("tx_hash", txHash),
	)
	m.auditLog(ctx, "liquidation_submitted", map[string]any{
		"position_id": p.PositionID,
		"tx_hash":     txHash,
	})
	if err := m.chain.WaitConfirmed(ctx, txHash); err != nil {
		m.logger.WarnContext(ctx, "liquidation confirmation failed",
			slog.Int64("position_id", p.PositionID),
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}
}

func (m *HealthMonitor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.ErrorContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (m *HealthMonitor) notify(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyTransition(ctx, positionID, owner, transition, detail); err != nil {
		m.logger.WarnContext(ctx, "transition notification failed",
			slog.String("transition", transition),
			slog.String("error", err.Error()),
		)
	}
}
