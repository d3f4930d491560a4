// Package service exposes the operator-facing operations over positions:
// read snapshots, listings, and the manual resync escape hatch.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/loanledger/internal/credit"
	"github.com/alanyoungcy/loanledger/internal/domain"
	"github.com/alanyoungcy/loanledger/internal/platform/chain"
)

// LedgerReader is the slice of the chain client resync reads from.
type LedgerReader interface {
	GetPosition(ctx context.Context, positionID int64) (chain.PositionState, error)
	GetRepaymentPlan(ctx context.Context, positionID int64) (chain.PlanState, error)
}

// PositionService reads position state and performs operator actions.
type PositionService struct {
	positions domain.PositionStore
	locks     domain.LockManager
	audit     domain.AuditStore
	ledger    LedgerReader
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(
	positions domain.PositionStore,
	locks domain.LockManager,
	audit domain.AuditStore,
	ledger LedgerReader,
	lockTTL time.Duration,
	logger *slog.Logger,
) *PositionService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &PositionService{
		positions: positions,
		locks:     locks,
		audit:     audit,
		ledger:    ledger,
		lockTTL:   lockTTL,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Snapshot returns the full local aggregate for one position.
func (s *PositionService) Snapshot(ctx context.Context, positionID int64) (*domain.Position, error) {
	return s.positions.Get(ctx, positionID)
}

// List returns positions in the given lifecycle status.
func (s *PositionService) List(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]*domain.Position, error) {
	return s.positions.ListByStatus(ctx, status, opts)
}

// AuditTrail returns recent audit entries, newest first.
func (s *PositionService) AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.audit.List(ctx, opts)
}

// Resync overwrites the local record of one position with the ledger's
// current view. It is the operator escape hatch for drift the reconciler
// cannot resolve, such as events referencing an unknown position. The ledger
// does not expose per-installment history, so existing installment rows are
// kept while the plan counters are overwritten.
func (s *PositionService) Resync(ctx context.Context, positionID int64) (*domain.Position, error) {
	unlock, err := s.locks.Acquire(ctx, domain.PositionLockKey(positionID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.ledger.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fresh := false
	p, err := s.positions.Get(ctx, positionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		fresh = true
		p = &domain.Position{PositionID: positionID, CreatedAt: now}
	}

	p.Owner = state.Owner
	p.CollateralAmount = state.CollateralAmount
	p.CollateralValueUSD = state.CollateralValueUSD
	p.DebtPrincipal = state.DebtPrincipal
	p.InterestAccrued = state.InterestAccrued
	p.InitialLTV = state.InitialLTV
	p.Status = state.Status
	p.IsDefaulted = state.IsDefaulted
	p.CurrentHealthFactor = credit.HealthFactor(p.CollateralValueUSD, p.OutstandingDebt())
	p.HealthStatus = credit.ClassifyHealth(p.CurrentHealthFactor)
	p.UpdatedAt = now

	if plan, err := s.ledger.GetRepaymentPlan(ctx, positionID); err == nil && plan.NumberOfInstallments > 0 {
		if p.Plan == nil {
			p.Plan = &domain.RepaymentPlan{}
		}
		p.Plan.NumberOfInstallments = plan.NumberOfInstallments
		p.Plan.InstallmentInterval = plan.InstallmentInterval
		p.Plan.InstallmentsPaid = plan.InstallmentsPaid
		p.Plan.MissedPayments = plan.MissedPayments
		p.Plan.NextPaymentDue = plan.NextPaymentDue
		p.Plan.IsActive = plan.IsActive
	} else if err != nil {
		s.logger.WarnContext(ctx, "repayment plan read failed during resync",
			slog.Int64("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}

	evt := domain.AdminAction(domain.TransitionResynced, positionID, uuid.New().String())
	if fresh {
		err = s.positions.CreateWithEvent(ctx, p, evt)
	} else {
		err = s.positions.SaveWithEvent(ctx, p, evt)
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "position resynced",
		slog.Int64("position_id", positionID),
		slog.String("status", string(p.Status)),
		slog.Bool("fresh", fresh),
	)
	if err := s.audit.Log(ctx, domain.TransitionResynced, map[string]any{
		"position_id": positionID,
		"status":      string(p.Status),
		"fresh":       fresh,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}
	return p, nil
}
