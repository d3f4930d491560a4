// Package reconcile polls the on-chain ledger for position events and folds
// them into the local store. The reconciler is the only component that
// advances the block watermark; a range whose events could not all be applied
// is retried in full on the next cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/loanledger/internal/domain"
	"github.com/alanyoungcy/loanledger/internal/lifecycle"
)

// ChainSource is the slice of the ledger client the reconciler needs.
type ChainSource interface {
	ContractAddress() string
	MaxBlockRange() uint64
	LatestConfirmedBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.Envelope, error)
}

// TransitionNotifier receives best-effort lifecycle alerts.
type TransitionNotifier interface {
	NotifyTransition(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) error
}

// Config holds reconciler tuning parameters.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// Reconciler drives the event-sourced sync between the ledger and the store.
type Reconciler struct {
	chain      ChainSource
	positions  domain.PositionStore
	watermarks domain.WatermarkStore
	locks      domain.LockManager
	audit      domain.AuditStore
	notifier   TransitionNotifier
	cfg        Config
	logger     *slog.Logger
	running    atomic.Bool
}

// New creates a Reconciler. The notifier may be nil.
func New(
	chain ChainSource,
	positions domain.PositionStore,
	watermarks domain.WatermarkStore,
	locks domain.LockManager,
	audit domain.AuditStore,
	notifier TransitionNotifier,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Reconciler{
		chain:      chain,
		positions:  positions,
		watermarks: watermarks,
		locks:      locks,
		audit:      audit,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "reconciler")),
	}
}

// RunLoop executes reconciliation cycles on a fixed interval until the
// context is cancelled. An immediate first cycle runs before the ticker
// starts.
func (r *Reconciler) RunLoop(ctx context.Context) error {
	if err := r.Run(ctx); err != nil {
		r.logger.ErrorContext(ctx, "reconciliation cycle failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconciliation cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run executes one reconciliation cycle. Cycles are single-flight: a call
// that overlaps a still-running cycle returns immediately.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.DebugContext(ctx, "cycle already in progress, skipping")
		return nil
	}
	defer r.running.Store(false)

	contract := r.chain.ContractAddress()
	wm, err := r.watermarks.Get(ctx, contract)
	if err != nil {
		return err
	}
	latest, err := r.chain.LatestConfirmedBlock(ctx)
	if err != nil {
		return err
	}

	from := wm.LastProcessedBlock + 1
	if wm.UpdatedAt.IsZero() {
		// Fresh deployment: scan from genesis.
		from = 0
	}
	if from > latest {
		return nil
	}

	r.logger.InfoContext(ctx, "reconciling",
		slog.Uint64("from_block", from),
		slog.Uint64("to_block", latest),
	)

	// Large gaps are split so a single query never exceeds the provider's
	// block-range limit. The watermark advances only after every event in a
	// sub-range has been applied.
	step := r.chain.MaxBlockRange()
	if step == 0 {
		step = 1
	}
	for lo := from; lo <= latest; lo += step {
		hi := lo + step - 1
		if hi > latest {
			hi = latest
		}
		if err := r.processRange(ctx, contract, lo, hi); err != nil {
			return fmt.Errorf("reconcile: range [%d,%d]: %w", lo, hi, err)
		}
		if err := r.watermarks.Set(ctx, contract, hi); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) processRange(ctx context.Context, contract string, from, to uint64) error {
	envelopes, err := r.chain.FilterEvents(ctx, from, to)
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		if err := r.applyEnvelope(ctx, env); err != nil {
			return err
		}
	}
	if len(envelopes) > 0 {
		r.logger.InfoContext(ctx, "range applied",
			slog.Uint64("from_block", from),
			slog.Uint64("to_block", to),
			slog.Int("events", len(envelopes)),
		)
	}
	return nil
}

// applyEnvelope applies one event under the position lock. A nil return
// means the event is done with, whether applied, already applied, or
// permanently rejected by a lifecycle guard. A non-nil return aborts the
// range so it is retried next cycle.
func (r *Reconciler) applyEnvelope(ctx context.Context, env domain.Envelope) error {
	meta := env.Meta
	positionID := env.Payload.Position()

	applied, err := r.positions.IsApplied(ctx, meta.TxHash, meta.LogIndex)
	if err != nil {
		return err
	}
	if applied {
		r.logger.DebugContext(ctx, "event already applied",
			slog.String("event_key", meta.Key()),
		)
		return nil
	}

	unlock, err := r.locks.Acquire(ctx, domain.PositionLockKey(positionID), r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("position %d: %w", positionID, err)
		}
		return err
	}
	defer unlock()

	if e, ok := env.Payload.(domain.PositionCreated); ok {
		return r.applyCreate(ctx, meta, e)
	}

	p, err := r.positions.Get(ctx, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The event references a position we have never seen. Leave the
			// watermark where it is; an operator resync or an earlier event
			// arriving on retry resolves it.
			return fmt.Errorf("%s for position %d: %w", env.Payload.Type(), positionID, domain.ErrReconcileConflict)
		}
		return err
	}

	transition, detail, err := r.dispatch(p, env)
	if err != nil {
		var guard *domain.GuardViolation
		var invalid *domain.ValidationError
		if errors.As(err, &guard) || errors.As(err, &invalid) {
			// Lifecycle transitions are monotone, so a rejected event can
			// never succeed on retry. Record the rejection and move on.
			r.logger.WarnContext(ctx, "event rejected",
				slog.String("event_key", meta.Key()),
				slog.String("event_type", env.Payload.Type()),
				slog.Int64("position_id", positionID),
				slog.String("reason", err.Error()),
			)
			r.auditLog(ctx, "event_rejected", map[string]any{
				"event_key":   meta.Key(),
				"event_type":  env.Payload.Type(),
				"position_id": positionID,
				"reason":      err.Error(),
			})
			return nil
		}
		return err
	}

	evt := domain.AppliedEvent{
		TxHash:      meta.TxHash,
		LogIndex:    meta.LogIndex,
		EventType:   env.Payload.Type(),
		PositionID:  positionID,
		BlockNumber: meta.BlockNumber,
	}
	if err := r.positions.SaveWithEvent(ctx, p, evt); err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			return nil
		}
		return err
	}

	r.logger.InfoContext(ctx, "event applied",
		slog.String("event_key", meta.Key()),
		slog.String("event_type", env.Payload.Type()),
		slog.Int64("position_id", positionID),
		slog.String("transition", transition),
	)
	r.auditLog(ctx, transition, detail)
	r.notify(ctx, positionID, p.Owner, transition, detail)
	return nil
}

func (r *Reconciler) applyCreate(ctx context.Context, meta domain.EventMeta, e domain.PositionCreated) error {
	p := lifecycle.Create(e, meta.BlockTime)
	evt := domain.AppliedEvent{
		TxHash:      meta.TxHash,
		LogIndex:    meta.LogIndex,
		EventType:   e.Type(),
		PositionID:  e.PositionID,
		BlockNumber: meta.BlockNumber,
	}
	err := r.positions.CreateWithEvent(ctx, p, evt)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrAlreadyApplied) {
			return nil
		}
		return err
	}

	detail := map[string]any{
		"event_key":            meta.Key(),
		"position_id":          e.PositionID,
		"collateral_amount":    e.CollateralAmount,
		"collateral_value_usd": e.CollateralValueUSD,
		"initial_ltv":          e.InitialLTV,
	}
	r.logger.InfoContext(ctx, "position created",
		slog.Int64("position_id", e.PositionID),
		slog.String("owner", e.Owner),
	)
	r.auditLog(ctx, domain.TransitionCreated, detail)
	r.notify(ctx, e.PositionID, e.Owner, domain.TransitionCreated, detail)
	return nil
}

// dispatch routes one payload through the state machine and names the
// resulting transition. The position is mutated in place.
func (r *Reconciler) dispatch(p *domain.Position, env domain.Envelope) (string, map[string]any, error) {
	at := env.Meta.BlockTime
	detail := map[string]any{
		"event_key":   env.Meta.Key(),
		"position_id": p.PositionID,
	}

	switch e := env.Payload.(type) {
	case domain.USDCBorrowed:
		if err := lifecycle.Borrow(p, e.Amount, e.LoanDuration, e.Installments, at); err != nil {
			return "", nil, err
		}
		detail["amount"] = e.Amount
		return domain.TransitionBorrowed, detail, nil

	case domain.RepaymentPlanCreated:
		if err := lifecycle.ApplyPlan(p, e.TotalDebt, e.Installments, e.Interval, at); err != nil {
			return "", nil, err
		}
		detail["installments"] = e.Installments
		detail["total_debt"] = e.TotalDebt
		return domain.TransitionPlanSet, detail, nil

	case domain.LoanRepaid:
		if err := lifecycle.Repay(p, e.Amount, at); err != nil {
			return "", nil, err
		}
		detail["amount"] = e.Amount
		detail["outstanding_debt"] = p.OutstandingDebt()
		return domain.TransitionRepaid, detail, nil

	case domain.MissedPaymentMarked:
		if err := lifecycle.ApplyMissed(p, e.InstallmentNumber, at); err != nil {
			return "", nil, err
		}
		detail["installment_number"] = e.InstallmentNumber
		return domain.TransitionMissed, detail, nil

	case domain.PositionDefaulted:
		if err := lifecycle.MarkDefaulted(p, at); err != nil {
			return "", nil, err
		}
		return domain.TransitionDefaulted, detail, nil

	case domain.PositionLiquidated:
		if err := lifecycle.Liquidate(p, e.ListingID, env.Meta.TxHash, at); err != nil {
			return "", nil, err
		}
		detail["listing_id"] = e.ListingID
		return domain.TransitionLiquidated, detail, nil

	case domain.LiquidationSettled:
		alloc, err := lifecycle.Settle(p, e.AmountReceived, env.Meta.TxHash, at)
		if err != nil {
			return "", nil, err
		}
		detail["amount_received"] = e.AmountReceived
		detail["principal_repaid"] = alloc.PrincipalRepaid
		detail["interest_repaid"] = alloc.InterestRepaid
		detail["surplus_returned"] = alloc.SurplusReturned
		detail["settled"] = alloc.Settled
		return domain.TransitionSettled, detail, nil

	case domain.CollateralWithdrawn:
		if err := lifecycle.Withdraw(p, e.Amount, at); err != nil {
			return "", nil, err
		}
		detail["amount"] = e.Amount
		return domain.TransitionWithdrawn, detail, nil

	default:
		return "", nil, fmt.Errorf("reconcile: unhandled event type %s", env.Payload.Type())
	}
}

func (r *Reconciler) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.ErrorContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) notify(ctx context.Context, positionID int64, owner, transition string, detail map[string]any) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyTransition(ctx, positionID, owner, transition, detail); err != nil {
		r.logger.WarnContext(ctx, "transition notification failed",
			slog.String("transition", transition),
			slog.String("error", err.Error()),
		)
	}
}
