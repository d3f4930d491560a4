// Package lifecycle implements the guarded state machine that is the sole
// writer of position invariants. Every function validates its guards first
// and mutates the aggregate only when the transition is permitted, so a
// failed call always leaves the position unchanged. Persistence and event
// attribution are the caller's job.
package lifecycle

import (
	"time"

	"github.com/alanyoungcy/loanledger/internal/credit"
	"github.com/alanyoungcy/loanledger/internal/domain"
)

// Create builds a new ACTIVE position from a collateral deposit.
func Create(e domain.PositionCreated, at time.Time) *domain.Position {
	p := &domain.Position{
		PositionID:         e.PositionID,
		Owner:              e.Owner,
		CollateralAmount:   e.CollateralAmount,
		CollateralValueUSD: e.CollateralValueUSD,
		InitialLTV:         e.InitialLTV,
		Status:             domain.StatusActive,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	refreshHealth(p)
	return p
}

// Borrow draws debt against the collateral. The first borrow also builds and
// activates the repayment plan; subsequent borrows leave an existing
// schedule untouched.
func Borrow(p *domain.Position, amount int64, loanDuration time.Duration, installments int, at time.Time) error {
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if p.Status != domain.StatusActive {
		return &domain.GuardViolation{Transition: "borrow", Status: p.Status, Reason: "position not active"}
	}
	capacity := credit.MaxBorrowCapacity(p.CollateralValueUSD, p.InitialLTV, p.OutstandingDebt())
	if amount > capacity {
		return &domain.InsufficientCapacity{Requested: amount, Capacity: capacity}
	}

	p.DebtPrincipal += amount

	if p.Plan == nil {
		insts, interval, err := credit.BuildSchedule(p.OutstandingDebt(), at, loanDuration, installments)
		if err != nil {
			p.DebtPrincipal -= amount
			return err
		}
		p.Installments = insts
		p.Plan = &domain.RepaymentPlan{
			NumberOfInstallments: installments,
			InstallmentInterval:  interval,
			NextPaymentDue:       insts[0].DueDate,
			IsActive:             true,
		}
	}

	refreshHealth(p)
	p.UpdatedAt = at
	return nil
}

// ApplyPlan reconciles the on-chain RepaymentPlanCreated event. When the
// borrow already built an equivalent local schedule this is a no-op; when
// the event arrives on a position without one (watermark gap recovery), the
// schedule is rebuilt from the event's parameters.
func ApplyPlan(p *domain.Position, totalDebt int64, installments int, interval time.Duration, at time.Time) error {
	if p.Status != domain.StatusActive {
		return &domain.GuardViolation{Transition: "repayment_plan", Status: p.Status, Reason: "position not active"}
	}
	if p.Plan != nil {
		return nil
	}
	insts, _, err := credit.BuildSchedule(totalDebt, at, interval*time.Duration(installments), installments)
	if err != nil {
		return err
	}
	p.Installments = insts
	p.Plan = &domain.RepaymentPlan{
		NumberOfInstallments: installments,
		InstallmentInterval:  interval,
		NextPaymentDue:       insts[0].DueDate,
		IsActive:             true,
	}
	p.UpdatedAt = at
	return nil
}

// Repay reduces outstanding debt, interest before principal. The earliest
// PENDING installment is marked PAID only when the amount covers it; any
// leftover credit simply reduces principal without advancing further
// installments. Full repayment transitions the position to REPAID.
func Repay(p *domain.Position, amount int64, at time.Time) error {
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if p.Status != domain.StatusActive {
		return &domain.GuardViolation{Transition: "repay", Status: p.Status, Reason: "position not active"}
	}
	if amount > p.OutstandingDebt() {
		return &domain.ValidationError{Field: "amount", Reason: "exceeds outstanding debt"}
	}

	fromInterest := min(amount, p.InterestAccrued)
	p.InterestAccrued -= fromInterest
	p.DebtPrincipal -= amount - fromInterest

	if inst := p.EarliestPending(); inst != nil && amount >= inst.Amount {
		inst.Status = domain.InstallmentPaid
		paidAt := at
		inst.PaidAt = &paidAt
		if p.Plan != nil {
			p.Plan.InstallmentsPaid++
			advanceNextDue(p)
		}
	}

	if p.OutstandingDebt() == 0 {
		p.Status = domain.StatusRepaid
		if p.Plan != nil {
			p.Plan.IsActive = false
		}
	}

	refreshHealth(p)
	p.UpdatedAt = at
	return nil
}

// MarkMissed is the scheduler transition: once now is past the next due
// date, the earliest PENDING installment becomes MISSED, the due pointer
// advances, and the third miss latches the default flag. The number of the
// missed installment is returned.
func MarkMissed(p *domain.Position, now time.Time) (int, error) {
	if p.Status != domain.StatusActive {
		return 0, &domain.GuardViolation{Transition: "mark_missed", Status: p.Status, Reason: "position not active"}
	}
	if p.Plan == nil || !p.Plan.IsActive {
		return 0, &domain.GuardViolation{Transition: "mark_missed", Status: p.Status, Reason: "no active repayment plan"}
	}
	if !now.After(p.Plan.NextPaymentDue) {
		return 0, &domain.GuardViolation{Transition: "mark_missed", Status: p.Status, Reason: "next payment not yet due"}
	}
	inst := p.EarliestPending()
	if inst == nil {
		return 0, &domain.GuardViolation{Transition: "mark_missed", Status: p.Status, Reason: "no pending installment"}
	}

	markMissed(p, inst)
	p.UpdatedAt = now
	return inst.Number, nil
}

// ApplyMissed reconciles an on-chain MissedPaymentMarked event. The health
// monitor usually marks the installment locally first, so a re-application
// for an already-MISSED (or since PAID) installment converges as a no-op.
func ApplyMissed(p *domain.Position, number int, at time.Time) error {
	if p.Status != domain.StatusActive {
		return &domain.GuardViolation{Transition: "mark_missed", Status: p.Status, Reason: "position not active"}
	}
	if number < 1 || number > len(p.Installments) {
		return &domain.ValidationError{Field: "installmentNumber", Reason: "out of range"}
	}
	inst := &p.Installments[number-1]
	if inst.Status != domain.InstallmentPending {
		return nil
	}
	markMissed(p, inst)
	p.UpdatedAt = at
	return nil
}

// MarkDefaulted latches the default flag. The flag is monotone: nothing
// clears it except liquidation or settlement closing the position.
func MarkDefaulted(p *domain.Position, at time.Time) error {
	if p.Status.Terminal() {
		return &domain.GuardViolation{Transition: "mark_defaulted", Status: p.Status, Reason: "position immutable"}
	}
	if !p.IsDefaulted {
		p.IsDefaulted = true
		p.UpdatedAt = at
	}
	return nil
}

// Liquidate seizes the collateral of a defaulted or undercollateralized
// position and records the marketplace listing.
func Liquidate(p *domain.Position, listingID int64, txHash string, at time.Time) error {
	if p.Status != domain.StatusActive {
		return &domain.GuardViolation{Transition: "liquidate", Status: p.Status, Reason: "position not active"}
	}
	if !p.IsDefaulted && p.HealthStatus != domain.HealthLiquidatable {
		return &domain.GuardViolation{Transition: "liquidate", Status: p.Status, Reason: "neither defaulted nor liquidatable"}
	}

	p.CollateralAmount = 0
	p.Status = domain.StatusLiquidated
	if p.Plan != nil {
		p.Plan.IsActive = false
	}
	p.Liquidation = &domain.LiquidationRecord{
		Timestamp: at,
		ListingID: listingID,
		TxHash:    txHash,
	}
	p.UpdatedAt = at
	return nil
}

// Withdraw returns collateral to a debt-free owner. Draining the position
// closes it.
func Withdraw(p *domain.Position, amount int64, at time.Time) error {
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if p.Status != domain.StatusActive && p.Status != domain.StatusRepaid {
		return &domain.GuardViolation{Transition: "withdraw", Status: p.Status, Reason: "position not active or repaid"}
	}
	if p.OutstandingDebt() != 0 {
		return &domain.GuardViolation{Transition: "withdraw", Status: p.Status, Reason: "outstanding debt remains"}
	}
	if amount > p.CollateralAmount {
		return &domain.ValidationError{Field: "amount", Reason: "exceeds collateral"}
	}

	p.CollateralAmount -= amount
	if p.CollateralAmount == 0 {
		p.Status = domain.StatusClosed
	}
	p.UpdatedAt = at
	return nil
}

// Reprice refreshes the health factor from a new collateral valuation.
func Reprice(p *domain.Position, collateralValueUSD int64, at time.Time) error {
	if collateralValueUSD < 0 {
		return &domain.ValidationError{Field: "collateralValueUSD", Reason: "must not be negative"}
	}
	if p.Status.Terminal() {
		return &domain.GuardViolation{Transition: "reprice", Status: p.Status, Reason: "position immutable"}
	}
	p.CollateralValueUSD = collateralValueUSD
	refreshHealth(p)
	p.UpdatedAt = at
	return nil
}

func markMissed(p *domain.Position, inst *domain.Installment) {
	inst.Status = domain.InstallmentMissed
	if p.Plan != nil {
		p.Plan.MissedPayments++
		advanceNextDue(p)
		if p.Plan.MissedPayments >= 3 {
			p.IsDefaulted = true
		}
	}
}

// advanceNextDue points NextPaymentDue at the earliest remaining PENDING
// installment, or one interval past the schedule when none remain.
func advanceNextDue(p *domain.Position) {
	if p.Plan == nil {
		return
	}
	if next := p.EarliestPending(); next != nil {
		p.Plan.NextPaymentDue = next.DueDate
		return
	}
	if n := len(p.Installments); n > 0 {
		p.Plan.NextPaymentDue = p.Installments[n-1].DueDate.Add(p.Plan.InstallmentInterval)
	}
}

func refreshHealth(p *domain.Position) {
	p.CurrentHealthFactor = credit.HealthFactor(p.CollateralValueUSD, p.OutstandingDebt())
	p.HealthStatus = credit.ClassifyHealth(p.CurrentHealthFactor)
}
