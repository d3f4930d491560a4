package lifecycle

import (
	"time"

	"github.com/alanyoungcy/loanledger/internal/credit"
	"github.com/alanyoungcy/loanledger/internal/domain"
)

// Allocation is the audited outcome of one waterfall application.
type Allocation struct {
	PrincipalRepaid    int64
	InterestRepaid     int64
	SurplusReturned    int64
	CollateralReturned int64
	Settled            bool
}

// Settle applies liquidation proceeds through the waterfall, in strict
// order and stopping at the first step left short:
//
//  1. repay debtPrincipal;
//  2. repay interestAccrued;
//  3. return the remainder plus any residual collateral to the owner as
//     surplus and mark the position SETTLED.
//
// A shortfall leaves the position LIQUIDATED so a later tranche of proceeds
// can continue where this one stopped. Allocations accumulate into the
// position's SettlementRecord.
func Settle(p *domain.Position, amountReceived int64, txHash string, at time.Time) (Allocation, error) {
	if amountReceived < 0 {
		return Allocation{}, &domain.ValidationError{Field: "amountReceived", Reason: "must not be negative"}
	}
	if p.Status != domain.StatusLiquidated {
		return Allocation{}, &domain.GuardViolation{Transition: "settle", Status: p.Status, Reason: "position not liquidated"}
	}

	var alloc Allocation
	remaining := amountReceived

	alloc.PrincipalRepaid = min(remaining, p.DebtPrincipal)
	p.DebtPrincipal -= alloc.PrincipalRepaid
	remaining -= alloc.PrincipalRepaid

	if p.DebtPrincipal == 0 {
		alloc.InterestRepaid = min(remaining, p.InterestAccrued)
		p.InterestAccrued -= alloc.InterestRepaid
		remaining -= alloc.InterestRepaid

		if p.InterestAccrued == 0 {
			alloc.SurplusReturned = remaining
			alloc.CollateralReturned = p.CollateralAmount
			p.CollateralAmount = 0
			p.Status = domain.StatusSettled
			alloc.Settled = true
		}
	}

	rec := p.Settlement
	if rec == nil {
		rec = &domain.SettlementRecord{}
		p.Settlement = rec
	}
	rec.Timestamp = at
	rec.TxHash = txHash
	rec.PrincipalRepaid += alloc.PrincipalRepaid
	rec.InterestRepaid += alloc.InterestRepaid
	rec.SurplusReturned += alloc.SurplusReturned
	rec.CollateralReturned += alloc.CollateralReturned

	p.CurrentHealthFactor = credit.HealthFactor(p.CollateralValueUSD, p.OutstandingDebt())
	p.HealthStatus = credit.ClassifyHealth(p.CurrentHealthFactor)
	p.UpdatedAt = at
	return alloc, nil
}
