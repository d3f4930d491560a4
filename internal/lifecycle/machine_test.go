package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newActive builds an ACTIVE position with 100.00 collateral at 70% LTV.
func newActive() *domain.Position {
	return Create(domain.PositionCreated{
		PositionID:         42,
		Owner:              "0xabc",
		CollateralAmount:   1_000_000_000,
		CollateralValueUSD: 100_000_000,
		InitialLTV:         7_000,
	}, t0)
}

func borrowed(t *testing.T, amount int64) *domain.Position {
	t.Helper()
	p := newActive()
	require.NoError(t, Borrow(p, amount, 30*24*time.Hour, 6, t0))
	return p
}

func TestCreate(t *testing.T) {
	p := newActive()
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Equal(t, int64(0), p.OutstandingDebt())
	assert.Equal(t, domain.HealthHealthy, p.HealthStatus)
	assert.Nil(t, p.Plan)
}

func TestBorrowBuildsPlan(t *testing.T) {
	p := borrowed(t, 60_000_000)

	assert.Equal(t, int64(60_000_000), p.DebtPrincipal)
	require.NotNil(t, p.Plan)
	assert.True(t, p.Plan.IsActive)
	assert.Equal(t, 6, p.Plan.NumberOfInstallments)
	require.Len(t, p.Installments, 6)
	assert.Equal(t, p.Installments[0].DueDate, p.Plan.NextPaymentDue)

	// 100/60 = 16666 bps.
	assert.Equal(t, int64(16_666), p.CurrentHealthFactor)
	assert.Equal(t, domain.HealthHealthy, p.HealthStatus)
}

func TestBorrowSecondDrawKeepsSchedule(t *testing.T) {
	p := borrowed(t, 30_000_000)
	due := p.Plan.NextPaymentDue

	require.NoError(t, Borrow(p, 20_000_000, 60*24*time.Hour, 12, t0.Add(time.Hour)))
	assert.Equal(t, int64(50_000_000), p.DebtPrincipal)
	assert.Equal(t, 6, p.Plan.NumberOfInstallments)
	assert.Equal(t, due, p.Plan.NextPaymentDue)
}

func TestBorrowCapacityGuard(t *testing.T) {
	p := newActive()

	// 70% LTV on 100.00 caps the draw at 70.00.
	err := Borrow(p, 70_000_001, 30*24*time.Hour, 6, t0)
	var ice *domain.InsufficientCapacity
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(70_000_000), ice.Capacity)
	assert.Equal(t, int64(0), p.DebtPrincipal)
	assert.Nil(t, p.Plan)

	require.NoError(t, Borrow(p, 70_000_000, 30*24*time.Hour, 6, t0))
}

func TestBorrowRejectsNonActive(t *testing.T) {
	p := newActive()
	p.Status = domain.StatusLiquidated
	var gv *domain.GuardViolation
	require.ErrorAs(t, Borrow(p, 1_000_000, time.Hour, 1, t0), &gv)
	assert.Equal(t, "borrow", gv.Transition)
}

func TestRepayInterestFirst(t *testing.T) {
	p := borrowed(t, 60_000_000)
	p.InterestAccrued = 2_000_000

	require.NoError(t, Repay(p, 5_000_000, t0.Add(time.Hour)))
	assert.Equal(t, int64(0), p.InterestAccrued)
	assert.Equal(t, int64(57_000_000), p.DebtPrincipal)
}

func TestRepayMarksInstallmentOnlyWhenCovered(t *testing.T) {
	p := borrowed(t, 60_000_000)
	first := p.Installments[0].Amount // 10_000_000

	// A partial payment reduces debt but leaves the installment pending.
	require.NoError(t, Repay(p, first-1, t0.Add(time.Hour)))
	assert.Equal(t, domain.InstallmentPending, p.Installments[0].Status)
	assert.Equal(t, 0, p.Plan.InstallmentsPaid)

	// Covering the installment marks it paid and advances the due pointer.
	require.NoError(t, Repay(p, first, t0.Add(2*time.Hour)))
	assert.Equal(t, domain.InstallmentPaid, p.Installments[0].Status)
	require.NotNil(t, p.Installments[0].PaidAt)
	assert.Equal(t, 1, p.Plan.InstallmentsPaid)
	assert.Equal(t, p.Installments[1].DueDate, p.Plan.NextPaymentDue)
}

func TestRepayLeftoverDoesNotAdvanceFurtherInstallments(t *testing.T) {
	p := borrowed(t, 60_000_000)
	first := p.Installments[0].Amount

	// Paying well over one installment still marks exactly one.
	require.NoError(t, Repay(p, first*2+5, t0.Add(time.Hour)))
	assert.Equal(t, domain.InstallmentPaid, p.Installments[0].Status)
	assert.Equal(t, domain.InstallmentPending, p.Installments[1].Status)
	assert.Equal(t, 1, p.Plan.InstallmentsPaid)
}

func TestRepayFullTransitionsToRepaid(t *testing.T) {
	p := borrowed(t, 60_000_000)

	require.NoError(t, Repay(p, 60_000_000, t0.Add(time.Hour)))
	assert.Equal(t, domain.StatusRepaid, p.Status)
	assert.False(t, p.Plan.IsActive)
	assert.Equal(t, int64(0), p.OutstandingDebt())
}

func TestRepayOverpaymentRejected(t *testing.T) {
	p := borrowed(t, 60_000_000)
	var verr *domain.ValidationError
	require.ErrorAs(t, Repay(p, 60_000_001, t0), &verr)
	assert.Equal(t, int64(60_000_000), p.DebtPrincipal)
}

func TestMarkMissedAdvancesAndLatchesDefault(t *testing.T) {
	p := borrowed(t, 60_000_000)
	interval := p.Plan.InstallmentInterval

	// Not yet due.
	_, err := MarkMissed(p, p.Plan.NextPaymentDue)
	var gv *domain.GuardViolation
	require.ErrorAs(t, err, &gv)

	// Three misses in a row latch the default flag.
	for i := 1; i <= 3; i++ {
		now := t0.Add(time.Duration(i)*interval + time.Minute)
		n, err := MarkMissed(p, now)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, domain.InstallmentMissed, p.Installments[i-1].Status)
		assert.Equal(t, i, p.Plan.MissedPayments)
	}
	assert.True(t, p.IsDefaulted)

	// The miss count is monotone; nothing un-misses an installment.
	require.NoError(t, Repay(p, p.Installments[3].Amount, t0.Add(4*interval)))
	assert.Equal(t, domain.InstallmentMissed, p.Installments[0].Status)
	assert.Equal(t, 3, p.Plan.MissedPayments)
}

func TestApplyMissedConverges(t *testing.T) {
	p := borrowed(t, 60_000_000)
	interval := p.Plan.InstallmentInterval

	_, err := MarkMissed(p, t0.Add(interval+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Plan.MissedPayments)

	// The on-chain event for the same installment is a no-op.
	require.NoError(t, ApplyMissed(p, 1, t0.Add(interval+2*time.Minute)))
	assert.Equal(t, 1, p.Plan.MissedPayments)

	// Out-of-range installment numbers are rejected.
	var verr *domain.ValidationError
	require.ErrorAs(t, ApplyMissed(p, 7, t0), &verr)
	require.ErrorAs(t, ApplyMissed(p, 0, t0), &verr)

	// A not-yet-marked installment is applied directly.
	require.NoError(t, ApplyMissed(p, 2, t0.Add(2*interval)))
	assert.Equal(t, 2, p.Plan.MissedPayments)
}

func TestMarkDefaultedMonotone(t *testing.T) {
	p := borrowed(t, 60_000_000)

	require.NoError(t, MarkDefaulted(p, t0.Add(time.Hour)))
	assert.True(t, p.IsDefaulted)
	require.NoError(t, MarkDefaulted(p, t0.Add(2*time.Hour)))
	assert.True(t, p.IsDefaulted)

	p.Status = domain.StatusSettled
	var gv *domain.GuardViolation
	require.ErrorAs(t, MarkDefaulted(p, t0), &gv)
}

func TestLiquidateRequiresDefaultOrLiquidatable(t *testing.T) {
	p := borrowed(t, 60_000_000)

	var gv *domain.GuardViolation
	require.ErrorAs(t, Liquidate(p, 7, "0xdead", t0), &gv)

	// A price crash makes the position liquidatable without a default.
	require.NoError(t, Reprice(p, 50_000_000, t0.Add(time.Hour)))
	assert.Equal(t, domain.HealthLiquidatable, p.HealthStatus)

	require.NoError(t, Liquidate(p, 7, "0xdead", t0.Add(2*time.Hour)))
	assert.Equal(t, domain.StatusLiquidated, p.Status)
	assert.Equal(t, int64(0), p.CollateralAmount)
	assert.False(t, p.Plan.IsActive)
	require.NotNil(t, p.Liquidation)
	assert.Equal(t, int64(7), p.Liquidation.ListingID)
	assert.Equal(t, "0xdead", p.Liquidation.TxHash)
}

func TestOutstandingDebtMatchesUnpaidInstallments(t *testing.T) {
	// The uneven 50M/6 split exercises the remainder installment.
	p := borrowed(t, 50_000_000)
	require.Equal(t, p.UnpaidTotal(), p.OutstandingDebt())

	// Paying each installment in schedule order keeps outstanding debt
	// equal to the sum of the installments still unpaid.
	now := t0
	for i := 0; i < 6; i++ {
		now = now.Add(5 * 24 * time.Hour)
		require.NoError(t, Repay(p, p.Installments[i].Amount, now))
		assert.Equal(t, p.UnpaidTotal(), p.OutstandingDebt())
	}

	assert.Equal(t, domain.StatusRepaid, p.Status)
	assert.Zero(t, p.OutstandingDebt())
	assert.Zero(t, p.UnpaidTotal())
}

func TestLiquidateDefaultedPosition(t *testing.T) {
	p := borrowed(t, 60_000_000)
	require.NoError(t, MarkDefaulted(p, t0))
	require.NoError(t, Liquidate(p, 9, "0xbeef", t0.Add(time.Hour)))
	assert.Equal(t, domain.StatusLiquidated, p.Status)
}

func TestWithdraw(t *testing.T) {
	p := borrowed(t, 60_000_000)

	// Debt outstanding blocks withdrawal.
	var gv *domain.GuardViolation
	require.ErrorAs(t, Withdraw(p, 1, t0), &gv)

	require.NoError(t, Repay(p, 60_000_000, t0.Add(time.Hour)))
	assert.Equal(t, domain.StatusRepaid, p.Status)

	// Partial withdrawal from REPAID keeps the position open.
	require.NoError(t, Withdraw(p, 400_000_000, t0.Add(2*time.Hour)))
	assert.Equal(t, int64(600_000_000), p.CollateralAmount)
	assert.Equal(t, domain.StatusRepaid, p.Status)

	// Draining it closes it.
	require.NoError(t, Withdraw(p, 600_000_000, t0.Add(3*time.Hour)))
	assert.Equal(t, domain.StatusClosed, p.Status)

	// Terminal states are immutable.
	require.ErrorAs(t, Withdraw(p, 1, t0), &gv)
}

func TestWithdrawFromActiveWithoutDebt(t *testing.T) {
	p := newActive()
	require.NoError(t, Withdraw(p, 250_000_000, t0.Add(time.Hour)))
	assert.Equal(t, int64(750_000_000), p.CollateralAmount)
	assert.Equal(t, domain.StatusActive, p.Status)

	var verr *domain.ValidationError
	require.ErrorAs(t, Withdraw(p, 800_000_000, t0), &verr)
}

func TestRepriceUpdatesHealthBand(t *testing.T) {
	p := borrowed(t, 70_000_000)
	assert.Equal(t, int64(14_285), p.CurrentHealthFactor)
	assert.Equal(t, domain.HealthHealthy, p.HealthStatus)

	require.NoError(t, Reprice(p, 90_000_000, t0.Add(time.Hour)))
	assert.Equal(t, int64(12_857), p.CurrentHealthFactor)
	assert.Equal(t, domain.HealthWarning, p.HealthStatus)

	require.NoError(t, Reprice(p, 80_000_000, t0.Add(2*time.Hour)))
	assert.Equal(t, domain.HealthCritical, p.HealthStatus)

	var verr *domain.ValidationError
	require.ErrorAs(t, Reprice(p, -1, t0), &verr)
}

func TestApplyPlanRebuildsMissingSchedule(t *testing.T) {
	p := newActive()
	p.DebtPrincipal = 60_000_000

	require.NoError(t, ApplyPlan(p, 60_000_000, 6, 5*24*time.Hour, t0))
	require.NotNil(t, p.Plan)
	assert.Equal(t, 6, p.Plan.NumberOfInstallments)
	assert.Equal(t, 5*24*time.Hour, p.Plan.InstallmentInterval)
	require.Len(t, p.Installments, 6)

	// Re-application is a no-op.
	before := p.Plan.NextPaymentDue
	require.NoError(t, ApplyPlan(p, 60_000_000, 12, time.Hour, t0.Add(time.Hour)))
	assert.Equal(t, 6, p.Plan.NumberOfInstallments)
	assert.Equal(t, before, p.Plan.NextPaymentDue)
}
