// Package domain defines the core lending entities, the ledger event union,
// and the store interfaces shared by every other package. Monetary amounts
// are int64 fixed-point with 6 decimals (USDC base units); ratios such as
// LTV and health factor are expressed in basis points.
package domain

import "time"

// HealthStatus classifies a position's collateralization level.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "HEALTHY"
	HealthWarning      HealthStatus = "WARNING"
	HealthCritical     HealthStatus = "CRITICAL"
	HealthLiquidatable HealthStatus = "LIQUIDATABLE"
)

// PositionStatus tracks where a position sits in its lifecycle. Transitions
// are monotone: once a position leaves ACTIVE it never returns, and SETTLED
// and CLOSED are immutable terminal states.
type PositionStatus string

const (
	StatusActive     PositionStatus = "ACTIVE"
	StatusRepaid     PositionStatus = "REPAID"
	StatusLiquidated PositionStatus = "LIQUIDATED"
	StatusSettled    PositionStatus = "SETTLED"
	StatusClosed     PositionStatus = "CLOSED"
)

// Terminal reports whether the status permits no further mutation.
func (s PositionStatus) Terminal() bool {
	return s == StatusSettled || s == StatusClosed
}

// InstallmentStatus is the payment state of a single installment.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentMissed  InstallmentStatus = "MISSED"
)

// Installment is one scheduled partial repayment.
type Installment struct {
	Number  int // 1-indexed
	DueDate time.Time
	Amount  int64
	Status  InstallmentStatus
	PaidAt  *time.Time
}

// RepaymentPlan holds the installment bookkeeping for a borrowed position.
type RepaymentPlan struct {
	NumberOfInstallments int
	InstallmentInterval  time.Duration
	InstallmentsPaid     int
	MissedPayments       int
	NextPaymentDue       time.Time
	IsActive             bool
}

// LiquidationRecord captures the on-chain liquidation of a position.
type LiquidationRecord struct {
	Timestamp time.Time
	ListingID int64
	TxHash    string
}

// SettlementRecord is the audited outcome of the settlement waterfall.
// Amounts accumulate across partial settlements of the same position.
type SettlementRecord struct {
	Timestamp          time.Time
	PrincipalRepaid    int64
	InterestRepaid     int64
	SurplusReturned    int64
	CollateralReturned int64
	TxHash             string
}

// Position is the off-chain record of one collateral deposit and the loan
// against it. It is the aggregate root: the plan, installments, and records
// are loaded and saved with it. Version is an optimistic-concurrency counter
// bumped on every persisted mutation.
type Position struct {
	PositionID          int64
	Owner               string
	CollateralAmount    int64
	CollateralValueUSD  int64
	DebtPrincipal       int64
	InterestAccrued     int64
	InitialLTV          int64 // basis points
	CurrentHealthFactor int64 // basis points
	HealthStatus        HealthStatus
	Status              PositionStatus
	IsDefaulted         bool
	Version             int64

	Plan         *RepaymentPlan
	Installments []Installment
	Liquidation  *LiquidationRecord
	Settlement   *SettlementRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutstandingDebt is principal plus accrued interest.
func (p *Position) OutstandingDebt() int64 {
	return p.DebtPrincipal + p.InterestAccrued
}

// EarliestPending returns the first PENDING installment, or nil.
func (p *Position) EarliestPending() *Installment {
	for i := range p.Installments {
		if p.Installments[i].Status == InstallmentPending {
			return &p.Installments[i]
		}
	}
	return nil
}

// UnpaidTotal sums the amounts of all installments not yet PAID.
func (p *Position) UnpaidTotal() int64 {
	var total int64
	for i := range p.Installments {
		if p.Installments[i].Status != InstallmentPaid {
			total += p.Installments[i].Amount
		}
	}
	return total
}
