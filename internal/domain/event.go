package domain

import (
	"fmt"
	"time"
)

// Transition names reported to the notification hook and the audit log.
const (
	TransitionCreated    = "position_created"
	TransitionBorrowed   = "borrowed"
	TransitionPlanSet    = "repayment_plan_created"
	TransitionRepaid     = "repaid"
	TransitionMissed     = "missed_payment"
	TransitionDefaulted  = "defaulted"
	TransitionLiquidated = "liquidated"
	TransitionSettled    = "settled"
	TransitionWithdrawn  = "collateral_withdrawn"
	TransitionRepriced   = "repriced"
	TransitionResynced   = "resynced"
)

// EventMeta carries the ledger coordinates of an emitted event. BlockTime is
// the authoritative event time; handlers never substitute wall-clock time.
type EventMeta struct {
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockTime   time.Time
}

// Key is the idempotency key: an event is applied at most once per key.
func (m EventMeta) Key() string {
	return fmt.Sprintf("%s:%d", m.TxHash, m.LogIndex)
}

// Event is one member of the closed set of ledger event payloads.
type Event interface {
	// Type returns the ledger event name.
	Type() string
	// Position returns the position the event belongs to.
	Position() int64
}

// Envelope pairs a decoded payload with its ledger coordinates.
type Envelope struct {
	Meta    EventMeta
	Payload Event
}

// PositionCreated is emitted when collateral is first deposited.
type PositionCreated struct {
	PositionID         int64
	Owner              string
	CollateralAmount   int64
	CollateralValueUSD int64
	InitialLTV         int64 // basis points
}

// USDCBorrowed is emitted when the owner draws debt against collateral.
type USDCBorrowed struct {
	PositionID   int64
	Amount       int64
	LoanDuration time.Duration
	Installments int
}

// RepaymentPlanCreated confirms the on-chain installment schedule.
type RepaymentPlanCreated struct {
	PositionID   int64
	TotalDebt    int64
	Installments int
	Interval     time.Duration
}

// LoanRepaid is emitted on each repayment.
type LoanRepaid struct {
	PositionID int64
	Amount     int64
}

// MissedPaymentMarked records one installment passing its due date unpaid.
type MissedPaymentMarked struct {
	PositionID        int64
	InstallmentNumber int
}

// PositionDefaulted latches the default flag after repeated missed payments.
type PositionDefaulted struct {
	PositionID int64
}

// PositionLiquidated is emitted when collateral is seized and listed.
type PositionLiquidated struct {
	PositionID int64
	ListingID  int64
}

// LiquidationSettled carries proceeds from a liquidation sale. A position
// may settle across several events when proceeds arrive in tranches.
type LiquidationSettled struct {
	PositionID     int64
	AmountReceived int64
}

// CollateralWithdrawn is emitted when a debt-free owner reclaims collateral.
type CollateralWithdrawn struct {
	PositionID int64
	Amount     int64
}

func (e PositionCreated) Type() string      { return "PositionCreated" }
func (e USDCBorrowed) Type() string         { return "USDCBorrowed" }
func (e RepaymentPlanCreated) Type() string { return "RepaymentPlanCreated" }
func (e LoanRepaid) Type() string           { return "LoanRepaid" }
func (e MissedPaymentMarked) Type() string  { return "MissedPaymentMarked" }
func (e PositionDefaulted) Type() string    { return "PositionDefaulted" }
func (e PositionLiquidated) Type() string   { return "PositionLiquidated" }
func (e LiquidationSettled) Type() string   { return "LiquidationSettled" }
func (e CollateralWithdrawn) Type() string  { return "CollateralWithdrawn" }

func (e PositionCreated) Position() int64      { return e.PositionID }
func (e USDCBorrowed) Position() int64         { return e.PositionID }
func (e RepaymentPlanCreated) Position() int64 { return e.PositionID }
func (e LoanRepaid) Position() int64           { return e.PositionID }
func (e MissedPaymentMarked) Position() int64  { return e.PositionID }
func (e PositionDefaulted) Position() int64    { return e.PositionID }
func (e PositionLiquidated) Position() int64   { return e.PositionID }
func (e LiquidationSettled) Position() int64   { return e.PositionID }
func (e CollateralWithdrawn) Position() int64  { return e.PositionID }

// AppliedEvent is the durable attribution of one position mutation. For
// ledger events TxHash/LogIndex come from the chain; scheduler and admin
// actions use a synthetic "admin:<uuid>" tx hash with log index zero so the
// same at-most-once machinery covers them.
type AppliedEvent struct {
	TxHash      string
	LogIndex    uint
	EventType   string
	PositionID  int64
	BlockNumber uint64
	AppliedAt   time.Time
}

// AdminAction builds the attribution record for a scheduler or operator
// mutation that has no originating ledger event.
func AdminAction(eventType string, positionID int64, nonce string) AppliedEvent {
	return AppliedEvent{
		TxHash:     "admin:" + nonce,
		LogIndex:   0,
		EventType:  eventType,
		PositionID: positionID,
	}
}

// Watermark records the highest fully processed block for one contract.
type Watermark struct {
	ContractAddress    string
	LastProcessedBlock uint64
	UpdatedAt          time.Time
}
