// Package chain is the typed client for the lending-ledger contract. It
// wraps an ethclient connection with ABI encoding, bounded-retry reads,
// signed writes, and decoding of emitted events into the domain event union.
package chain

import (
	"time"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// ClientConfig holds connection and polling parameters for the ledger.
type ClientConfig struct {
	RPCURL          string
	ContractAddress string
	CollateralToken string
	ChainID         int64
	// Confirmations is how many blocks behind the head the client treats as
	// final; FilterEvents never reads past head minus Confirmations.
	Confirmations uint64
	// MaxBlockRange is the provider's maximum queryable span per getLogs call.
	MaxBlockRange uint64
	// MaxRetries caps the exponential-backoff retry attempts per RPC call.
	MaxRetries uint
	// ConfirmTimeout bounds how long a write waits for its receipt.
	ConfirmTimeout time.Duration
	// GasLimit for contract writes.
	GasLimit uint64
}

// PositionState is the contract's view of a position, used by the admin
// resync path to overwrite drifted local state.
type PositionState struct {
	Owner              string
	CollateralAmount   int64
	CollateralValueUSD int64
	DebtPrincipal      int64
	InterestAccrued    int64
	InitialLTV         int64
	Status             domain.PositionStatus
	IsDefaulted        bool
}

// PlanState is the contract's view of a repayment plan.
type PlanState struct {
	NumberOfInstallments int
	InstallmentInterval  time.Duration
	InstallmentsPaid     int
	MissedPayments       int
	NextPaymentDue       time.Time
	IsActive             bool
}

// contract status codes, matching the Solidity enum ordering.
var statusByCode = map[uint8]domain.PositionStatus{
	0: domain.StatusActive,
	1: domain.StatusRepaid,
	2: domain.StatusLiquidated,
	3: domain.StatusSettled,
	4: domain.StatusClosed,
}
