// Package credit contains the pure calculation layer: health factor,
// installment schedules, and missed-payment detection. Nothing here touches
// storage or the ledger, which keeps the math trivially testable.
package credit

import (
	"math"
	"math/big"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

const (
	// BasisPoints is the fixed-point scale for ratios.
	BasisPoints = 10_000

	// HealthFactorInfinite is the sentinel returned when a position carries
	// no debt.
	HealthFactorInfinite = int64(math.MaxInt64)

	// Health classification thresholds, in basis points.
	ThresholdHealthy      = 14_000
	ThresholdWarning      = 12_500
	ThresholdLiquidatable = 11_000
)

var bpsBig = big.NewInt(BasisPoints)

// HealthFactor returns collateralValueUSD / outstandingDebt in basis points.
// Intermediate math runs through big.Int so large collateral values cannot
// overflow int64.
func HealthFactor(collateralValueUSD, outstandingDebt int64) int64 {
	if outstandingDebt <= 0 {
		return HealthFactorInfinite
	}
	num := new(big.Int).Mul(big.NewInt(collateralValueUSD), bpsBig)
	num.Quo(num, big.NewInt(outstandingDebt))
	if !num.IsInt64() {
		return HealthFactorInfinite
	}
	return num.Int64()
}

// ClassifyHealth maps a health factor to its status band.
func ClassifyHealth(healthFactorBps int64) domain.HealthStatus {
	switch {
	case healthFactorBps >= ThresholdHealthy:
		return domain.HealthHealthy
	case healthFactorBps >= ThresholdWarning:
		return domain.HealthWarning
	case healthFactorBps >= ThresholdLiquidatable:
		return domain.HealthCritical
	default:
		return domain.HealthLiquidatable
	}
}

// MaxBorrowCapacity is the remaining LTV headroom:
// collateralValueUSD * ltvBps / 10000 - outstandingDebt. Never negative.
func MaxBorrowCapacity(collateralValueUSD, ltvBps, outstandingDebt int64) int64 {
	cap := new(big.Int).Mul(big.NewInt(collateralValueUSD), big.NewInt(ltvBps))
	cap.Quo(cap, bpsBig)
	cap.Sub(cap, big.NewInt(outstandingDebt))
	if cap.Sign() < 0 {
		return 0
	}
	if !cap.IsInt64() {
		return math.MaxInt64
	}
	return cap.Int64()
}
