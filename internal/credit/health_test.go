package credit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

func TestHealthFactor(t *testing.T) {
	// 100.00 collateral against 71.00 debt is just over the healthy line.
	assert.Equal(t, int64(14_084), HealthFactor(100_000_000, 71_000_000))

	// Exact ratio.
	assert.Equal(t, int64(12_500), HealthFactor(100_000_000, 80_000_000))

	// 100 / 91 lands below the liquidation threshold.
	assert.Equal(t, int64(10_989), HealthFactor(100_000_000, 91_000_000))

	// No debt means infinite health.
	assert.Equal(t, HealthFactorInfinite, HealthFactor(100_000_000, 0))
	assert.Equal(t, HealthFactorInfinite, HealthFactor(0, 0))

	// Zero collateral with debt is fully underwater.
	assert.Equal(t, int64(0), HealthFactor(0, 50_000_000))
}

func TestHealthFactorLargeValues(t *testing.T) {
	// Values near MaxInt64 must not overflow the intermediate product.
	assert.Equal(t, int64(10_000), HealthFactor(math.MaxInt64, math.MaxInt64))

	// A ratio too large for int64 saturates to the infinite sentinel.
	assert.Equal(t, HealthFactorInfinite, HealthFactor(math.MaxInt64, 1))
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		bps  int64
		want domain.HealthStatus
	}{
		{HealthFactorInfinite, domain.HealthHealthy},
		{14_000, domain.HealthHealthy},
		{13_999, domain.HealthWarning},
		{12_500, domain.HealthWarning},
		{12_499, domain.HealthCritical},
		{11_000, domain.HealthCritical},
		{10_999, domain.HealthLiquidatable},
		{0, domain.HealthLiquidatable},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ClassifyHealth(tc.bps), "bps=%d", tc.bps)
	}
}

func TestMaxBorrowCapacity(t *testing.T) {
	// 100.00 collateral at 70% LTV with 50.00 already drawn leaves 20.00.
	assert.Equal(t, int64(20_000_000), MaxBorrowCapacity(100_000_000, 7_000, 50_000_000))

	// Fully drawn.
	assert.Equal(t, int64(0), MaxBorrowCapacity(100_000_000, 7_000, 70_000_000))

	// Over-drawn after a price drop clamps to zero rather than going negative.
	assert.Equal(t, int64(0), MaxBorrowCapacity(50_000_000, 7_000, 70_000_000))
}
