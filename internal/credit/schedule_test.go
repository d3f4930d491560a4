package credit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

func TestBuildSchedule(t *testing.T) {
	borrowedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	duration := 30 * 24 * time.Hour

	insts, interval, err := BuildSchedule(50_000_000, borrowedAt, duration, 6)
	require.NoError(t, err)
	require.Len(t, insts, 6)
	assert.Equal(t, duration/6, interval)

	// Integer division leaves a remainder on the last installment.
	var sum int64
	for i, inst := range insts {
		assert.Equal(t, i+1, inst.Number)
		assert.Equal(t, domain.InstallmentPending, inst.Status)
		assert.Equal(t, borrowedAt.Add(time.Duration(i+1)*interval), inst.DueDate)
		sum += inst.Amount
	}
	assert.Equal(t, int64(8_333_333), insts[0].Amount)
	assert.Equal(t, int64(8_333_335), insts[5].Amount)
	assert.Equal(t, int64(50_000_000), sum)
}

func TestBuildScheduleEvenSplit(t *testing.T) {
	insts, _, err := BuildSchedule(60_000_000, time.Now(), 60 * 24 * time.Hour, 6)
	require.NoError(t, err)
	for _, inst := range insts {
		assert.Equal(t, int64(10_000_000), inst.Amount)
	}
}

func TestBuildScheduleRandomizedSplits(t *testing.T) {
	borrowedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		totalDebt := rng.Int63n(1_000_000_000_000) + 1
		n := rng.Intn(24) + 1
		duration := time.Duration(rng.Intn(720)+1) * time.Hour

		insts, interval, err := BuildSchedule(totalDebt, borrowedAt, duration, n)
		require.NoError(t, err)
		require.Len(t, insts, n)
		require.Equal(t, duration/time.Duration(n), interval)

		// Every split sums exactly: n-1 equal bases, remainder to the last.
		base := totalDebt / int64(n)
		var sum int64
		for j, inst := range insts {
			if j < n-1 {
				require.Equal(t, base, inst.Amount)
			}
			require.Equal(t, borrowedAt.Add(time.Duration(j+1)*interval), inst.DueDate)
			sum += inst.Amount
		}
		require.Equal(t, totalDebt, sum)
		require.GreaterOrEqual(t, insts[n-1].Amount, base)
		require.Less(t, insts[n-1].Amount, base+int64(n))
	}
}

func TestBuildScheduleValidation(t *testing.T) {
	now := time.Now()

	_, _, err := BuildSchedule(0, now, time.Hour, 3)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "totalDebt", verr.Field)

	_, _, err = BuildSchedule(1000, now, time.Hour, 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "numberOfInstallments", verr.Field)

	_, _, err = BuildSchedule(1000, now, 0, 3)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "loanDuration", verr.Field)
}

func TestIsMissed(t *testing.T) {
	due := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	inst := domain.Installment{Number: 1, DueDate: due, Amount: 100, Status: domain.InstallmentPending}

	assert.False(t, IsMissed(inst, due))
	assert.False(t, IsMissed(inst, due.Add(-time.Second)))
	assert.True(t, IsMissed(inst, due.Add(time.Second)))

	inst.Status = domain.InstallmentPaid
	assert.False(t, IsMissed(inst, due.Add(time.Hour)))
}
