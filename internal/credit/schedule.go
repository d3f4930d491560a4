package credit

import (
	"time"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// BuildSchedule splits totalDebt into n installments due at fixed intervals
// over loanDuration. Both the interval and the base amount use integer
// division; the rounding remainder is absorbed by the last installment so
// the schedule sums exactly to totalDebt.
func BuildSchedule(totalDebt int64, borrowedAt time.Time, loanDuration time.Duration, n int) ([]domain.Installment, time.Duration, error) {
	if totalDebt <= 0 {
		return nil, 0, &domain.ValidationError{Field: "totalDebt", Reason: "must be positive"}
	}
	if n <= 0 {
		return nil, 0, &domain.ValidationError{Field: "numberOfInstallments", Reason: "must be positive"}
	}
	if loanDuration <= 0 {
		return nil, 0, &domain.ValidationError{Field: "loanDuration", Reason: "must be positive"}
	}

	interval := loanDuration / time.Duration(n)
	base := totalDebt / int64(n)

	installments := make([]domain.Installment, n)
	for i := 0; i < n; i++ {
		amount := base
		if i == n-1 {
			amount = totalDebt - base*int64(n-1)
		}
		installments[i] = domain.Installment{
			Number:  i + 1,
			DueDate: borrowedAt.Add(time.Duration(i+1) * interval),
			Amount:  amount,
			Status:  domain.InstallmentPending,
		}
	}
	return installments, interval, nil
}

// IsMissed reports whether a PENDING installment is past due at now.
func IsMissed(inst domain.Installment, now time.Time) bool {
	return now.After(inst.DueDate) && inst.Status == domain.InstallmentPending
}
