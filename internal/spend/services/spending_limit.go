package services

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

const maxTimezoneOffset = 14 * time.Hour

// SpendingLimitLedger renews and charges the rolling USD budget of an account.
// Every method works on the value it is given; persistence is the caller's job.
type SpendingLimitLedger struct {
	cfg *config.Engine
}

func NewSpendingLimitLedger(cfg *config.Engine) *SpendingLimitLedger {
	return &SpendingLimitLedger{cfg: cfg}
}

// nextDay returns the next local midnight strictly after now.
func nextDay(now time.Time, offset time.Duration) time.Time {
	local := now.UTC().Add(offset)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1).Add(-offset)
}

// nextMonth returns the first local midnight of the next month.
func nextMonth(now time.Time, offset time.Duration) time.Time {
	local := now.UTC().Add(offset)
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0).Add(-offset)
}

// ApplicableLimit returns limit as it stands at now: elapsed windows are
// renewed and a matured pending change becomes active.
func (l *SpendingLimitLedger) ApplicableLimit(limit interfaces.SpendingLimit, now time.Time) interfaces.SpendingLimit {
	if !now.Before(limit.DailyRenewalTimestamp) {
		limit.SpentToday = decimal.Zero
		limit.DailyRenewalTimestamp = nextDay(now, limit.TimezoneOffset)
	}
	if !now.Before(limit.MonthlyRenewalTimestamp) {
		limit.SpentThisMonth = decimal.Zero
		limit.MonthlyRenewalTimestamp = nextMonth(now, limit.TimezoneOffset)
	}
	if limit.HasPendingChange() && !now.Before(limit.LimitChangeActivationTime) {
		limit.DailyLimit = limit.NewDailyLimit
		limit.MonthlyLimit = limit.NewMonthlyLimit
		limit = clearPending(limit)
	}
	return limit
}

func clearPending(limit interfaces.SpendingLimit) interfaces.SpendingLimit {
	limit.NewDailyLimit = decimal.Zero
	limit.NewMonthlyLimit = decimal.Zero
	limit.LimitChangeActivationTime = time.Time{}
	return limit
}

// Initialize sets the first limit of an account.
func (l *SpendingLimitLedger) Initialize(daily, monthly decimal.Decimal, offset time.Duration, now time.Time) (interfaces.SpendingLimit, error) {
	if daily.IsNegative() || monthly.IsNegative() {
		return interfaces.SpendingLimit{}, interfaces.ErrInvalidInput.Explain("limits cannot be negative")
	}
	if daily.GreaterThan(monthly) {
		return interfaces.SpendingLimit{}, interfaces.ErrDailyLimitAboveMonthly
	}
	if offset > maxTimezoneOffset || offset < -maxTimezoneOffset {
		return interfaces.SpendingLimit{}, interfaces.ErrInvalidTimezoneOffset.Explain("offset %s", offset)
	}
	return interfaces.SpendingLimit{
		DailyLimit:              daily,
		MonthlyLimit:            monthly,
		SpentToday:              decimal.Zero,
		SpentThisMonth:          decimal.Zero,
		NewDailyLimit:           decimal.Zero,
		NewMonthlyLimit:         decimal.Zero,
		DailyRenewalTimestamp:   nextDay(now, offset),
		MonthlyRenewalTimestamp: nextMonth(now, offset),
		TimezoneOffset:          offset,
	}, nil
}

// UpdateLimit raises limits at once and stages decreases behind the spend
// limit delay. Daily and monthly are decided independently.
func (l *SpendingLimitLedger) UpdateLimit(limit interfaces.SpendingLimit, newDaily, newMonthly decimal.Decimal, now time.Time) (interfaces.SpendingLimit, error) {
	if newDaily.IsNegative() || newMonthly.IsNegative() {
		return limit, interfaces.ErrInvalidInput.Explain("limits cannot be negative")
	}
	if newDaily.GreaterThan(newMonthly) {
		return limit, interfaces.ErrDailyLimitAboveMonthly
	}

	limit = clearPending(l.ApplicableLimit(limit, now))

	dailyStaged := newDaily.LessThan(limit.DailyLimit)
	monthlyStaged := newMonthly.LessThan(limit.MonthlyLimit)
	if !dailyStaged {
		limit.DailyLimit = newDaily
	}
	if !monthlyStaged {
		limit.MonthlyLimit = newMonthly
	}
	if dailyStaged || monthlyStaged {
		limit.NewDailyLimit = newDaily
		limit.NewMonthlyLimit = newMonthly
		limit.LimitChangeActivationTime = now.Add(l.cfg.SpendLimitDelay())
		if !limit.LimitChangeActivationTime.After(now) {
			limit.DailyLimit, limit.MonthlyLimit = newDaily, newMonthly
			limit = clearPending(limit)
		}
	}
	return limit, nil
}

// effective returns the limits a charge is checked against: the lower of the
// active and the incoming value.
func effective(limit interfaces.SpendingLimit) (daily, monthly decimal.Decimal) {
	daily, monthly = limit.DailyLimit, limit.MonthlyLimit
	if limit.HasPendingChange() {
		daily = decimal.Min(daily, limit.NewDailyLimit)
		monthly = decimal.Min(monthly, limit.NewMonthlyLimit)
	}
	return daily, monthly
}

// Charge admits amountInUSD against limit and returns the charged limit.
func (l *SpendingLimitLedger) Charge(limit interfaces.SpendingLimit, amountInUSD decimal.Decimal, now time.Time) (interfaces.SpendingLimit, error) {
	limit = l.ApplicableLimit(limit, now)
	daily, monthly := effective(limit)
	if limit.SpentToday.Add(amountInUSD).GreaterThan(daily) {
		return limit, interfaces.ErrExceededDailySpendingLimit.Explain("spent %s of %s, requested %s", limit.SpentToday, daily, amountInUSD)
	}
	if limit.SpentThisMonth.Add(amountInUSD).GreaterThan(monthly) {
		return limit, interfaces.ErrExceededMonthlySpendingLimit.Explain("spent %s of %s, requested %s", limit.SpentThisMonth, monthly, amountInUSD)
	}
	limit.SpentToday = limit.SpentToday.Add(amountInUSD)
	limit.SpentThisMonth = limit.SpentThisMonth.Add(amountInUSD)
	return limit, nil
}

// MaxCanSpend returns the USD still admissible at now.
func (l *SpendingLimitLedger) MaxCanSpend(limit interfaces.SpendingLimit, now time.Time) decimal.Decimal {
	limit = l.ApplicableLimit(limit, now)
	daily, monthly := effective(limit)
	left := decimal.Min(daily.Sub(limit.SpentToday), monthly.Sub(limit.SpentThisMonth))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
