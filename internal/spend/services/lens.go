package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

// Lens answers spend pre-flight questions without writing anything.
type Lens struct {
	router *SpendRouter
}

func NewLens(router *SpendRouter) *Lens {
	return &Lens{router: router}
}

// CanSpend replays admission of req. The reason is the error kind a real
// spend would fail with, empty when it would pass admission.
func (l *Lens) CanSpend(ctx context.Context, state *interfaces.AccountState, req *interfaces.SpendRequest, now time.Time) (bool, string) {
	if _, err := l.router.admit(ctx, state.Clone(), req, now); err != nil {
		return false, reasonOf(err)
	}
	return true, ""
}

func reasonOf(err error) string {
	if kind := errors.KindOf(err); kind != "" {
		return kind
	}
	return err.Error()
}

// MaxSpendable computes, for both modes, how much could be spent now. Debit
// drains tokens in preference order; Credit borrows the first borrowable
// preferred token up to the remaining capacity. Both are capped by the
// remaining spending limit.
func (l *Lens) MaxSpendable(ctx context.Context, state *interfaces.AccountState, preference []interfaces.Address, now time.Time) (*interfaces.MaxSpendable, error) {
	if err := checkDistinct(preference); err != nil {
		return nil, err
	}
	r := l.router
	remaining := r.limits.MaxCanSpend(state.SpendingLimit, now)

	out := &interfaces.MaxSpendable{
		Mode:           r.modes.GetMode(state, now),
		RemainingLimit: remaining,
		DebitTotalUSD:  decimal.Zero,
		CreditCapacity: decimal.Zero,
	}

	left := remaining
	for _, token := range preference {
		if !left.IsPositive() {
			break
		}
		if _, ok := r.cfg.Token(token); !ok {
			continue
		}
		balance, err := r.ledger.Balance(ctx, state.Account, token)
		if err != nil {
			return nil, err
		}
		available := balance.Sub(r.withdrawals.Earmarked(state, token))
		if !available.IsPositive() {
			continue
		}
		usd, err := r.debt.ConvertCollateralTokenToUSD(ctx, token, available)
		if err != nil {
			return nil, err
		}
		take := decimal.Min(usd, left)
		amount := available
		if take.LessThan(usd) {
			if amount, err = r.debt.ConvertUSDToCollateralToken(ctx, token, take); err != nil {
				return nil, err
			}
			amount = amount.Truncate(r.cfg.TokenDecimals(token))
		}
		out.Debit = append(out.Debit, interfaces.TokenAllocation{Token: token, Amount: amount, AmountInUSD: take})
		out.DebitTotalUSD = out.DebitTotalUSD.Add(take)
		left = left.Sub(take)
	}

	borrowed, err := r.debt.TotalBorrowing(ctx, state.Account)
	if err != nil {
		return nil, err
	}
	maxBorrow, err := r.debt.MaxBorrowAmount(ctx, state.Account)
	if err != nil {
		return nil, err
	}
	if capacity := maxBorrow.Sub(borrowed); capacity.IsPositive() {
		out.CreditCapacity = capacity
	}
	for _, token := range preference {
		if !r.debt.IsBorrowToken(ctx, token) {
			continue
		}
		take := decimal.Min(out.CreditCapacity, remaining)
		alloc := &interfaces.TokenAllocation{Token: token, Amount: decimal.Zero, AmountInUSD: take}
		if take.IsPositive() {
			amount, err := r.debt.ConvertUSDToCollateralToken(ctx, token, take)
			if err != nil {
				return nil, err
			}
			alloc.Amount = amount.Truncate(r.cfg.TokenDecimals(token))
		}
		out.Credit = alloc
		break
	}

	if out.Mode == interfaces.ModeCredit {
		out.SpendableNowUSD = decimal.Zero
		if out.Credit != nil {
			out.SpendableNowUSD = out.Credit.AmountInUSD
		}
	} else {
		out.SpendableNowUSD = out.DebitTotalUSD
	}
	return out, nil
}
