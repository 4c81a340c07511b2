package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/metrics"
)

// usdPrecision is the number of decimals kept on USD cashback amounts.
const usdPrecision = 6

// CashbackEngine pays cashback through the cashback dispatcher and books
// whatever the dispatcher cannot pay as pending on the account.
type CashbackEngine struct {
	cfg        *config.Engine
	dispatcher interfaces.CashbackDispatcher
	logger     *zap.Logger
}

func NewCashbackEngine(cfg *config.Engine, dispatcher interfaces.CashbackDispatcher, logger *zap.Logger) *CashbackEngine {
	return &CashbackEngine{cfg: cfg, dispatcher: dispatcher, logger: logger}
}

// SplitCashback divides total between the account and the spender. The
// account share is truncated and the spender takes the remainder, so the two
// always add up to total.
func SplitCashback(total, splitToSafe decimal.Decimal) (toSafe, toSpender decimal.Decimal) {
	toSafe = total.Mul(splitToSafe).Div(hundred).Truncate(usdPrecision)
	if toSafe.GreaterThan(total) {
		toSafe = total
	}
	return toSafe, total.Sub(toSafe)
}

var hundred = decimal.NewFromInt(100)

// Compute derives cashback entries for a spend from the tier and referrer
// percentages. It returns nil when no cashback token is configured.
func (c *CashbackEngine) Compute(state *interfaces.AccountState, spendUSD decimal.Decimal, spender, referrer interfaces.Address) []interfaces.CashbackEntry {
	token := c.cfg.CashbackToken()
	if token == interfaces.ZeroAddress || !spendUSD.IsPositive() {
		return nil
	}

	var entries []interfaces.CashbackEntry
	add := func(recipient interfaces.Address, amount decimal.Decimal, category interfaces.CashbackCategory) {
		if !amount.IsPositive() {
			return
		}
		entries = append(entries, interfaces.CashbackEntry{
			Recipient: recipient,
			Tokens:    []interfaces.CashbackToken{{Token: token, AmountInUSD: amount, Category: category}},
		})
	}

	total := spendUSD.Mul(c.cfg.TierCashbackPercentage(state.Tier)).Div(hundred).Truncate(usdPrecision)
	if spender == interfaces.ZeroAddress {
		add(state.Account, total, interfaces.CategoryRegular)
	} else {
		toSafe, toSpender := SplitCashback(total, state.CashbackSplitToSafe)
		add(state.Account, toSafe, interfaces.CategoryRegular)
		add(spender, toSpender, interfaces.CategorySpender)
	}

	if referrer != interfaces.ZeroAddress && referrer != state.Account {
		add(referrer, spendUSD.Mul(c.cfg.ReferrerCashbackPercentage()).Div(hundred).Truncate(usdPrecision), interfaces.CategoryReferral)
	}
	return entries
}

// convert prices amountInUSD in token and truncates to the token precision.
func (c *CashbackEngine) convert(ctx context.Context, token interfaces.Address, amountInUSD decimal.Decimal) (decimal.Decimal, error) {
	amount, err := c.dispatcher.ConvertUSDToCashbackToken(ctx, token, amountInUSD)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Truncate(c.cfg.TokenDecimals(token)), nil
}

// Distribute pays each entry. A dispatcher shortfall never fails the call: the
// USD amount is added to the pending cashback of (recipient, token) instead.
// Every leg with a positive USD amount yields one Cashback event.
func (c *CashbackEngine) Distribute(ctx context.Context, state *interfaces.AccountState, entries []interfaces.CashbackEntry, now time.Time) ([]interfaces.Event, error) {
	var events []interfaces.Event
	for _, entry := range entries {
		for _, leg := range entry.Tokens {
			if !leg.AmountInUSD.IsPositive() {
				continue
			}
			amount, err := c.convert(ctx, leg.Token, leg.AmountInUSD)
			if err != nil {
				return nil, err
			}

			// Amounts below the token precision are booked as pending until
			// they add up to something payable.
			paid := false
			if amount.IsPositive() {
				if paid, err = c.dispatcher.Pay(ctx, entry.Recipient, leg.Token, amount); err != nil {
					return nil, fmt.Errorf("failed to pay cashback: %w", err)
				}
			}
			result := "paid"
			if !paid {
				result = "pending"
				key := interfaces.PendingCashbackKey{Recipient: entry.Recipient, Token: leg.Token}
				if state.PendingCashback == nil {
					state.PendingCashback = make(map[interfaces.PendingCashbackKey]decimal.Decimal)
				}
				state.PendingCashback[key] = state.PendingCashback[key].Add(leg.AmountInUSD)
				c.logger.Warn("Cashback booked as pending",
					zap.String("account", state.Account.Hex()),
					zap.String("recipient", entry.Recipient.Hex()),
					zap.String("token", leg.Token.Hex()),
					zap.String("amount_usd", leg.AmountInUSD.String()))
			}
			metrics.CashbackDistributions.WithLabelValues(string(leg.Category), result).Inc()

			events = append(events, interfaces.NewEvent(interfaces.EventCashback, state.Account, now, interfaces.CashbackPayload{
				Recipient:   entry.Recipient,
				Token:       leg.Token,
				Amount:      amount,
				AmountInUSD: leg.AmountInUSD,
				Category:    leg.Category,
				Paid:        paid,
			}))
		}
	}
	return events, nil
}

// Clear retries pending cashback of the given users. With no tokens every
// pending token of each user is retried. Entries the dispatcher still cannot
// pay stay as they are.
func (c *CashbackEngine) Clear(ctx context.Context, state *interfaces.AccountState, users, tokens []interfaces.Address, now time.Time) ([]interfaces.Event, error) {
	if len(users) == 0 {
		return nil, interfaces.ErrEmptyInput.Explain("no users")
	}
	if err := checkDistinct(users); err != nil {
		return nil, err
	}

	var events []interfaces.Event
	for _, user := range users {
		for _, token := range c.pendingTokens(state, user, tokens) {
			key := interfaces.PendingCashbackKey{Recipient: user, Token: token}
			usd := state.PendingCashback[key]
			if !usd.IsPositive() {
				continue
			}
			amount, err := c.convert(ctx, token, usd)
			if err != nil {
				return nil, err
			}
			if amount.IsZero() {
				continue
			}
			paid, err := c.dispatcher.Pay(ctx, user, token, amount)
			if err != nil {
				return nil, fmt.Errorf("failed to pay pending cashback: %w", err)
			}
			if !paid {
				continue
			}
			delete(state.PendingCashback, key)
			metrics.PendingCashbackCleared.Inc()
			events = append(events, interfaces.NewEvent(interfaces.EventPendingCashbackCleared, state.Account, now, interfaces.PendingCashbackClearedPayload{
				Recipient:   user,
				Token:       token,
				Amount:      amount,
				AmountInUSD: usd,
			}))
		}
	}
	return events, nil
}

// HasPending reports whether user has any pending cashback on state.
func (c *CashbackEngine) HasPending(state *interfaces.AccountState, user interfaces.Address) bool {
	for key, usd := range state.PendingCashback {
		if key.Recipient == user && usd.IsPositive() {
			return true
		}
	}
	return false
}

func (c *CashbackEngine) pendingTokens(state *interfaces.AccountState, user interfaces.Address, tokens []interfaces.Address) []interfaces.Address {
	if len(tokens) > 0 {
		return tokens
	}
	var out []interfaces.Address
	for key := range state.PendingCashback {
		if key.Recipient == user {
			out = append(out, key.Token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
