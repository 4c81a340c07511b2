package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// WithdrawalManager owns the single outstanding withdrawal request of an
// account. A new request replaces the previous one wholesale.
type WithdrawalManager struct {
	cfg    *config.Engine
	ledger interfaces.TokenLedger
	debt   interfaces.DebtManager
	logger *zap.Logger
}

func NewWithdrawalManager(cfg *config.Engine, ledger interfaces.TokenLedger, debt interfaces.DebtManager, logger *zap.Logger) *WithdrawalManager {
	return &WithdrawalManager{cfg: cfg, ledger: ledger, debt: debt, logger: logger}
}

// CheckModule fails unless module may create withdrawal requests.
func (wm *WithdrawalManager) CheckModule(module interfaces.Address) error {
	if !wm.cfg.IsWhitelistedModule(module) || !wm.cfg.IsWithdrawalRequester(module) {
		return interfaces.ErrOnlyModule.Explain("%s cannot request withdrawals", module.Hex())
	}
	return nil
}

// Earmarked returns the amount of token reserved by the pending request.
func (wm *WithdrawalManager) Earmarked(state *interfaces.AccountState, token interfaces.Address) decimal.Decimal {
	return state.PendingWithdrawal.AmountFor(token)
}

// Request validates and stores a new request, replacing any prior one.
func (wm *WithdrawalManager) Request(
	ctx context.Context,
	state *interfaces.AccountState,
	tokens []interfaces.Address,
	amounts []decimal.Decimal,
	recipient interfaces.Address,
	initiator interfaces.Initiator,
	now time.Time,
) ([]interfaces.Event, error) {
	if err := validateTokenAmounts(tokens, amounts); err != nil {
		return nil, err
	}
	if recipient == interfaces.ZeroAddress {
		return nil, interfaces.ErrInvalidAddress.Explain("recipient is zero")
	}

	normalized := make([]decimal.Decimal, len(amounts))
	for i, token := range tokens {
		if !wm.cfg.IsWithdrawable(token) {
			return nil, interfaces.ErrUnsupportedToken.Explain("%s is not withdrawable", token.Hex())
		}
		normalized[i] = amounts[i].Truncate(wm.cfg.TokenDecimals(token))
		if !normalized[i].IsPositive() {
			return nil, interfaces.ErrAmountZero.Explain("amount for %s rounds to zero", token.Hex())
		}

		// The prior request is released by the replacement, so the full
		// balance is available.
		balance, err := wm.ledger.Balance(ctx, state.Account, token)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		if balance.LessThan(normalized[i]) {
			return nil, interfaces.ErrInsufficientBalance.Explain("%s balance %s, requested %s", token.Hex(), balance, normalized[i])
		}
	}

	if err := wm.debt.EnsureHealthAfterWithdrawal(ctx, state.Account, tokens, normalized); err != nil {
		return nil, err
	}

	var events []interfaces.Event
	if prev := state.PendingWithdrawal; prev != nil {
		events = append(events, interfaces.WithdrawalEvent(interfaces.EventWithdrawalCancelled, state.Account, now, prev))
	}
	state.PendingWithdrawal = &interfaces.WithdrawalRequest{
		Tokens:      append([]interfaces.Address(nil), tokens...),
		Amounts:     normalized,
		Recipient:   recipient,
		RequestedAt: now,
		Initiator:   initiator,
	}
	events = append(events, interfaces.WithdrawalEvent(interfaces.EventWithdrawalRequested, state.Account, now, state.PendingWithdrawal))

	wm.logger.Info("Withdrawal requested",
		zap.String("account", state.Account.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("initiator", string(initiator.Kind)),
		zap.Int("tokens", len(tokens)))
	return events, nil
}

// Cancel removes the pending request. Owners may not cancel module requests;
// a module may only cancel its own request while still whitelisted.
func (wm *WithdrawalManager) Cancel(state *interfaces.AccountState, initiator interfaces.Initiator, now time.Time) (interfaces.Event, error) {
	w := state.PendingWithdrawal
	if w == nil {
		return interfaces.Event{}, interfaces.ErrWithdrawalDoesNotExist
	}
	switch initiator.Kind {
	case interfaces.InitiatorOwners:
		if w.Initiator.Kind == interfaces.InitiatorModule {
			return interfaces.Event{}, interfaces.ErrOwnersCannotCancelModule
		}
	case interfaces.InitiatorModule:
		if w.Initiator.Kind != interfaces.InitiatorModule || w.Initiator.Module != initiator.Module {
			return interfaces.Event{}, interfaces.ErrNotWithdrawalInitiator
		}
		if !wm.cfg.IsWhitelistedModule(initiator.Module) {
			return interfaces.Event{}, interfaces.ErrOnlyModule.Explain("%s is no longer whitelisted", initiator.Module.Hex())
		}
	default:
		return interfaces.Event{}, interfaces.ErrUnauthorized
	}

	state.PendingWithdrawal = nil
	return interfaces.WithdrawalEvent(interfaces.EventWithdrawalCancelled, state.Account, now, w), nil
}

// Process executes a matured request. Anyone may call it.
func (wm *WithdrawalManager) Process(ctx context.Context, state *interfaces.AccountState, now time.Time) (interfaces.Event, error) {
	w := state.PendingWithdrawal
	if w == nil {
		return interfaces.Event{}, interfaces.ErrWithdrawalDoesNotExist
	}
	readyAt := w.RequestedAt.Add(wm.cfg.WithdrawalDelay())
	if now.Before(readyAt) {
		return interfaces.Event{}, interfaces.ErrCannotWithdrawYet.Explain("processable at %s", readyAt.UTC().Format(time.RFC3339))
	}
	for _, token := range w.Tokens {
		if !wm.cfg.IsWithdrawable(token) {
			return interfaces.Event{}, interfaces.ErrUnsupportedToken.Explain("%s is no longer withdrawable", token.Hex())
		}
	}
	for i, token := range w.Tokens {
		if err := wm.ledger.Transfer(ctx, state.Account, w.Recipient, token, w.Amounts[i]); err != nil {
			return interfaces.Event{}, fmt.Errorf("failed to transfer %s: %w", token.Hex(), err)
		}
	}

	state.PendingWithdrawal = nil
	wm.logger.Info("Withdrawal processed",
		zap.String("account", state.Account.Hex()),
		zap.String("recipient", w.Recipient.Hex()))
	return interfaces.WithdrawalEvent(interfaces.EventWithdrawalProcessed, state.Account, now, w), nil
}

// Reconcile brings the pending request back in line with the account after a
// spend: amounts above the balance shrink to it, and a request that is empty
// or would leave the position unhealthy is cancelled.
func (wm *WithdrawalManager) Reconcile(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
	w := state.PendingWithdrawal
	if w == nil {
		return nil, nil
	}

	var events []interfaces.Event
	tokens := make([]interfaces.Address, 0, len(w.Tokens))
	amounts := make([]decimal.Decimal, 0, len(w.Amounts))
	for i, token := range w.Tokens {
		balance, err := wm.ledger.Balance(ctx, state.Account, token)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		amount := w.Amounts[i]
		if balance.LessThan(amount) {
			events = append(events, interfaces.NewEvent(interfaces.EventWithdrawalAmountUpdated, state.Account, now,
				interfaces.WithdrawalAmountUpdatedPayload{Token: token, Previous: amount, Current: balance}))
			amount = balance
		}
		if amount.IsPositive() {
			tokens = append(tokens, token)
			amounts = append(amounts, amount)
		}
	}

	cancel := len(tokens) == 0
	if !cancel {
		if err := wm.debt.EnsureHealthAfterWithdrawal(ctx, state.Account, tokens, amounts); err != nil {
			if !isEconomic(err) {
				return nil, err
			}
			cancel = true
		}
	}
	if cancel {
		state.PendingWithdrawal = nil
		wm.logger.Info("Withdrawal cancelled by reconciliation", zap.String("account", state.Account.Hex()))
		return append(events, interfaces.WithdrawalEvent(interfaces.EventWithdrawalCancelled, state.Account, now, w)), nil
	}

	if len(events) > 0 {
		updated := w.Clone()
		updated.Tokens, updated.Amounts = tokens, amounts
		state.PendingWithdrawal = updated
	}
	return events, nil
}
