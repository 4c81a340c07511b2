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

// SpendRouter runs a spend through Validate, Admit, Resolve, Settle, Cashback
// and Commit. Nothing is written before Settle.
type SpendRouter struct {
	cfg         *config.Engine
	store       interfaces.StateStore
	debt        interfaces.DebtManager
	ledger      interfaces.TokenLedger
	settlement  interfaces.SettlementDispatcher
	modes       *ModeController
	limits      *SpendingLimitLedger
	withdrawals *WithdrawalManager
	cashback    *CashbackEngine
	logger      *zap.Logger
}

// spendPlan is the outcome of admission: everything Settle needs.
type spendPlan struct {
	mode        interfaces.Mode
	totalUSD    decimal.Decimal
	amounts     []decimal.Decimal
	destination interfaces.Address
	limit       interfaces.SpendingLimit
}

// admit runs every check that precedes Settle against state without
// mutating it. The Lens replays exactly this path.
func (r *SpendRouter) admit(ctx context.Context, state *interfaces.AccountState, req *interfaces.SpendRequest, now time.Time) (*spendPlan, error) {
	// Validate
	if req.TransactionID == "" {
		return nil, interfaces.ErrMissingTransactionID
	}
	if err := validateTokenAmounts(req.Tokens, req.AmountsInUSD); err != nil {
		return nil, err
	}
	if req.Spender == state.Account {
		return nil, interfaces.ErrSpenderIsAccount
	}
	for _, entry := range req.Cashbacks {
		if entry.Recipient == interfaces.ZeroAddress {
			return nil, interfaces.ErrInvalidAddress.Explain("cashback recipient is zero")
		}
	}
	for _, token := range req.Tokens {
		if _, ok := r.cfg.Token(token); !ok {
			return nil, interfaces.ErrUnsupportedToken.Explain("%s", token.Hex())
		}
	}
	destination, ok := r.cfg.BinSponsor(req.BinSponsor)
	if !ok {
		if hint := r.cfg.SuggestBinSponsor(req.BinSponsor); hint != "" {
			return nil, interfaces.ErrInvalidBinSponsor.Explain("no dispatcher for bin sponsor %q, did you mean %q", req.BinSponsor, hint)
		}
		return nil, interfaces.ErrInvalidBinSponsor.Explain("no dispatcher for bin sponsor %q", req.BinSponsor)
	}
	cleared, err := r.store.IsTransactionCleared(ctx, state.Account, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if cleared {
		return nil, interfaces.ErrTransactionAlreadyCleared.Explain("%s", req.TransactionID)
	}

	// The funding shape of the active mode is checked before the limit so a
	// malformed credit spend is rejected whatever its amounts.
	mode := r.modes.GetMode(state, now)
	if mode == interfaces.ModeCredit && len(req.Tokens) != 1 {
		return nil, interfaces.ErrOnlyOneTokenAllowedInCreditMode
	}

	// Admit
	total := decimal.Sum(decimal.Zero, req.AmountsInUSD...)
	limit, err := r.limits.Charge(state.SpendingLimit, total, now)
	if err != nil {
		return nil, err
	}

	// Resolve
	plan := &spendPlan{
		mode:        mode,
		totalUSD:    total,
		amounts:     make([]decimal.Decimal, len(req.Tokens)),
		destination: destination,
		limit:       limit,
	}
	if mode == interfaces.ModeCredit {
		token := req.Tokens[0]
		if !r.debt.IsBorrowToken(ctx, token) {
			return nil, interfaces.ErrUnsupportedBorrowToken.Explain("%s", token.Hex())
		}
		amount, err := r.toTokenAmount(ctx, token, req.AmountsInUSD[0])
		if err != nil {
			return nil, err
		}
		borrowed, err := r.debt.TotalBorrowing(ctx, state.Account)
		if err != nil {
			return nil, err
		}
		maxBorrow, err := r.debt.MaxBorrowAmount(ctx, state.Account)
		if err != nil {
			return nil, err
		}
		if borrowed.Add(req.AmountsInUSD[0]).GreaterThan(maxBorrow) {
			return nil, interfaces.ErrBorrowingsExceedMaxBorrowAfterSpend.Explain("borrowed %s, max %s, requested %s", borrowed, maxBorrow, req.AmountsInUSD[0])
		}
		plan.amounts[0] = amount
		return plan, nil
	}

	for i, token := range req.Tokens {
		amount, err := r.toTokenAmount(ctx, token, req.AmountsInUSD[i])
		if err != nil {
			return nil, err
		}
		balance, err := r.ledger.Balance(ctx, state.Account, token)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		available := balance.Sub(r.withdrawals.Earmarked(state, token))
		if available.LessThan(amount) {
			return nil, interfaces.ErrInsufficientBalance.Explain("%s available %s, needs %s", token.Hex(), available, amount)
		}
		plan.amounts[i] = amount
	}
	return plan, nil
}

func (r *SpendRouter) toTokenAmount(ctx context.Context, token interfaces.Address, amountInUSD decimal.Decimal) (decimal.Decimal, error) {
	amount, err := r.debt.ConvertUSDToCollateralToken(ctx, token, amountInUSD)
	if err != nil {
		return decimal.Zero, err
	}
	amount = amount.Truncate(r.cfg.TokenDecimals(token))
	if !amount.IsPositive() {
		return decimal.Zero, interfaces.ErrAmountZero.Explain("%s USD of %s rounds to zero", amountInUSD, token.Hex())
	}
	return amount, nil
}

// Spend executes req against state. It must run inside StateStore.Atomic;
// any error leaves the transaction to roll back.
func (r *SpendRouter) Spend(ctx context.Context, state *interfaces.AccountState, req *interfaces.SpendRequest, now time.Time) (*interfaces.SpendResult, error) {
	plan, err := r.admit(ctx, state, req, now)
	if err != nil {
		return nil, err
	}
	r.modes.Normalize(state, now)
	state.SpendingLimit = plan.limit

	// Settle
	settlement := interfaces.Settlement{
		Account:       state.Account,
		BinSponsor:    req.BinSponsor,
		TransactionID: req.TransactionID,
		Mode:          plan.mode,
	}
	if plan.mode == interfaces.ModeCredit {
		if err := r.settleCredit(ctx, state, req, plan, settlement); err != nil {
			return nil, err
		}
	} else {
		for i, token := range req.Tokens {
			settlement.Token, settlement.Amount, settlement.AmountInUSD = token, plan.amounts[i], req.AmountsInUSD[i]
			if err := r.settlement.Dispatch(ctx, plan.destination, settlement); err != nil {
				return nil, fmt.Errorf("failed to settle %s: %w", token.Hex(), err)
			}
		}
		if err := r.debt.EnsureHealth(ctx, state.Account); err != nil {
			return nil, err
		}
	}

	// Cashback
	var events []interfaces.Event
	users := []interfaces.Address{}
	for _, u := range []interfaces.Address{state.Account, req.Spender} {
		if u != interfaces.ZeroAddress && r.cashback.HasPending(state, u) {
			users = append(users, u)
		}
	}
	if len(users) > 0 {
		cleared, err := r.cashback.Clear(ctx, state, users, nil, now)
		if err != nil {
			return nil, err
		}
		events = append(events, cleared...)
	}
	entries := req.Cashbacks
	if entries == nil {
		entries = r.cashback.Compute(state, plan.totalUSD, req.Spender, req.Referrer)
	}
	distributed, err := r.cashback.Distribute(ctx, state, entries, now)
	if err != nil {
		return nil, err
	}
	events = append(events, distributed...)

	// Commit
	if err := r.store.MarkTransactionCleared(ctx, state.Account, req.TransactionID, now); err != nil {
		return nil, err
	}
	reconciled, err := r.withdrawals.Reconcile(ctx, state, now)
	if err != nil {
		return nil, err
	}
	events = append(events, reconciled...)

	result := &interfaces.SpendResult{
		TransactionID: req.TransactionID,
		Mode:          plan.mode,
		Tokens:        append([]interfaces.Address(nil), req.Tokens...),
		Amounts:       plan.amounts,
		AmountsInUSD:  append([]decimal.Decimal(nil), req.AmountsInUSD...),
		TotalUSD:      plan.totalUSD,
	}
	events = append(events, interfaces.NewEvent(interfaces.EventSpend, state.Account, now, interfaces.SpendPayload{
		TransactionID: req.TransactionID,
		Spender:       req.Spender,
		BinSponsor:    req.BinSponsor,
		Mode:          plan.mode,
		Tokens:        result.Tokens,
		Amounts:       result.Amounts,
		AmountsInUSD:  result.AmountsInUSD,
		TotalUSD:      plan.totalUSD,
	}))
	result.Events = events

	r.logger.Info("Spend cleared",
		zap.String("account", state.Account.Hex()),
		zap.String("tx_id", req.TransactionID),
		zap.String("mode", plan.mode.String()),
		zap.String("total_usd", plan.totalUSD.String()))
	return result, nil
}

// settleCredit borrows the spend amount, forwards it to the destination and
// verifies the position afterwards.
func (r *SpendRouter) settleCredit(ctx context.Context, state *interfaces.AccountState, req *interfaces.SpendRequest, plan *spendPlan, s interfaces.Settlement) error {
	token, amount := req.Tokens[0], plan.amounts[0]
	if err := r.debt.Borrow(ctx, state.Account, token, amount); err != nil {
		return err
	}
	s.Token, s.Amount, s.AmountInUSD = token, amount, req.AmountsInUSD[0]
	if err := r.settlement.Dispatch(ctx, plan.destination, s); err != nil {
		return fmt.Errorf("failed to settle %s: %w", token.Hex(), err)
	}

	borrowed, err := r.debt.TotalBorrowing(ctx, state.Account)
	if err != nil {
		return err
	}
	maxBorrow, err := r.debt.MaxBorrowAmount(ctx, state.Account)
	if err != nil {
		return err
	}
	if borrowed.GreaterThan(maxBorrow) {
		return interfaces.ErrBorrowingsExceedMaxBorrowAfterSpend.Explain("borrowed %s, max %s", borrowed, maxBorrow)
	}
	return r.debt.EnsureHealth(ctx, state.Account)
}
