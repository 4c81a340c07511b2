package interfaces

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StateStore persists account state. Atomic runs fn so that every write made
// through the ctx it receives commits together or not at all.
type StateStore interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, state *AccountState) error
	Load(ctx context.Context, account Address) (*AccountState, error)
	Save(ctx context.Context, state *AccountState) error
	IsTransactionCleared(ctx context.Context, account Address, txID string) (bool, error)
	MarkTransactionCleared(ctx context.Context, account Address, txID string, at time.Time) error
	// PendingWithdrawals lists requests made at or before cutoff, ordered by
	// (RequestedAt, Account). With after set only entries ordered strictly
	// after it are returned.
	PendingWithdrawals(ctx context.Context, cutoff time.Time, after *DueWithdrawal, limit int) ([]DueWithdrawal, error)
}

// DueWithdrawal is one entry of the pending withdrawal queue. It doubles as
// the cursor for paging through the queue.
type DueWithdrawal struct {
	Account     Address
	RequestedAt time.Time
}

// TokenLedger holds fungible token balances of accounts and dispatchers.
type TokenLedger interface {
	Balance(ctx context.Context, holder, token Address) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to, token Address, amount decimal.Decimal) error
}

// DebtManager owns collateral, borrowing and health math.
type DebtManager interface {
	ConvertUSDToCollateralToken(ctx context.Context, token Address, amountInUSD decimal.Decimal) (decimal.Decimal, error)
	ConvertCollateralTokenToUSD(ctx context.Context, token Address, amount decimal.Decimal) (decimal.Decimal, error)
	IsBorrowToken(ctx context.Context, token Address) bool
	// Borrow credits amount of token to account and records the debt.
	Borrow(ctx context.Context, account, token Address, amount decimal.Decimal) error
	TotalBorrowing(ctx context.Context, account Address) (decimal.Decimal, error)
	MaxBorrowAmount(ctx context.Context, account Address) (decimal.Decimal, error)
	EnsureHealth(ctx context.Context, account Address) error
	// EnsureHealthAfterWithdrawal checks the position as if tokens/amounts had left the account.
	EnsureHealthAfterWithdrawal(ctx context.Context, account Address, tokens []Address, amounts []decimal.Decimal) error
}

// PriceProvider returns USD unit prices.
type PriceProvider interface {
	Price(ctx context.Context, token Address) (decimal.Decimal, error)
}

// CashbackDispatcher holds cashback liquidity.
type CashbackDispatcher interface {
	ConvertUSDToCashbackToken(ctx context.Context, token Address, amountInUSD decimal.Decimal) (decimal.Decimal, error)
	// Pay transfers amount to recipient; paid is false when liquidity is short.
	Pay(ctx context.Context, recipient, token Address, amount decimal.Decimal) (paid bool, err error)
}

// SettlementDispatcher forwards settled funds to the destination configured
// for a bin sponsor.
type SettlementDispatcher interface {
	Dispatch(ctx context.Context, destination Address, s Settlement) error
}

// AccountVerifier checks owner quorum signatures over an operation digest.
type AccountVerifier interface {
	VerifyQuorum(ctx context.Context, account Address, digest common.Hash, auth Authorization) error
}

// Capability is a role-gated permission.
type Capability string

const (
	CapabilitySpend       Capability = "spend"
	CapabilityConfigAdmin Capability = "config_admin"
	CapabilityOnboarding  Capability = "onboarding"
)

// RoleRegistry answers capability checks.
type RoleRegistry interface {
	HasCapability(ctx context.Context, caller Address, capability Capability) bool
}

// EventPublisher delivers domain events after commit.
type EventPublisher interface {
	Publish(ctx context.Context, events []Event) error
}
