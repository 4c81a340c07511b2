package interfaces

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a domain event.
type EventType string

const (
	EventAccountRegistered       EventType = "account.registered"
	EventModeSet                 EventType = "mode.set"
	EventSpendingLimitChanged    EventType = "spending_limit.changed"
	EventSpend                   EventType = "spend.cleared"
	EventCashback                EventType = "cashback.distributed"
	EventPendingCashbackCleared  EventType = "cashback.pending_cleared"
	EventCashbackSplitChanged    EventType = "cashback.split_changed"
	EventTierSet                 EventType = "account.tier_set"
	EventWithdrawalRequested     EventType = "withdrawal.requested"
	EventWithdrawalCancelled     EventType = "withdrawal.cancelled"
	EventWithdrawalAmountUpdated EventType = "withdrawal.amount_updated"
	EventWithdrawalProcessed     EventType = "withdrawal.processed"
)

// Event is a domain event returned by an operation and published by the host after commit.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	Account   Address     `json:"account"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewEvent stamps a new event.
func NewEvent(t EventType, account Address, at time.Time, payload interface{}) Event {
	return Event{ID: uuid.New(), Type: t, Account: account, Timestamp: at, Payload: payload}
}

type ModeSetPayload struct {
	PreviousMode Mode      `json:"previous_mode"`
	NewMode      Mode      `json:"new_mode"`
	ActivatesAt  time.Time `json:"activates_at"`
}

type SpendingLimitChangedPayload struct {
	Previous SpendingLimit `json:"previous"`
	Current  SpendingLimit `json:"current"`
}

type SpendPayload struct {
	TransactionID string            `json:"transaction_id"`
	Spender       Address           `json:"spender"`
	BinSponsor    string            `json:"bin_sponsor"`
	Mode          Mode              `json:"mode"`
	Tokens        []Address         `json:"tokens"`
	Amounts       []decimal.Decimal `json:"amounts"`
	AmountsInUSD  []decimal.Decimal `json:"amounts_in_usd"`
	TotalUSD      decimal.Decimal   `json:"total_usd"`
}

type CashbackPayload struct {
	Recipient   Address          `json:"recipient"`
	Token       Address          `json:"token"`
	Amount      decimal.Decimal  `json:"amount"`
	AmountInUSD decimal.Decimal  `json:"amount_in_usd"`
	Category    CashbackCategory `json:"category"`
	Paid        bool             `json:"paid"`
}

type PendingCashbackClearedPayload struct {
	Recipient   Address         `json:"recipient"`
	Token       Address         `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	AmountInUSD decimal.Decimal `json:"amount_in_usd"`
}

type CashbackSplitChangedPayload struct {
	Previous decimal.Decimal `json:"previous"`
	Current  decimal.Decimal `json:"current"`
}

type TierSetPayload struct {
	Previous Tier `json:"previous"`
	Current  Tier `json:"current"`
}

type WithdrawalPayload struct {
	Tokens    []Address         `json:"tokens"`
	Amounts   []decimal.Decimal `json:"amounts"`
	Recipient Address           `json:"recipient"`
	Initiator Initiator         `json:"initiator"`
}

type WithdrawalAmountUpdatedPayload struct {
	Token    Address         `json:"token"`
	Previous decimal.Decimal `json:"previous"`
	Current  decimal.Decimal `json:"current"`
}

func withdrawalPayload(w *WithdrawalRequest) WithdrawalPayload {
	return WithdrawalPayload{
		Tokens:    append([]Address(nil), w.Tokens...),
		Amounts:   append([]decimal.Decimal(nil), w.Amounts...),
		Recipient: w.Recipient,
		Initiator: w.Initiator,
	}
}

// WithdrawalEvent builds a requested/cancelled/processed event from a request snapshot.
func WithdrawalEvent(t EventType, account Address, at time.Time, w *WithdrawalRequest) Event {
	return NewEvent(t, account, at, withdrawalPayload(w))
}
