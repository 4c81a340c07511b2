// Package interfaces defines the domain types and collaborator contracts of the spend engine
package interfaces

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address identifies accounts, tokens, recipients, modules and dispatchers.
type Address = common.Address

// ZeroAddress is the unset address.
var ZeroAddress = common.Address{}

// Mode selects how a spend is funded.
type Mode int

const (
	ModeDebit Mode = iota
	ModeCredit
)

func (m Mode) String() string {
	switch m {
	case ModeDebit:
		return "debit"
	case ModeCredit:
		return "credit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "debit" or "credit".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "debit", "Debit", "DEBIT":
		return ModeDebit, nil
	case "credit", "Credit", "CREDIT":
		return ModeCredit, nil
	}
	return 0, ErrInvalidInput.Explain("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PendingMode is a mode switch waiting for its activation time.
type PendingMode struct {
	Mode        Mode      `json:"mode"`
	ActivatesAt time.Time `json:"activates_at"`
}

// SpendingLimit is the rolling USD budget of an account.
type SpendingLimit struct {
	DailyLimit                decimal.Decimal `json:"daily_limit"`
	MonthlyLimit              decimal.Decimal `json:"monthly_limit"`
	SpentToday                decimal.Decimal `json:"spent_today"`
	SpentThisMonth            decimal.Decimal `json:"spent_this_month"`
	NewDailyLimit             decimal.Decimal `json:"new_daily_limit"`
	NewMonthlyLimit           decimal.Decimal `json:"new_monthly_limit"`
	DailyRenewalTimestamp     time.Time       `json:"daily_renewal_timestamp"`
	MonthlyRenewalTimestamp   time.Time       `json:"monthly_renewal_timestamp"`
	LimitChangeActivationTime time.Time       `json:"limit_change_activation_time"`
	TimezoneOffset            time.Duration   `json:"timezone_offset"`
}

// HasPendingChange reports whether a staged limit is waiting for activation.
func (l SpendingLimit) HasPendingChange() bool {
	return !l.LimitChangeActivationTime.IsZero()
}

// InitiatorKind tells who created a withdrawal request.
type InitiatorKind string

const (
	InitiatorOwners InitiatorKind = "owners"
	InitiatorModule InitiatorKind = "module"
)

// Initiator identifies the creator of a withdrawal request.
type Initiator struct {
	Kind   InitiatorKind `json:"kind"`
	Module Address       `json:"module,omitempty"`
}

// WithdrawalRequest is the single outstanding withdrawal of an account.
type WithdrawalRequest struct {
	Tokens      []Address         `json:"tokens"`
	Amounts     []decimal.Decimal `json:"amounts"`
	Recipient   Address           `json:"recipient"`
	RequestedAt time.Time         `json:"requested_at"`
	Initiator   Initiator         `json:"initiator"`
}

// AmountFor returns the amount earmarked for token, zero if none.
func (w *WithdrawalRequest) AmountFor(token Address) decimal.Decimal {
	if w == nil {
		return decimal.Zero
	}
	for i, t := range w.Tokens {
		if t == token {
			return w.Amounts[i]
		}
	}
	return decimal.Zero
}

func (w *WithdrawalRequest) Clone() *WithdrawalRequest {
	if w == nil {
		return nil
	}
	c := *w
	c.Tokens = append([]Address(nil), w.Tokens...)
	c.Amounts = append([]decimal.Decimal(nil), w.Amounts...)
	return &c
}

// CashbackCategory labels why a cashback is paid.
type CashbackCategory string

const (
	CategoryRegular   CashbackCategory = "regular"
	CategorySpender   CashbackCategory = "spender"
	CategoryReferral  CashbackCategory = "referral"
	CategoryPromotion CashbackCategory = "promotion"
)

// CashbackToken is one token leg of a cashback entry.
type CashbackToken struct {
	Token       Address          `json:"token"`
	AmountInUSD decimal.Decimal  `json:"amount_in_usd"`
	Category    CashbackCategory `json:"category"`
}

// CashbackEntry is the cashback owed to one recipient for a spend.
type CashbackEntry struct {
	Recipient Address         `json:"recipient"`
	Tokens    []CashbackToken `json:"tokens"`
}

// PendingCashbackKey identifies a pending cashback bucket.
type PendingCashbackKey struct {
	Recipient Address `json:"recipient"`
	Token     Address `json:"token"`
}

// PendingCashbackRecord is the serialized form of one pending bucket.
type PendingCashbackRecord struct {
	Recipient   Address         `json:"recipient"`
	Token       Address         `json:"token"`
	AmountInUSD decimal.Decimal `json:"amount_in_usd"`
}

// Tier selects the cashback percentage applied to an account.
type Tier string

const (
	TierPepe     Tier = "pepe"
	TierWojak    Tier = "wojak"
	TierChad     Tier = "chad"
	TierWhale    Tier = "whale"
	TierBusiness Tier = "business"
)

// AccountState is everything the engine persists for one account.
type AccountState struct {
	Account           Address                                `json:"account"`
	Mode              Mode                                   `json:"mode"`
	PendingMode       *PendingMode                           `json:"pending_mode,omitempty"`
	SpendingLimit     SpendingLimit                          `json:"spending_limit"`
	PendingWithdrawal *WithdrawalRequest                     `json:"pending_withdrawal,omitempty"`
	PendingCashback   map[PendingCashbackKey]decimal.Decimal `json:"-"`
	Tier              Tier                                   `json:"tier"`
	// CashbackSplitToSafe is the percentage of regular cashback kept by the
	// account; the spender receives the rest.
	CashbackSplitToSafe decimal.Decimal `json:"cashback_split_to_safe"`
	Nonce               uint64          `json:"nonce"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewAccountState returns the onboarding state: Debit mode and zero limits.
func NewAccountState(account Address, now time.Time) *AccountState {
	return &AccountState{
		Account:             account,
		Mode:                ModeDebit,
		Tier:                TierPepe,
		PendingCashback:     make(map[PendingCashbackKey]decimal.Decimal),
		CashbackSplitToSafe: decimal.NewFromInt(50),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone deep-copies the state.
func (s *AccountState) Clone() *AccountState {
	if s == nil {
		return nil
	}
	c := *s
	if s.PendingMode != nil {
		pm := *s.PendingMode
		c.PendingMode = &pm
	}
	c.PendingWithdrawal = s.PendingWithdrawal.Clone()
	c.PendingCashback = make(map[PendingCashbackKey]decimal.Decimal, len(s.PendingCashback))
	for k, v := range s.PendingCashback {
		c.PendingCashback[k] = v
	}
	return &c
}

// PendingCashbackRecords flattens the pending map in a stable order.
func (s *AccountState) PendingCashbackRecords() []PendingCashbackRecord {
	records := make([]PendingCashbackRecord, 0, len(s.PendingCashback))
	for k, v := range s.PendingCashback {
		records = append(records, PendingCashbackRecord{Recipient: k.Recipient, Token: k.Token, AmountInUSD: v})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Recipient != records[j].Recipient {
			return records[i].Recipient.Hex() < records[j].Recipient.Hex()
		}
		return records[i].Token.Hex() < records[j].Token.Hex()
	})
	return records
}

// SetPendingCashbackRecords replaces the pending map from records.
func (s *AccountState) SetPendingCashbackRecords(records []PendingCashbackRecord) {
	s.PendingCashback = make(map[PendingCashbackKey]decimal.Decimal, len(records))
	for _, r := range records {
		if r.AmountInUSD.IsPositive() {
			s.PendingCashback[PendingCashbackKey{Recipient: r.Recipient, Token: r.Token}] = r.AmountInUSD
		}
	}
}

// Authorization carries owner signatures over an operation digest.
type Authorization struct {
	Signatures [][]byte `json:"signatures"`
}

// SpendRequest is the input of a spend.
type SpendRequest struct {
	Account       Address           `json:"account"`
	Spender       Address           `json:"spender"`
	Referrer      Address           `json:"referrer"`
	TransactionID string            `json:"transaction_id"`
	BinSponsor    string            `json:"bin_sponsor"`
	Tokens        []Address         `json:"tokens"`
	AmountsInUSD  []decimal.Decimal `json:"amounts_in_usd"`
	// Cashbacks overrides tier-derived cashback when non-nil.
	Cashbacks []CashbackEntry `json:"cashbacks,omitempty"`
}

// SpendResult summarizes a cleared spend.
type SpendResult struct {
	TransactionID string            `json:"transaction_id"`
	Mode          Mode              `json:"mode"`
	Tokens        []Address         `json:"tokens"`
	Amounts       []decimal.Decimal `json:"amounts"`
	AmountsInUSD  []decimal.Decimal `json:"amounts_in_usd"`
	TotalUSD      decimal.Decimal   `json:"total_usd"`
	Events        []Event           `json:"events"`
}

// Settlement is the hand-off to a settlement dispatcher.
type Settlement struct {
	Account       Address         `json:"account"`
	BinSponsor    string          `json:"bin_sponsor"`
	TransactionID string          `json:"transaction_id"`
	Token         Address         `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	AmountInUSD   decimal.Decimal `json:"amount_in_usd"`
	Mode          Mode            `json:"mode"`
}

// TokenAllocation is one leg of a maximum spendable answer.
type TokenAllocation struct {
	Token       Address         `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	AmountInUSD decimal.Decimal `json:"amount_in_usd"`
}

// MaxSpendable is the Lens answer for both modes.
type MaxSpendable struct {
	Mode            Mode              `json:"mode"`
	RemainingLimit  decimal.Decimal   `json:"remaining_limit"`
	Debit           []TokenAllocation `json:"debit"`
	DebitTotalUSD   decimal.Decimal   `json:"debit_total_usd"`
	Credit          *TokenAllocation  `json:"credit,omitempty"`
	CreditCapacity  decimal.Decimal   `json:"credit_capacity"`
	SpendableNowUSD decimal.Decimal   `json:"spendable_now_usd"`
}
