// Package repository provides persistence of account state for the spend engine
package repository

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// AccountStateModel is the account_states row.
type AccountStateModel struct {
	Account               string                             `gorm:"primaryKey;size:42"`
	Mode                  string                             `gorm:"size:16;not null"`
	PendingMode           *interfaces.PendingMode            `gorm:"serializer:json"`
	SpendingLimit         interfaces.SpendingLimit           `gorm:"serializer:json"`
	PendingWithdrawal     *interfaces.WithdrawalRequest      `gorm:"serializer:json"`
	WithdrawalRequestedAt *time.Time                         `gorm:"index"`
	PendingCashback       []interfaces.PendingCashbackRecord `gorm:"serializer:json"`
	Tier                  string                             `gorm:"size:32"`
	CashbackSplitToSafe   decimal.Decimal                    `gorm:"type:numeric"`
	Nonce                 uint64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (AccountStateModel) TableName() string { return "account_states" }

// ClearedTransaction records a transaction id consumed by a spend.
type ClearedTransaction struct {
	Account   string `gorm:"primaryKey;size:42"`
	TxID      string `gorm:"primaryKey;size:128"`
	ClearedAt time.Time
}

func (ClearedTransaction) TableName() string { return "cleared_transactions" }

func toModel(s *interfaces.AccountState) *AccountStateModel {
	m := &AccountStateModel{
		Account:             s.Account.Hex(),
		Mode:                s.Mode.String(),
		PendingMode:         s.PendingMode,
		SpendingLimit:       s.SpendingLimit,
		PendingWithdrawal:   s.PendingWithdrawal,
		PendingCashback:     s.PendingCashbackRecords(),
		Tier:                string(s.Tier),
		CashbackSplitToSafe: s.CashbackSplitToSafe,
		Nonce:               s.Nonce,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
	if s.PendingWithdrawal != nil {
		at := s.PendingWithdrawal.RequestedAt
		m.WithdrawalRequestedAt = &at
	}
	return m
}

func fromModel(m *AccountStateModel) (*interfaces.AccountState, error) {
	mode, err := interfaces.ParseMode(m.Mode)
	if err != nil {
		return nil, err
	}
	s := &interfaces.AccountState{
		Account:             common.HexToAddress(m.Account),
		Mode:                mode,
		PendingMode:         m.PendingMode,
		SpendingLimit:       m.SpendingLimit,
		PendingWithdrawal:   m.PendingWithdrawal,
		Tier:                interfaces.Tier(m.Tier),
		CashbackSplitToSafe: m.CashbackSplitToSafe,
		Nonce:               m.Nonce,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	s.SetPendingCashbackRecords(m.PendingCashback)
	return s, nil
}
