package rest

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// SignedRequest carries owner signatures as 0x-prefixed hex.
type SignedRequest struct {
	Signatures []string `json:"signatures" binding:"required,min=1,dive,hexadecimal"`
}

func (r SignedRequest) authorization() (interfaces.Authorization, error) {
	sigs := make([][]byte, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		b, err := hexutil.Decode(s)
		if err != nil {
			return interfaces.Authorization{}, interfaces.ErrInvalidSignatureEncoding.Explain("%s", err)
		}
		sigs = append(sigs, b)
	}
	return interfaces.Authorization{Signatures: sigs}, nil
}

type RegisterAccountRequest struct {
	Account               string          `json:"account" binding:"required,eth_addr"`
	DailyLimit            decimal.Decimal `json:"daily_limit"`
	MonthlyLimit          decimal.Decimal `json:"monthly_limit"`
	TimezoneOffsetMinutes int             `json:"timezone_offset_minutes" binding:"gte=-840,lte=840"`
}

type SetModeRequest struct {
	SignedRequest
	Mode string `json:"mode" binding:"required,oneof=debit credit"`
}

type UpdateSpendingLimitRequest struct {
	SignedRequest
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
}

type WithdrawalBody struct {
	Tokens    []string          `json:"tokens" binding:"required,min=1,dive,eth_addr"`
	Amounts   []decimal.Decimal `json:"amounts" binding:"required,min=1"`
	Recipient string            `json:"recipient" binding:"required,eth_addr"`
}

type RequestWithdrawalRequest struct {
	SignedRequest
	WithdrawalBody
}

type ClearCashbackRequest struct {
	Users  []string `json:"users" binding:"required,min=1,dive,eth_addr"`
	Tokens []string `json:"tokens" binding:"omitempty,dive,eth_addr"`
}

type SetCashbackSplitRequest struct {
	SignedRequest
	Percentage decimal.Decimal `json:"percentage"`
}

type SetTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

type CashbackTokenDTO struct {
	Token       string          `json:"token" binding:"required,eth_addr"`
	AmountInUSD decimal.Decimal `json:"amount_in_usd"`
	Category    string          `json:"category" binding:"required,oneof=regular spender referral promotion"`
}

type CashbackEntryDTO struct {
	Recipient string             `json:"recipient" binding:"required,eth_addr"`
	Tokens    []CashbackTokenDTO `json:"tokens" binding:"required,min=1,dive"`
}

type SpendRequestDTO struct {
	Account       string             `json:"account" binding:"required,eth_addr"`
	Spender       string             `json:"spender" binding:"omitempty,eth_addr"`
	Referrer      string             `json:"referrer" binding:"omitempty,eth_addr"`
	TransactionID string             `json:"transaction_id" binding:"required,max=128,printascii"`
	BinSponsor    string             `json:"bin_sponsor" binding:"required,max=64"`
	Tokens        []string           `json:"tokens" binding:"required,min=1,dive,eth_addr"`
	AmountsInUSD  []decimal.Decimal  `json:"amounts_in_usd" binding:"required,min=1"`
	Cashbacks     []CashbackEntryDTO `json:"cashbacks" binding:"omitempty,dive"`
}

// DigestRequest selects the operation whose digest owners should sign. Only
// the fields of the chosen action are read.
type DigestRequest struct {
	Action       string            `json:"action" binding:"required,oneof=SET_MODE UPDATE_SPENDING_LIMIT REQUEST_WITHDRAWAL CANCEL_WITHDRAWAL SET_CASHBACK_SPLIT"`
	Mode         string            `json:"mode"`
	DailyLimit   decimal.Decimal   `json:"daily_limit"`
	MonthlyLimit decimal.Decimal   `json:"monthly_limit"`
	Tokens       []string          `json:"tokens" binding:"omitempty,dive,eth_addr"`
	Amounts      []decimal.Decimal `json:"amounts"`
	Recipient    string            `json:"recipient" binding:"omitempty,eth_addr"`
	Percentage   decimal.Decimal   `json:"percentage"`
}

type DelaysRequest struct {
	WithdrawalSeconds   int64 `json:"withdrawal_seconds" binding:"gte=0"`
	SpendLimitSeconds   int64 `json:"spend_limit_seconds" binding:"gte=0"`
	ModeToCreditSeconds int64 `json:"mode_to_credit_seconds" binding:"gte=0"`
	ModeToDebitSeconds  int64 `json:"mode_to_debit_seconds" binding:"gte=0"`
}

type BinSponsorRequest struct {
	Dispatcher string `json:"dispatcher" binding:"required,eth_addr"`
}

type AddressToggleRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1,dive,eth_addr"`
	Allowed   []bool   `json:"allowed" binding:"required,min=1"`
}

type PercentageRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
}

func toAddresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (d *SpendRequestDTO) toDomain() *interfaces.SpendRequest {
	req := &interfaces.SpendRequest{
		Account:       common.HexToAddress(d.Account),
		Spender:       optionalAddress(d.Spender),
		Referrer:      optionalAddress(d.Referrer),
		TransactionID: d.TransactionID,
		BinSponsor:    d.BinSponsor,
		Tokens:        toAddresses(d.Tokens),
		AmountsInUSD:  d.AmountsInUSD,
	}
	if d.Cashbacks != nil {
		req.Cashbacks = make([]interfaces.CashbackEntry, 0, len(d.Cashbacks))
		for _, e := range d.Cashbacks {
			entry := interfaces.CashbackEntry{Recipient: common.HexToAddress(e.Recipient)}
			for _, t := range e.Tokens {
				entry.Tokens = append(entry.Tokens, interfaces.CashbackToken{
					Token:       common.HexToAddress(t.Token),
					AmountInUSD: t.AmountInUSD,
					Category:    interfaces.CashbackCategory(t.Category),
				})
			}
			req.Cashbacks = append(req.Cashbacks, entry)
		}
	}
	return req
}
