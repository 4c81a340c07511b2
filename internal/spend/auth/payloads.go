package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Payload encoders. Owners sign Digest(action, chainID, account, nonce, payload)
// with payload built by the encoder of the action.

func ModePayload(mode string) []byte {
	return []byte(strings.ToLower(mode))
}

func SpendingLimitPayload(daily, monthly decimal.Decimal) []byte {
	return []byte(daily.String() + "|" + monthly.String())
}

func WithdrawalPayload(tokens []common.Address, amounts []decimal.Decimal, recipient common.Address) []byte {
	parts := make([]string, 0, 2*len(tokens)+1)
	for i, t := range tokens {
		amount := "0"
		if i < len(amounts) {
			amount = amounts[i].String()
		}
		parts = append(parts, t.Hex(), amount)
	}
	parts = append(parts, recipient.Hex())
	return []byte(strings.Join(parts, "|"))
}

func CancelWithdrawalPayload() []byte {
	return nil
}

func CashbackSplitPayload(pct decimal.Decimal) []byte {
	return []byte(pct.String())
}
