package services

import (
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// validateTokenAmounts checks the parallel token/amount lists shared by spends
// and withdrawals.
func validateTokenAmounts(tokens []interfaces.Address, amounts []decimal.Decimal) error {
	if len(tokens) == 0 || len(amounts) == 0 {
		return interfaces.ErrEmptyInput.Explain("tokens and amounts are required")
	}
	if len(tokens) != len(amounts) {
		return interfaces.ErrArrayLengthMismatch.Explain("%d tokens, %d amounts", len(tokens), len(amounts))
	}
	if err := checkDistinct(tokens); err != nil {
		return err
	}
	for i, a := range amounts {
		if !a.IsPositive() {
			return interfaces.ErrAmountZero.Explain("amount for %s is %s", tokens[i].Hex(), a)
		}
	}
	return nil
}

// checkDistinct rejects zero and repeated addresses.
func checkDistinct(addrs []interfaces.Address) error {
	seen := make(map[interfaces.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if a == interfaces.ZeroAddress {
			return interfaces.ErrInvalidAddress.Explain("zero address")
		}
		if _, dup := seen[a]; dup {
			return interfaces.ErrDuplicateElementFound.Explain("%s", a.Hex())
		}
		seen[a] = struct{}{}
	}
	return nil
}
