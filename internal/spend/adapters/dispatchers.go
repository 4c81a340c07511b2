package adapters

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

// LedgerSettlementDispatcher moves settled tokens from the account to the
// destination on the token ledger. Forwarding onward is the destination's job.
type LedgerSettlementDispatcher struct {
	ledger interfaces.TokenLedger
	log    *zap.Logger
}

func NewLedgerSettlementDispatcher(ledger interfaces.TokenLedger, log *zap.Logger) *LedgerSettlementDispatcher {
	return &LedgerSettlementDispatcher{ledger: ledger, log: log}
}

func (d *LedgerSettlementDispatcher) Dispatch(ctx context.Context, destination common.Address, s interfaces.Settlement) error {
	if destination == interfaces.ZeroAddress {
		return interfaces.ErrInvalidBinSponsor.Explain("destination for %q is zero", s.BinSponsor)
	}
	if err := d.ledger.Transfer(ctx, s.Account, destination, s.Token, s.Amount); err != nil {
		return err
	}
	d.log.Debug("settled",
		zap.String("account", s.Account.Hex()),
		zap.String("bin_sponsor", s.BinSponsor),
		zap.String("destination", destination.Hex()),
		zap.String("token", s.Token.Hex()),
		zap.String("amount", s.Amount.String()))
	return nil
}

// LedgerCashbackDispatcher pays cashback out of a holder balance on the
// token ledger.
type LedgerCashbackDispatcher struct {
	holder common.Address
	ledger interfaces.TokenLedger
	prices interfaces.PriceProvider
	log    *zap.Logger
}

func NewLedgerCashbackDispatcher(holder common.Address, ledger interfaces.TokenLedger, prices interfaces.PriceProvider, log *zap.Logger) *LedgerCashbackDispatcher {
	return &LedgerCashbackDispatcher{holder: holder, ledger: ledger, prices: prices, log: log}
}

// Holder is the address whose balance funds cashback.
func (d *LedgerCashbackDispatcher) Holder() common.Address {
	return d.holder
}

func (d *LedgerCashbackDispatcher) ConvertUSDToCashbackToken(ctx context.Context, token common.Address, amountInUSD decimal.Decimal) (decimal.Decimal, error) {
	price, err := d.prices.Price(ctx, token)
	if err != nil {
		if errors.Is(err, interfaces.ErrPriceNotAvailable) {
			return decimal.Zero, interfaces.ErrCashbackTokenPriceNotConfigured.Wrap(err).Explain("%s", token.Hex())
		}
		return decimal.Zero, err
	}
	return amountInUSD.Div(price), nil
}

func (d *LedgerCashbackDispatcher) Pay(ctx context.Context, recipient, token common.Address, amount decimal.Decimal) (bool, error) {
	balance, err := d.ledger.Balance(ctx, d.holder, token)
	if err != nil {
		return false, fmt.Errorf("failed to read cashback liquidity: %w", err)
	}
	if balance.LessThan(amount) {
		return false, nil
	}
	if err := d.ledger.Transfer(ctx, d.holder, recipient, token, amount); err != nil {
		return false, err
	}
	return true, nil
}
