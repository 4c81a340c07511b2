package services

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Admin operations require the config_admin capability.

func (e *Engine) admin(ctx context.Context, caller common.Address, what string, fn func() error) error {
	if err := auth.Authorize(ctx, e.roles, caller, interfaces.CapabilityConfigAdmin); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	e.logger.Info("Configuration changed", zap.String("setting", what), zap.String("caller", caller.Hex()))
	return nil
}

func (e *Engine) SetDelays(ctx context.Context, caller common.Address, withdrawal, spendLimit, modeToCredit, modeToDebit time.Duration) error {
	return e.admin(ctx, caller, "delays", func() error {
		return e.cfg.SetDelays(withdrawal, spendLimit, modeToCredit, modeToDebit)
	})
}

func (e *Engine) SetBinSponsor(ctx context.Context, caller common.Address, name string, dispatcher common.Address) error {
	return e.admin(ctx, caller, "bin_sponsor", func() error {
		return e.cfg.SetBinSponsor(name, dispatcher)
	})
}

func (e *Engine) SetWithdrawableTokens(ctx context.Context, caller common.Address, tokens []common.Address, allowed []bool) error {
	return e.admin(ctx, caller, "withdrawable_tokens", func() error {
		return e.cfg.SetWithdrawableTokens(tokens, allowed)
	})
}

func (e *Engine) SetModuleWhitelist(ctx context.Context, caller common.Address, modules []common.Address, allowed []bool) error {
	return e.admin(ctx, caller, "module_whitelist", func() error {
		return e.cfg.SetModuleWhitelist(modules, allowed)
	})
}

func (e *Engine) SetWithdrawalRequesters(ctx context.Context, caller common.Address, modules []common.Address, allowed []bool) error {
	return e.admin(ctx, caller, "withdrawal_requesters", func() error {
		return e.cfg.SetWithdrawalRequesters(modules, allowed)
	})
}

func (e *Engine) SetTierCashbackPercentage(ctx context.Context, caller common.Address, tier interfaces.Tier, pct decimal.Decimal) error {
	return e.admin(ctx, caller, "tier_cashback", func() error {
		if !validTier(tier) {
			return interfaces.ErrInvalidInput.Explain("unknown tier %q", tier)
		}
		return e.cfg.SetTierCashbackPercentage(tier, pct)
	})
}

func (e *Engine) SetReferrerCashbackPercentage(ctx context.Context, caller common.Address, pct decimal.Decimal) error {
	return e.admin(ctx, caller, "referrer_cashback", func() error {
		return e.cfg.SetReferrerCashbackPercentage(pct)
	})
}

func validTier(t interfaces.Tier) bool {
	switch t {
	case interfaces.TierPepe, interfaces.TierWojak, interfaces.TierChad, interfaces.TierWhale, interfaces.TierBusiness:
		return true
	}
	return false
}

// SetTier moves account to tier.
func (e *Engine) SetTier(ctx context.Context, caller, account common.Address, tier interfaces.Tier) ([]interfaces.Event, error) {
	if err := auth.Authorize(ctx, e.roles, caller, interfaces.CapabilityConfigAdmin); err != nil {
		return nil, err
	}
	if !validTier(tier) {
		return nil, interfaces.ErrInvalidInput.Explain("unknown tier %q", tier)
	}
	return e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		previous := state.Tier
		if previous == tier {
			return nil, nil
		}
		state.Tier = tier
		return []interfaces.Event{interfaces.NewEvent(interfaces.EventTierSet, account, now,
			interfaces.TierSetPayload{Previous: previous, Current: tier})}, nil
	})
}
