package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

var hundred = decimal.NewFromInt(100)

// Engine is the runtime configuration held by the spend engine. Setters
// validate before committing; getters are safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	chainID           int64
	withdrawalDelay   time.Duration
	spendLimitDelay   time.Duration
	modeToCreditDelay time.Duration
	modeToDebitDelay  time.Duration

	tokens               map[common.Address]TokenConfig
	withdrawableTokens   map[common.Address]bool
	binSponsors          map[string]common.Address
	moduleWhitelist      map[common.Address]bool
	withdrawalRequesters map[common.Address]bool

	tierCashback     map[interfaces.Tier]decimal.Decimal
	referrerCashback decimal.Decimal
	cashbackToken    common.Address
}

// NewEngine builds the runtime configuration from a loaded Config.
func NewEngine(cfg *Config) (*Engine, error) {
	e := &Engine{
		chainID:              cfg.ChainID,
		tokens:               make(map[common.Address]TokenConfig),
		withdrawableTokens:   make(map[common.Address]bool),
		binSponsors:          make(map[string]common.Address),
		moduleWhitelist:      make(map[common.Address]bool),
		withdrawalRequesters: make(map[common.Address]bool),
		tierCashback:         make(map[interfaces.Tier]decimal.Decimal),
		referrerCashback:     decimal.Zero,
	}

	toCredit, toDebit := cfg.Delays.Mode, cfg.Delays.Mode
	if cfg.Delays.ModeToCredit != nil {
		toCredit = *cfg.Delays.ModeToCredit
	}
	if cfg.Delays.ModeToDebit != nil {
		toDebit = *cfg.Delays.ModeToDebit
	}
	if err := e.SetDelays(cfg.Delays.Withdrawal, cfg.Delays.SpendLimit, toCredit, toDebit); err != nil {
		return nil, err
	}

	for _, t := range cfg.Tokens {
		addr := common.HexToAddress(t.Address)
		e.tokens[addr] = t
		if t.Withdrawable {
			e.withdrawableTokens[addr] = true
		}
	}

	for name, dispatcher := range cfg.BinSponsors {
		if err := e.SetBinSponsor(name, common.HexToAddress(dispatcher)); err != nil {
			return nil, err
		}
	}

	for _, m := range cfg.Modules.Whitelist {
		e.moduleWhitelist[common.HexToAddress(m)] = true
	}
	for _, m := range cfg.Modules.WithdrawalRequesters {
		e.withdrawalRequesters[common.HexToAddress(m)] = true
	}

	for tier, pct := range cfg.Cashback.TierPercentages {
		p, err := decimal.NewFromString(pct)
		if err != nil {
			return nil, fmt.Errorf("invalid cashback percentage for tier %s: %w", tier, err)
		}
		if err := e.SetTierCashbackPercentage(interfaces.Tier(strings.ToLower(tier)), p); err != nil {
			return nil, err
		}
	}
	if cfg.Cashback.ReferrerPercentage != "" {
		p, err := decimal.NewFromString(cfg.Cashback.ReferrerPercentage)
		if err != nil {
			return nil, fmt.Errorf("invalid referrer percentage: %w", err)
		}
		if err := e.SetReferrerCashbackPercentage(p); err != nil {
			return nil, err
		}
	}
	if cfg.Cashback.Token != "" {
		e.cashbackToken = common.HexToAddress(cfg.Cashback.Token)
	}

	return e, nil
}

func validPercentage(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

// SetDelays replaces all delays.
func (e *Engine) SetDelays(withdrawal, spendLimit, modeToCredit, modeToDebit time.Duration) error {
	for _, d := range []time.Duration{withdrawal, spendLimit, modeToCredit, modeToDebit} {
		if d < 0 {
			return interfaces.ErrInvalidDelay.Explain("delay %s is negative", d)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.withdrawalDelay = withdrawal
	e.spendLimitDelay = spendLimit
	e.modeToCreditDelay = modeToCredit
	e.modeToDebitDelay = modeToDebit
	return nil
}

// SetBinSponsor routes a bin sponsor to a settlement destination.
func (e *Engine) SetBinSponsor(name string, dispatcher common.Address) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return interfaces.ErrInvalidInput.Explain("bin sponsor name is empty")
	}
	if dispatcher == interfaces.ZeroAddress {
		return interfaces.ErrInvalidAddress.Explain("dispatcher for bin sponsor %s is zero", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.binSponsors[name] = dispatcher
	return nil
}

// SetWithdrawableTokens configures the withdrawal whitelist.
func (e *Engine) SetWithdrawableTokens(tokens []common.Address, allowed []bool) error {
	if len(tokens) == 0 {
		return interfaces.ErrEmptyInput
	}
	if len(tokens) != len(allowed) {
		return interfaces.ErrArrayLengthMismatch
	}
	for _, t := range tokens {
		if t == interfaces.ZeroAddress {
			return interfaces.ErrInvalidAddress
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, t := range tokens {
		if allowed[i] {
			e.withdrawableTokens[t] = true
		} else {
			delete(e.withdrawableTokens, t)
		}
	}
	return nil
}

// SetModuleWhitelist configures the global module whitelist.
func (e *Engine) SetModuleWhitelist(modules []common.Address, allowed []bool) error {
	return e.setAddressSet(&e.moduleWhitelist, modules, allowed)
}

// SetWithdrawalRequesters configures which modules may request withdrawals.
func (e *Engine) SetWithdrawalRequesters(modules []common.Address, allowed []bool) error {
	return e.setAddressSet(&e.withdrawalRequesters, modules, allowed)
}

func (e *Engine) setAddressSet(set *map[common.Address]bool, addrs []common.Address, allowed []bool) error {
	if len(addrs) == 0 {
		return interfaces.ErrEmptyInput
	}
	if len(addrs) != len(allowed) {
		return interfaces.ErrArrayLengthMismatch
	}
	for _, a := range addrs {
		if a == interfaces.ZeroAddress {
			return interfaces.ErrInvalidAddress
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, a := range addrs {
		if allowed[i] {
			(*set)[a] = true
		} else {
			delete(*set, a)
		}
	}
	return nil
}

// SetTierCashbackPercentage sets the cashback percentage of a tier.
func (e *Engine) SetTierCashbackPercentage(tier interfaces.Tier, pct decimal.Decimal) error {
	if tier == "" {
		return interfaces.ErrInvalidInput.Explain("tier is empty")
	}
	if !validPercentage(pct) {
		return interfaces.ErrInvalidPercentage.Explain("tier %s percentage %s", tier, pct)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tierCashback[tier] = pct
	return nil
}

// SetReferrerCashbackPercentage sets the referral cashback percentage.
func (e *Engine) SetReferrerCashbackPercentage(pct decimal.Decimal) error {
	if !validPercentage(pct) {
		return interfaces.ErrInvalidPercentage.Explain("referrer percentage %s", pct)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referrerCashback = pct
	return nil
}

// SetCashbackToken sets the token used for tier-derived cashback.
func (e *Engine) SetCashbackToken(token common.Address) error {
	if token == interfaces.ZeroAddress {
		return interfaces.ErrInvalidAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cashbackToken = token
	return nil
}

func (e *Engine) ChainID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chainID
}

func (e *Engine) WithdrawalDelay() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.withdrawalDelay
}

func (e *Engine) SpendLimitDelay() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spendLimitDelay
}

// ModeDelay returns the activation delay for switching into target.
func (e *Engine) ModeDelay(target interfaces.Mode) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if target == interfaces.ModeCredit {
		return e.modeToCreditDelay
	}
	return e.modeToDebitDelay
}

// Token returns the token configuration.
func (e *Engine) Token(token common.Address) (TokenConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tokens[token]
	return t, ok
}

// TokenDecimals returns the precision of token amounts, 18 when unknown.
func (e *Engine) TokenDecimals(token common.Address) int32 {
	if t, ok := e.Token(token); ok {
		return t.Decimals
	}
	return 18
}

func (e *Engine) IsWithdrawable(token common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.withdrawableTokens[token]
}

func (e *Engine) BinSponsor(name string) (common.Address, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr, ok := e.binSponsors[strings.ToLower(strings.TrimSpace(name))]
	return addr, ok
}

// SuggestBinSponsor returns the configured bin sponsor closest to name, or
// "" when none is within two edits.
func (e *Engine) SuggestBinSponsor(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	e.mu.RLock()
	defer e.mu.RUnlock()
	best, bestDistance := "", 3
	for candidate := range e.binSponsors {
		d := levenshtein.ComputeDistance(name, candidate)
		if d < bestDistance || (d == bestDistance && candidate < best) {
			best, bestDistance = candidate, d
		}
	}
	return best
}

// BinSponsors returns the configured bin sponsor routes.
func (e *Engine) BinSponsors() map[string]common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]common.Address, len(e.binSponsors))
	for k, v := range e.binSponsors {
		out[k] = v
	}
	return out
}

func (e *Engine) IsWhitelistedModule(module common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.moduleWhitelist[module]
}

func (e *Engine) IsWithdrawalRequester(module common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.withdrawalRequesters[module]
}

// TierCashbackPercentage returns zero for unknown tiers.
func (e *Engine) TierCashbackPercentage(tier interfaces.Tier) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.tierCashback[tier]; ok {
		return p
	}
	return decimal.Zero
}

func (e *Engine) ReferrerCashbackPercentage() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.referrerCashback
}

func (e *Engine) CashbackToken() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cashbackToken
}

// Tokens returns the configured tokens.
func (e *Engine) Tokens() []TokenConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TokenConfig, 0, len(e.tokens))
	for _, t := range e.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
