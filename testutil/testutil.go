// Package testutil wires the spend engine over in-memory collaborators for
// tests
package testutil

import (
	"context"
	"crypto/ecdsa"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/cashspend/internal/spend/adapters"
	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/ledger"
	"github.com/Aidin1998/cashspend/internal/spend/repository"
	"github.com/Aidin1998/cashspend/internal/spend/services"
)

// Fixed addresses used across the spend tests.
var (
	TokenUSDC = common.HexToAddress("0x2a22f9c3b484c3629090FeED35F17Ff8F88f76F0")
	TokenWETH = common.HexToAddress("0x6A023CCd1ff6F2045C3309768eAd9E68F978f6e1")
	TokenGNO  = common.HexToAddress("0x9C58BAcC331c9aa871AFD802DB6379a98e80CEdb")

	BinSponsorDest = common.HexToAddress("0x00000000000000000000000000000000000b1a5e")
	CashbackHolder = common.HexToAddress("0x00000000000000000000000000000000000cb0cb")
	LendingPool    = common.HexToAddress("0x0000000000000000000000000000000000001e4d")

	Processor = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	Admin     = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	Onboarder = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	Module    = common.HexToAddress("0x0000000000000000000000000000000000000a04")
)

// Epoch is the default start of the test clock: mid-month, mid-day UTC.
var Epoch = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

const BinSponsor = "rain"

// DefaultConfig returns the configuration the harness starts from.
func DefaultConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		ChainID:     100,
		Delays: config.DelaysConfig{
			Withdrawal: 3 * time.Minute,
			SpendLimit: 6 * time.Hour,
			Mode:       time.Minute,
		},
		Tokens: []config.TokenConfig{
			{Symbol: "USDC", Address: TokenUSDC.Hex(), Decimals: 6, Withdrawable: true, Borrowable: true, Price: "1"},
			{Symbol: "WETH", Address: TokenWETH.Hex(), Decimals: 18, Withdrawable: true, LTV: "80", Price: "2000"},
			{Symbol: "GNO", Address: TokenGNO.Hex(), Decimals: 18, Price: "100"},
		},
		BinSponsors: map[string]string{BinSponsor: BinSponsorDest.Hex()},
		Cashback: config.CashbackConfig{
			Dispatcher:         CashbackHolder.Hex(),
			TierPercentages:    map[string]string{"pepe": "1", "wojak": "2", "chad": "3", "whale": "4", "business": "1.5"},
			ReferrerPercentage: "0.5",
		},
		Modules: config.ModulesConfig{
			Whitelist:            []string{Module.Hex()},
			WithdrawalRequesters: []string{Module.Hex()},
		},
		Debt: config.DebtConfig{LendingPool: LendingPool.Hex()},
	}
}

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(at time.Time) *Clock {
	return &Clock{now: at}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// Recorder collects published events.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *Recorder) Publish(_ context.Context, events []interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns everything published so far.
func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

// OfType filters Events by type.
func (r *Recorder) OfType(t interfaces.EventType) []interfaces.Event {
	var out []interfaces.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Harness is an engine over the in-memory store, ledger and debt book.
type Harness struct {
	T   testing.TB
	Ctx context.Context

	Config   *config.Engine
	Store    *repository.MemoryStore
	Ledger   *ledger.MemoryLedger
	DebtBook *adapters.MemoryDebtBook
	Debt     *adapters.CollateralDebtManager
	Prices   *adapters.StaticPriceProvider
	Owners   *auth.MemoryOwnerRegistry
	Roles    *auth.StaticRoleRegistry
	Events   *Recorder
	Clock    *Clock
	Engine   *services.Engine

	keys []*ecdsa.PrivateKey
}

// NewHarness builds an engine from cfg, DefaultConfig when nil.
func NewHarness(t testing.TB, cfg *config.Config) *Harness {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	engineCfg, err := config.NewEngine(cfg)
	require.NoError(t, err)

	prices := adapters.NewStaticPriceProvider(nil)
	for _, tc := range cfg.Tokens {
		if tc.Price != "" {
			prices.Set(common.HexToAddress(tc.Address), decimal.RequireFromString(tc.Price))
		}
	}

	log := zap.NewNop()
	h := &Harness{
		T:        t,
		Ctx:      context.Background(),
		Config:   engineCfg,
		Ledger:   ledger.NewMemoryLedger(),
		DebtBook: adapters.NewMemoryDebtBook(),
		Prices:   prices,
		Owners:   auth.NewMemoryOwnerRegistry(),
		Roles:    auth.NewStaticRoleRegistry(nil),
		Events:   &Recorder{},
		Clock:    NewClock(Epoch),
	}
	h.Store = repository.NewMemoryStore(h.Ledger, h.DebtBook)
	h.Debt = adapters.NewCollateralDebtManager(engineCfg, h.Ledger, prices, h.DebtBook, common.HexToAddress(cfg.Debt.LendingPool), log)

	h.Roles.Grant(Processor, interfaces.CapabilitySpend)
	h.Roles.Grant(Admin, interfaces.CapabilityConfigAdmin)
	h.Roles.Grant(Onboarder, interfaces.CapabilityOnboarding)

	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		h.keys = append(h.keys, key)
	}

	h.Engine = services.NewEngine(engineCfg, services.Dependencies{
		Store:      h.Store,
		Ledger:     h.Ledger,
		Debt:       h.Debt,
		Cashback:   adapters.NewLedgerCashbackDispatcher(common.HexToAddress(cfg.Cashback.Dispatcher), h.Ledger, prices, log),
		Settlement: adapters.NewLedgerSettlementDispatcher(h.Ledger, log),
		Verifier:   auth.NewOwnerVerifier(h.Owners),
		Roles:      h.Roles,
		Publisher:  h.Events,
		Clock:      h.Clock.Now,
		Logger:     log,
	})
	return h
}

// OwnerAddresses returns the owners every registered account gets.
func (h *Harness) OwnerAddresses() []common.Address {
	out := make([]common.Address, 0, len(h.keys))
	for _, k := range h.keys {
		out = append(out, crypto.PubkeyToAddress(k.PublicKey))
	}
	return out
}

// OwnerKey returns the i-th owner key.
func (h *Harness) OwnerKey(i int) *ecdsa.PrivateKey {
	return h.keys[i]
}

// NewAccount returns a fresh random account address.
func NewAccount(t testing.TB) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Register onboards account with the given USD limits and a 2-of-3 owner set.
func (h *Harness) Register(account common.Address, daily, monthly int64) *interfaces.AccountState {
	h.T.Helper()
	h.Owners.SetOwners(account, h.OwnerAddresses(), 2)
	state, _, err := h.Engine.RegisterAccount(h.Ctx, Onboarder, account,
		decimal.NewFromInt(daily), decimal.NewFromInt(monthly), 0)
	require.NoError(h.T, err)
	return state
}

// Fund mints amount of token to holder.
func (h *Harness) Fund(holder, token common.Address, amount string) {
	h.T.Helper()
	require.NoError(h.T, h.Ledger.Mint(h.Ctx, holder, token, decimal.RequireFromString(amount)))
}

// Balance reads the ledger balance of holder.
func (h *Harness) Balance(holder, token common.Address) decimal.Decimal {
	h.T.Helper()
	b, err := h.Ledger.Balance(h.Ctx, holder, token)
	require.NoError(h.T, err)
	return b
}

// Sign produces a quorum authorization for action on account at its current
// nonce, signed by the first n owners.
func (h *Harness) Sign(account common.Address, action auth.Action, payload []byte, n int) interfaces.Authorization {
	h.T.Helper()
	digest, err := h.Engine.Digest(h.Ctx, account, action, payload)
	require.NoError(h.T, err)
	return SignDigest(h.T, digest, h.keys[:n]...)
}

// SignDigest signs digest with every key.
func SignDigest(t testing.TB, digest common.Hash, keys ...*ecdsa.PrivateKey) interfaces.Authorization {
	t.Helper()
	authz := interfaces.Authorization{}
	for _, k := range keys {
		sig, err := crypto.Sign(digest.Bytes(), k)
		require.NoError(t, err)
		authz.Signatures = append(authz.Signatures, sig)
	}
	return authz
}

// SpendRequest builds a spend of usd[i] of tokens[i] through the default bin
// sponsor.
func SpendRequest(account common.Address, txID string, tokens []common.Address, usd ...string) *interfaces.SpendRequest {
	amounts := make([]decimal.Decimal, 0, len(usd))
	for _, u := range usd {
		amounts = append(amounts, decimal.RequireFromString(u))
	}
	return &interfaces.SpendRequest{
		Account:       account,
		TransactionID: txID,
		BinSponsor:    BinSponsor,
		Tokens:        tokens,
		AmountsInUSD:  amounts,
	}
}

// Percentile returns the p-th percentile value from a slice of durations.
func Percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// OpenSQLite opens a private in-memory database closed at test cleanup.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
