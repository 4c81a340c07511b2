package spend_test

import (
	"context"
	"crypto/ecdsa"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/cashspend/internal/spend"
	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/testutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// moduleConfig is the harness configuration on top of the service defaults.
func moduleConfig() *config.Config {
	cfg := config.Default()
	base := testutil.DefaultConfig()
	cfg.Environment = "test"
	cfg.ChainID = base.ChainID
	cfg.Delays = base.Delays
	cfg.Tokens = base.Tokens
	cfg.BinSponsors = base.BinSponsors
	cfg.Cashback = base.Cashback
	cfg.Modules = base.Modules
	cfg.Debt = base.Debt
	cfg.Roles = map[string][]string{
		testutil.Processor.Hex(): {"spend"},
		testutil.Onboarder.Hex(): {"onboarding"},
		testutil.Admin.Hex():     {"config_admin"},
	}
	return cfg
}

func startModule(t *testing.T) (*spend.Module, context.Context) {
	ctx := context.Background()
	m, err := spend.NewModule(spend.ModuleOptions{
		Config:   moduleConfig(),
		Logger:   zaptest.NewLogger(t),
		Database: testutil.OpenSQLite(t),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop(ctx) })
	return m, ctx
}

func TestModuleRejectsInvalidConfig(t *testing.T) {
	cfg := moduleConfig()
	cfg.ChainID = 0
	_, err := spend.NewModule(spend.ModuleOptions{Config: cfg, Database: testutil.OpenSQLite(t)})
	assert.Error(t, err)

	cfg = moduleConfig()
	cfg.Prices.Source = "redis"
	_, err = spend.NewModule(spend.ModuleOptions{Config: cfg, Database: testutil.OpenSQLite(t)})
	assert.Error(t, err, "redis prices need a client")
}

func TestModuleSpendOnDatabase(t *testing.T) {
	m, ctx := startModule(t)
	engine := m.Engine()
	account := testutil.NewAccount(t)

	_, _, err := engine.RegisterAccount(ctx, testutil.Onboarder, account, dec("100"), dec("1000"), 0)
	require.NoError(t, err)
	require.NoError(t, m.Ledger().Mint(ctx, account, testutil.TokenUSDC, dec("500")))

	_, err = engine.Spend(ctx, testutil.Processor, testutil.SpendRequest(account, "tx-1", []common.Address{testutil.TokenUSDC}, "40"))
	require.NoError(t, err)
	_, err = engine.Spend(ctx, testutil.Processor, testutil.SpendRequest(account, "tx-1", []common.Address{testutil.TokenUSDC}, "40"))
	assert.ErrorIs(t, err, interfaces.ErrTransactionAlreadyCleared)

	// A rejected spend leaves no trace in the database.
	_, err = engine.Spend(ctx, testutil.Processor, testutil.SpendRequest(account, "tx-2", []common.Address{testutil.TokenUSDC}, "61"))
	assert.ErrorIs(t, err, interfaces.ErrExceededDailySpendingLimit)

	balance, err := m.Ledger().Balance(ctx, account, testutil.TokenUSDC)
	require.NoError(t, err)
	assert.True(t, dec("460").Equal(balance), balance.String())
	balance, err = m.Ledger().Balance(ctx, testutil.BinSponsorDest, testutil.TokenUSDC)
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(balance), balance.String())

	limit, err := engine.ApplicableSpendingLimit(ctx, account)
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(limit.SpentToday), limit.SpentToday.String())
}

func TestModuleOwnerQuorumOnDatabase(t *testing.T) {
	m, ctx := startModule(t)
	engine := m.Engine()
	account := testutil.NewAccount(t)

	_, _, err := engine.RegisterAccount(ctx, testutil.Onboarder, account, dec("100"), dec("1000"), 0)
	require.NoError(t, err)

	k1, err := crypto.GenerateKey()
	require.NoError(t, err)
	k2, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, m.DB().Create(&auth.AccountThreshold{Account: account.Hex(), Threshold: 2}).Error)
	for _, k := range []*ecdsa.PrivateKey{k1, k2} {
		require.NoError(t, m.DB().Create(&auth.AccountOwner{Account: account.Hex(), Owner: crypto.PubkeyToAddress(k.PublicKey).Hex()}).Error)
	}

	payload := auth.ModePayload(interfaces.ModeCredit.String())
	digest, err := engine.Digest(ctx, account, auth.ActionSetMode, payload)
	require.NoError(t, err)

	_, err = engine.SetMode(ctx, account, interfaces.ModeCredit, testutil.SignDigest(t, digest, k1))
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)

	_, err = engine.SetMode(ctx, account, interfaces.ModeCredit, testutil.SignDigest(t, digest, k1, k2))
	require.NoError(t, err)

	state, err := engine.Account(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Nonce)
	require.NotNil(t, state.PendingMode)
	assert.Equal(t, interfaces.ModeCredit, state.PendingMode.Mode)
}

func requestWithdrawal(t *testing.T, h *testutil.Harness, account, recipient, token common.Address, amount string) {
	tokens := []common.Address{token}
	amounts := []decimal.Decimal{dec(amount)}
	authz := h.Sign(account, auth.ActionRequestWithdrawal, auth.WithdrawalPayload(tokens, amounts, recipient), 2)
	_, err := h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
	require.NoError(t, err)
}

func TestWithdrawalKeeperRunOnce(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	first, second := testutil.NewAccount(t), testutil.NewAccount(t)
	recipient := testutil.NewAccount(t)
	for _, a := range []common.Address{first, second} {
		h.Register(a, 1000, 5000)
		h.Fund(a, testutil.TokenUSDC, "100")
	}

	requestWithdrawal(t, h, first, recipient, testutil.TokenUSDC, "30")
	h.Clock.Advance(2 * time.Minute)
	requestWithdrawal(t, h, second, recipient, testutil.TokenUSDC, "20")

	keeper := spend.NewWithdrawalKeeper(h.Engine, h.Store, nil, time.Minute, 10, zaptest.NewLogger(t))

	n, err := keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has matured")

	h.Clock.Advance(time.Minute)
	n, err = keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dec("30").Equal(h.Balance(recipient, testutil.TokenUSDC)))

	h.Clock.Advance(2 * time.Minute)
	n, err = keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dec("50").Equal(h.Balance(recipient, testutil.TokenUSDC)))
	assert.Len(t, h.Events.OfType(interfaces.EventWithdrawalProcessed), 2)

	n, err = keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithdrawalKeeperSkipsPastFailingRequests(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	older, old, newer := testutil.NewAccount(t), testutil.NewAccount(t), testutil.NewAccount(t)
	recipient := testutil.NewAccount(t)
	for _, a := range []common.Address{older, old, newer} {
		h.Register(a, 1000, 5000)
		h.Fund(a, testutil.TokenUSDC, "100")
		h.Fund(a, testutil.TokenWETH, "1")
	}

	requestWithdrawal(t, h, older, recipient, testutil.TokenUSDC, "30")
	h.Clock.Advance(time.Second)
	requestWithdrawal(t, h, old, recipient, testutil.TokenUSDC, "20")
	h.Clock.Advance(time.Second)
	requestWithdrawal(t, h, newer, recipient, testutil.TokenWETH, "0.5")
	h.Clock.Advance(time.Hour)

	// USDC is delisted after the requests were made, so the two oldest
	// requests fail on every attempt.
	require.NoError(t, h.Config.SetWithdrawableTokens([]common.Address{testutil.TokenUSDC}, []bool{false}))

	keeper := spend.NewWithdrawalKeeper(h.Engine, h.Store, nil, time.Minute, 1, zaptest.NewLogger(t))

	n, err := keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the WETH request behind the failing ones goes out")
	assert.True(t, dec("0.5").Equal(h.Balance(recipient, testutil.TokenWETH)))

	n, err = keeper.RunOnce(h.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a queue of failing requests is walked once per run")

	require.NoError(t, h.Config.SetWithdrawableTokens([]common.Address{testutil.TokenUSDC}, []bool{true}))
	for i := 0; i < 2; i++ {
		n, err = keeper.RunOnce(h.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.True(t, dec("50").Equal(h.Balance(recipient, testutil.TokenUSDC)))
	assert.Len(t, h.Events.OfType(interfaces.EventWithdrawalProcessed), 3)

	pending, err := h.Store.PendingWithdrawals(h.Ctx, h.Clock.Now(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type gate struct{ leader atomic.Bool }

func (g *gate) IsLeader() bool { return g.leader.Load() }

func TestWithdrawalKeeperWaitsForLeadership(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account, recipient := testutil.NewAccount(t), testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")
	requestWithdrawal(t, h, account, recipient, testutil.TokenUSDC, "10")
	h.Clock.Advance(time.Hour)

	g := &gate{}
	keeper := spend.NewWithdrawalKeeper(h.Engine, h.Store, g, 5*time.Millisecond, 10, zap.NewNop())
	require.NoError(t, keeper.Start(h.Ctx))
	defer keeper.Stop(h.Ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.Events.OfType(interfaces.EventWithdrawalProcessed))

	g.leader.Store(true)
	require.Eventually(t, func() bool {
		return len(h.Events.OfType(interfaces.EventWithdrawalProcessed)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "withdrawal-keeper", keeper.Name())
}

type countingRedeliverer struct{ calls atomic.Int32 }

func (c *countingRedeliverer) Redeliver(context.Context, int) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestOutboxWorker(t *testing.T) {
	r := &countingRedeliverer{}
	w := spend.NewOutboxWorker(r, 5*time.Millisecond, 10, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	calls := r.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, r.calls.Load(), "stopped worker stays idle")
}
