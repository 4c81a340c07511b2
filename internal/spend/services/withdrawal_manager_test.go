package services_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/services"
	"github.com/Aidin1998/cashspend/testutil"
)

func TestRequestWithdrawalValidation(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	recipient := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")
	h.Fund(account, testutil.TokenGNO, "100")

	cases := []struct {
		name      string
		tokens    []common.Address
		amounts   []decimal.Decimal
		recipient common.Address
		want      error
	}{
		{"zero recipient", usdc(), []decimal.Decimal{dec("1")}, common.Address{}, interfaces.ErrInvalidAddress},
		{"not withdrawable", []common.Address{testutil.TokenGNO}, []decimal.Decimal{dec("1")}, recipient, interfaces.ErrUnsupportedToken},
		{"above balance", usdc(), []decimal.Decimal{dec("100.000001")}, recipient, interfaces.ErrInsufficientBalance},
		{"rounds to zero", usdc(), []decimal.Decimal{dec("0.0000001")}, recipient, interfaces.ErrAmountZero},
		{"mismatch", usdc(), []decimal.Decimal{dec("1"), dec("2")}, recipient, interfaces.ErrArrayLengthMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := requestWithdrawal(h, account, tc.tokens, tc.amounts, tc.recipient)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	pending, err := h.Engine.PendingWithdrawal(h.Ctx, account)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestRequestWithdrawalTruncatesToTokenDecimals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")

	_, err := requestWithdrawal(h, account, usdc(), []decimal.Decimal{dec("12.3456789")}, testutil.NewAccount(t))
	require.NoError(t, err)

	pending, err := h.Engine.PendingWithdrawal(h.Ctx, account)
	require.NoError(t, err)
	assertDec(t, "12.345678", pending.AmountFor(testutil.TokenUSDC))
}

func TestRequestWithdrawalRejectsUnhealthyPosition(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Register(account, 5000, 10000)
	h.Fund(testutil.LendingPool, testutil.TokenUSDC, "10000")
	h.Fund(account, testutil.TokenWETH, "1")
	require.NoError(t, setMode(h, account, interfaces.ModeCredit))
	h.Clock.Advance(time.Minute)

	_, err := h.Engine.Spend(h.Ctx, testutil.Processor, testutil.SpendRequest(account, "tx-1", usdc(), "1000"))
	require.NoError(t, err)

	_, err = requestWithdrawal(h, account, []common.Address{testutil.TokenWETH}, []decimal.Decimal{dec("0.5")}, testutil.NewAccount(t))
	assert.ErrorIs(t, err, interfaces.ErrAccountUnhealthy)

	_, err = requestWithdrawal(h, account, []common.Address{testutil.TokenWETH}, []decimal.Decimal{dec("0.1")}, testutil.NewAccount(t))
	assert.NoError(t, err)
}

func TestOwnerSignatures(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	recipient := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")

	tokens, amounts := usdc(), []decimal.Decimal{dec("10")}
	payload := auth.WithdrawalPayload(tokens, amounts, recipient)
	digest, err := h.Engine.Digest(h.Ctx, account, auth.ActionRequestWithdrawal, payload)
	require.NoError(t, err)

	t.Run("below threshold", func(t *testing.T) {
		authz := testutil.SignDigest(t, digest, h.OwnerKey(0))
		_, err := h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
		assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)
	})

	t.Run("same owner twice", func(t *testing.T) {
		authz := testutil.SignDigest(t, digest, h.OwnerKey(0), h.OwnerKey(0))
		_, err := h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
		assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)
	})

	t.Run("non owner", func(t *testing.T) {
		outsider, err := crypto.GenerateKey()
		require.NoError(t, err)
		authz := testutil.SignDigest(t, digest, h.OwnerKey(0), outsider)
		_, err = h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
		assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)
	})

	t.Run("different payload", func(t *testing.T) {
		authz := testutil.SignDigest(t, digest, h.OwnerKey(0), h.OwnerKey(1))
		_, err := h.Engine.RequestWithdrawal(h.Ctx, account, tokens, []decimal.Decimal{dec("11")}, recipient, authz)
		assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)
	})

	authz := testutil.SignDigest(t, digest, h.OwnerKey(1), h.OwnerKey(2))
	_, err = h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
	require.NoError(t, err)

	state, err := h.Engine.Account(h.Ctx, account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Nonce)

	// The nonce moved on, so the same signatures cannot be replayed.
	_, err = h.Engine.RequestWithdrawal(h.Ctx, account, tokens, amounts, recipient, authz)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignatures)
}

func TestCancelWithdrawalByOwners(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")

	_, err := h.Engine.CancelWithdrawal(h.Ctx, account, interfaces.Authorization{})
	require.ErrorIs(t, err, interfaces.ErrWithdrawalDoesNotExist)

	_, err = requestWithdrawal(h, account, usdc(), []decimal.Decimal{dec("10")}, testutil.NewAccount(t))
	require.NoError(t, err)

	_, err = h.Engine.CancelWithdrawal(h.Ctx, account, interfaces.Authorization{})
	require.ErrorIs(t, err, interfaces.ErrInvalidSignatures)

	authz := h.Sign(account, auth.ActionCancelWithdrawal, auth.CancelWithdrawalPayload(), 2)
	events, err := h.Engine.CancelWithdrawal(h.Ctx, account, authz)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.EventWithdrawalCancelled, events[0].Type)

	pending, err := h.Engine.PendingWithdrawal(h.Ctx, account)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestModuleWithdrawals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	recipient := testutil.NewAccount(t)
	other := common.HexToAddress("0x0000000000000000000000000000000000000a05")
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")

	_, err := h.Engine.RequestWithdrawalByModule(h.Ctx, other, account, usdc(), []decimal.Decimal{dec("10")}, recipient)
	require.ErrorIs(t, err, interfaces.ErrOnlyModule)

	events, err := h.Engine.RequestWithdrawalByModule(h.Ctx, testutil.Module, account, usdc(), []decimal.Decimal{dec("10")}, recipient)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pending, err := h.Engine.PendingWithdrawal(h.Ctx, account)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InitiatorModule, pending.Initiator.Kind)
	assert.Equal(t, testutil.Module, pending.Initiator.Module)

	// Owners cannot cancel a module request, whatever they sign.
	authz := h.Sign(account, auth.ActionCancelWithdrawal, auth.CancelWithdrawalPayload(), 3)
	_, err = h.Engine.CancelWithdrawal(h.Ctx, account, authz)
	require.ErrorIs(t, err, interfaces.ErrOwnersCannotCancelModule)

	require.NoError(t, h.Engine.SetModuleWhitelist(h.Ctx, testutil.Admin, []common.Address{other}, []bool{true}))
	_, err = h.Engine.CancelWithdrawalByModule(h.Ctx, other, account)
	require.ErrorIs(t, err, interfaces.ErrNotWithdrawalInitiator)

	require.NoError(t, h.Engine.SetModuleWhitelist(h.Ctx, testutil.Admin, []common.Address{testutil.Module}, []bool{false}))
	_, err = h.Engine.CancelWithdrawalByModule(h.Ctx, testutil.Module, account)
	require.ErrorIs(t, err, interfaces.ErrOnlyModule)

	require.NoError(t, h.Engine.SetModuleWhitelist(h.Ctx, testutil.Admin, []common.Address{testutil.Module}, []bool{true}))
	_, err = h.Engine.CancelWithdrawalByModule(h.Ctx, testutil.Module, account)
	require.NoError(t, err)
}

func TestProcessWithdrawalAfterTokenDelisted(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "100")

	_, err := requestWithdrawal(h, account, usdc(), []decimal.Decimal{dec("10")}, testutil.NewAccount(t))
	require.NoError(t, err)
	require.NoError(t, h.Engine.SetWithdrawableTokens(h.Ctx, testutil.Admin, usdc(), []bool{false}))
	h.Clock.Advance(time.Hour)

	_, err = h.Engine.ProcessWithdrawal(h.Ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedToken)
	assertDec(t, "100", h.Balance(account, testutil.TokenUSDC))
}

func TestReconcileShrinksToBalance(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Fund(account, testutil.TokenUSDC, "30")
	h.Fund(account, testutil.TokenWETH, "2")

	wm := services.NewWithdrawalManager(h.Config, h.Ledger, h.Debt, zap.NewNop())
	state := interfaces.NewAccountState(account, testutil.Epoch)
	state.PendingWithdrawal = &interfaces.WithdrawalRequest{
		Tokens:      []common.Address{testutil.TokenUSDC, testutil.TokenWETH},
		Amounts:     []decimal.Decimal{dec("80"), dec("1")},
		Recipient:   testutil.NewAccount(t),
		RequestedAt: testutil.Epoch,
		Initiator:   interfaces.Initiator{Kind: interfaces.InitiatorOwners},
	}

	events, err := wm.Reconcile(h.Ctx, state, testutil.Epoch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.EventWithdrawalAmountUpdated, events[0].Type)
	payload := events[0].Payload.(interfaces.WithdrawalAmountUpdatedPayload)
	assertDec(t, "80", payload.Previous)
	assertDec(t, "30", payload.Current)

	require.NotNil(t, state.PendingWithdrawal)
	assertDec(t, "30", state.PendingWithdrawal.AmountFor(testutil.TokenUSDC))
	assertDec(t, "1", state.PendingWithdrawal.AmountFor(testutil.TokenWETH))
}

func TestReconcileCancelsEmptiedRequest(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)

	wm := services.NewWithdrawalManager(h.Config, h.Ledger, h.Debt, zap.NewNop())
	state := interfaces.NewAccountState(account, testutil.Epoch)
	state.PendingWithdrawal = &interfaces.WithdrawalRequest{
		Tokens:    usdc(),
		Amounts:   []decimal.Decimal{dec("5")},
		Recipient: testutil.NewAccount(t),
		Initiator: interfaces.Initiator{Kind: interfaces.InitiatorOwners},
	}

	events, err := wm.Reconcile(h.Ctx, state, testutil.Epoch)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, interfaces.EventWithdrawalAmountUpdated, events[0].Type)
	assert.Equal(t, interfaces.EventWithdrawalCancelled, events[1].Type)
	assert.Nil(t, state.PendingWithdrawal)
}
