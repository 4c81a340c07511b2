package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/cashspend/common/dbutil"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/ledger"
	"github.com/Aidin1998/cashspend/testutil"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	token = testutil.TokenUSDC
)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ledgerContract runs the behaviour both ledgers share.
func ledgerContract(t *testing.T, l interfaces.TokenLedger, mint func(holder common.Address, amt decimal.Decimal) error) {
	ctx := context.Background()

	b, err := l.Balance(ctx, alice, token)
	require.NoError(t, err)
	assert.True(t, b.IsZero())

	require.NoError(t, mint(alice, amount("100")))
	require.NoError(t, l.Transfer(ctx, alice, bob, token, amount("40")))

	b, err = l.Balance(ctx, alice, token)
	require.NoError(t, err)
	assert.True(t, amount("60").Equal(b), b.String())
	b, err = l.Balance(ctx, bob, token)
	require.NoError(t, err)
	assert.True(t, amount("40").Equal(b), b.String())

	err = l.Transfer(ctx, bob, alice, token, amount("41"))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientBalance)
	assert.ErrorIs(t, l.Transfer(ctx, bob, alice, token, decimal.Zero), interfaces.ErrAmountZero)
	assert.ErrorIs(t, mint(bob, amount("-1")), interfaces.ErrAmountZero)

	// Balances are per token.
	b, err = l.Balance(ctx, alice, testutil.TokenWETH)
	require.NoError(t, err)
	assert.True(t, b.IsZero())
}

func TestMemoryLedger(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ledgerContract(t, l, func(holder common.Address, amt decimal.Decimal) error {
		return l.Mint(context.Background(), holder, token, amt)
	})
}

func TestMemoryLedgerSnapshot(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.Mint(ctx, alice, token, amount("10")))

	restore := l.Snapshot()
	require.NoError(t, l.Transfer(ctx, alice, bob, token, amount("10")))
	restore()

	b, _ := l.Balance(ctx, alice, token)
	assert.True(t, amount("10").Equal(b))
	b, _ = l.Balance(ctx, bob, token)
	assert.True(t, b.IsZero())
}

func newGormLedger(t *testing.T) *ledger.GormLedger {
	db := testutil.OpenSQLite(t)
	l := ledger.NewGormLedger(db, zaptest.NewLogger(t))
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestGormLedger(t *testing.T) {
	l := newGormLedger(t)
	ledgerContract(t, l, func(holder common.Address, amt decimal.Decimal) error {
		return l.Mint(context.Background(), holder, token, amt)
	})
}

func TestGormLedgerJoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	l := ledger.NewGormLedger(db, zaptest.NewLogger(t))
	require.NoError(t, l.Migrate(ctx))
	require.NoError(t, l.Mint(ctx, alice, token, amount("50")))

	boom := errors.New("boom")
	err := dbutil.Transaction(ctx, db, func(ctx context.Context) error {
		if err := l.Transfer(ctx, alice, bob, token, amount("20")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := l.Balance(ctx, alice, token)
	require.NoError(t, err)
	assert.True(t, amount("50").Equal(b), b.String())
	b, err = l.Balance(ctx, bob, token)
	require.NoError(t, err)
	assert.True(t, b.IsZero())

	var entries int64
	require.NoError(t, db.Model(&ledger.Entry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries, "only the mint is journaled")
}
