package services_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/testutil"
)

type SpendRouterTestSuite struct {
	suite.Suite
	h       *testutil.Harness
	account common.Address
}

func (s *SpendRouterTestSuite) SetupTest() {
	s.h = testutil.NewHarness(s.T(), nil)
	s.account = testutil.NewAccount(s.T())
	s.h.Register(s.account, 5000, 10000)
}

func TestSpendRouterTestSuite(t *testing.T) {
	suite.Run(t, new(SpendRouterTestSuite))
}

func (s *SpendRouterTestSuite) spend(txID string, tokens []common.Address, usd ...string) (*interfaces.SpendResult, error) {
	return s.h.Engine.Spend(s.h.Ctx, testutil.Processor, testutil.SpendRequest(s.account, txID, tokens, usd...))
}

func (s *SpendRouterTestSuite) switchMode(mode interfaces.Mode) {
	s.Require().NoError(setMode(s.h, s.account, mode))
	s.h.Clock.Advance(time.Minute)
}

func (s *SpendRouterTestSuite) TestDebitSpendMultipleTokens() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")
	s.h.Fund(s.account, testutil.TokenWETH, "1")

	res, err := s.spend("tx-1", []common.Address{testutil.TokenUSDC, testutil.TokenWETH}, "40", "500")
	s.Require().NoError(err)

	s.Equal(interfaces.ModeDebit, res.Mode)
	assertDec(s.T(), "540", res.TotalUSD)
	assertDec(s.T(), "40", res.Amounts[0])
	assertDec(s.T(), "0.25", res.Amounts[1])
	assertDec(s.T(), "60", s.h.Balance(s.account, testutil.TokenUSDC))
	assertDec(s.T(), "0.75", s.h.Balance(s.account, testutil.TokenWETH))
	assertDec(s.T(), "0.25", s.h.Balance(testutil.BinSponsorDest, testutil.TokenWETH))

	limit, err := s.h.Engine.ApplicableSpendingLimit(s.h.Ctx, s.account)
	s.Require().NoError(err)
	assertDec(s.T(), "540", limit.SpentToday)

	// The spend event always comes last.
	s.Require().NotEmpty(res.Events)
	last := res.Events[len(res.Events)-1]
	s.Equal(interfaces.EventSpend, last.Type)
	s.Equal("tx-1", last.Payload.(interfaces.SpendPayload).TransactionID)
}

func (s *SpendRouterTestSuite) TestValidationErrors() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")

	cases := []struct {
		name string
		req  *interfaces.SpendRequest
		want error
	}{
		{"missing transaction id", testutil.SpendRequest(s.account, "", usdc(), "1"), interfaces.ErrMissingTransactionID},
		{"empty tokens", testutil.SpendRequest(s.account, "tx", nil), interfaces.ErrEmptyInput},
		{"length mismatch", testutil.SpendRequest(s.account, "tx", usdc(), "1", "2"), interfaces.ErrArrayLengthMismatch},
		{"duplicate token", testutil.SpendRequest(s.account, "tx", []common.Address{testutil.TokenUSDC, testutil.TokenUSDC}, "1", "2"), interfaces.ErrDuplicateElementFound},
		{"zero amount", testutil.SpendRequest(s.account, "tx", usdc(), "0"), interfaces.ErrAmountZero},
		{"unknown token", testutil.SpendRequest(s.account, "tx", []common.Address{common.HexToAddress("0xdead")}, "1"), interfaces.ErrUnsupportedToken},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, tc.req)
			s.ErrorIs(err, tc.want)
		})
	}

	req := testutil.SpendRequest(s.account, "tx", usdc(), "1")
	req.Spender = s.account
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.ErrorIs(err, interfaces.ErrSpenderIsAccount)

	req = testutil.SpendRequest(s.account, "tx", usdc(), "1")
	req.Cashbacks = []interfaces.CashbackEntry{{Recipient: common.Address{}}}
	_, err = s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.ErrorIs(err, interfaces.ErrInvalidAddress)

	s.Empty(s.h.Events.OfType(interfaces.EventSpend))
}

func (s *SpendRouterTestSuite) TestRequiresSpendCapability() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Admin, testutil.SpendRequest(s.account, "tx-1", usdc(), "1"))
	s.ErrorIs(err, interfaces.ErrUnauthorized)
}

func (s *SpendRouterTestSuite) TestUnknownAccount() {
	stranger := testutil.NewAccount(s.T())
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, testutil.SpendRequest(stranger, "tx-1", usdc(), "1"))
	s.ErrorIs(err, interfaces.ErrAccountNotFound)
}

func (s *SpendRouterTestSuite) TestBinSponsorSuggestion() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")

	req := testutil.SpendRequest(s.account, "tx-1", usdc(), "1")
	req.BinSponsor = "rian"
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.Require().ErrorIs(err, interfaces.ErrInvalidBinSponsor)
	s.Contains(err.Error(), `did you mean "rain"`)

	req.BinSponsor = "visa-direct"
	_, err = s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.Require().ErrorIs(err, interfaces.ErrInvalidBinSponsor)
	s.NotContains(err.Error(), "did you mean")

	// Names are matched case-insensitively.
	req.BinSponsor = "RAIN"
	_, err = s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.NoError(err)
}

func (s *SpendRouterTestSuite) TestInsufficientBalanceRespectsEarmark() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")
	_, err := requestWithdrawal(s.h, s.account, usdc(), []decimal.Decimal{dec("80")}, testutil.NewAccount(s.T()))
	s.Require().NoError(err)

	_, err = s.spend("tx-1", usdc(), "30")
	s.ErrorIs(err, interfaces.ErrInsufficientBalance)

	_, err = s.spend("tx-2", usdc(), "20")
	s.NoError(err)
}

func (s *SpendRouterTestSuite) TestMonthlyLimit() {
	for day := 0; day < 2; day++ {
		s.h.Fund(s.account, testutil.TokenUSDC, "5000")
		_, err := s.spend(fmt.Sprintf("tx-day-%d", day), usdc(), "5000")
		s.Require().NoError(err)
		s.h.Clock.Advance(24 * time.Hour)
	}
	s.h.Fund(s.account, testutil.TokenUSDC, "1")
	_, err := s.spend("tx-over", usdc(), "1")
	s.ErrorIs(err, interfaces.ErrExceededMonthlySpendingLimit)
}

func (s *SpendRouterTestSuite) TestCreditSpendBorrowsFromPool() {
	s.h.Fund(testutil.LendingPool, testutil.TokenUSDC, "10000")
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	s.switchMode(interfaces.ModeCredit)

	res, err := s.spend("tx-1", usdc(), "100")
	s.Require().NoError(err)
	s.Equal(interfaces.ModeCredit, res.Mode)

	assertDec(s.T(), "100", s.h.Balance(testutil.BinSponsorDest, testutil.TokenUSDC))
	assertDec(s.T(), "9900", s.h.Balance(testutil.LendingPool, testutil.TokenUSDC))
	assertDec(s.T(), "0", s.h.Balance(s.account, testutil.TokenUSDC))
	assertDec(s.T(), "1", s.h.Balance(s.account, testutil.TokenWETH))

	borrowed, err := s.h.Debt.TotalBorrowing(s.h.Ctx, s.account)
	s.Require().NoError(err)
	assertDec(s.T(), "100", borrowed)
}

func (s *SpendRouterTestSuite) TestCreditSpendAboveMaxBorrow() {
	s.h.Fund(testutil.LendingPool, testutil.TokenUSDC, "10000")
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	s.switchMode(interfaces.ModeCredit)

	// 1 WETH at 2000 USD and 80% LTV borrows at most 1600.
	_, err := s.spend("tx-1", usdc(), "1700")
	s.ErrorIs(err, interfaces.ErrBorrowingsExceedMaxBorrowAfterSpend)

	_, err = s.spend("tx-2", usdc(), "1600")
	s.NoError(err)
}

func (s *SpendRouterTestSuite) TestCreditSpendNeedsBorrowToken() {
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	s.switchMode(interfaces.ModeCredit)

	_, err := s.spend("tx-1", []common.Address{testutil.TokenWETH}, "10")
	s.ErrorIs(err, interfaces.ErrUnsupportedBorrowToken)
}

func (s *SpendRouterTestSuite) TestCreditSpendWithoutLiquidity() {
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	s.switchMode(interfaces.ModeCredit)

	_, err := s.spend("tx-1", usdc(), "10")
	s.ErrorIs(err, interfaces.ErrInsufficientLiquidity)

	cleared, err := s.h.Store.IsTransactionCleared(s.h.Ctx, s.account, "tx-1")
	s.Require().NoError(err)
	s.False(cleared)
}

func (s *SpendRouterTestSuite) TestFailedSpendRollsBack() {
	s.h.Fund(testutil.LendingPool, testutil.TokenUSDC, "10000")
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	s.switchMode(interfaces.ModeCredit)
	_, err := s.spend("tx-borrow", usdc(), "1500")
	s.Require().NoError(err)
	s.switchMode(interfaces.ModeDebit)

	before, err := s.h.Engine.ApplicableSpendingLimit(s.h.Ctx, s.account)
	s.Require().NoError(err)
	s.h.Events.Reset()

	// Spending half the collateral leaves 800 of borrowing power for 1500 of
	// debt.
	_, err = s.spend("tx-weth", []common.Address{testutil.TokenWETH}, "1000")
	s.Require().ErrorIs(err, interfaces.ErrAccountUnhealthy)

	assertDec(s.T(), "1", s.h.Balance(s.account, testutil.TokenWETH))
	assertDec(s.T(), "0", s.h.Balance(testutil.BinSponsorDest, testutil.TokenWETH))
	after, err := s.h.Engine.ApplicableSpendingLimit(s.h.Ctx, s.account)
	s.Require().NoError(err)
	assertDec(s.T(), before.SpentToday.String(), after.SpentToday)
	s.Empty(s.h.Events.Events())

	// Not marked cleared: a retry fails for the same economic reason.
	_, err = s.spend("tx-weth", []common.Address{testutil.TokenWETH}, "1000")
	s.ErrorIs(err, interfaces.ErrAccountUnhealthy)
}

func (s *SpendRouterTestSuite) TestSpendCancelsUnhealthyWithdrawal() {
	s.h.Fund(testutil.LendingPool, testutil.TokenUSDC, "10000")
	s.h.Fund(s.account, testutil.TokenWETH, "1")
	_, err := requestWithdrawal(s.h, s.account, []common.Address{testutil.TokenWETH}, []decimal.Decimal{dec("0.5")}, testutil.NewAccount(s.T()))
	s.Require().NoError(err)
	s.switchMode(interfaces.ModeCredit)

	res, err := s.spend("tx-1", usdc(), "1000")
	s.Require().NoError(err)

	var types []interfaces.EventType
	for _, e := range res.Events {
		types = append(types, e.Type)
	}
	s.Equal([]interfaces.EventType{interfaces.EventWithdrawalCancelled, interfaces.EventSpend}, types)

	pending, err := s.h.Engine.PendingWithdrawal(s.h.Ctx, s.account)
	s.Require().NoError(err)
	s.Nil(pending)
}

func (s *SpendRouterTestSuite) TestExplicitCashbackOverridesTier() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")
	s.h.Fund(testutil.CashbackHolder, testutil.TokenGNO, "10")
	promo := testutil.NewAccount(s.T())

	req := testutil.SpendRequest(s.account, "tx-1", usdc(), "10")
	req.Cashbacks = []interfaces.CashbackEntry{{
		Recipient: promo,
		Tokens: []interfaces.CashbackToken{
			{Token: testutil.TokenGNO, AmountInUSD: dec("5"), Category: interfaces.CategoryPromotion},
		},
	}}
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.Require().NoError(err)

	assertDec(s.T(), "0.05", s.h.Balance(promo, testutil.TokenGNO))
	s.Len(s.h.Events.OfType(interfaces.EventCashback), 1)
}

func (s *SpendRouterTestSuite) TestCashbackBelowTokenPrecisionIsBookedPending() {
	s.h.Fund(s.account, testutil.TokenUSDC, "100")
	s.h.Fund(testutil.CashbackHolder, testutil.TokenUSDC, "100")

	req := testutil.SpendRequest(s.account, "tx-1", usdc(), "10")
	req.Cashbacks = []interfaces.CashbackEntry{{
		Recipient: s.account,
		Tokens: []interfaces.CashbackToken{
			{Token: testutil.TokenUSDC, AmountInUSD: dec("0.0000009"), Category: interfaces.CategoryPromotion},
		},
	}}
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.Require().NoError(err)

	cashbacks := s.h.Events.OfType(interfaces.EventCashback)
	s.Require().Len(cashbacks, 1)
	payload, ok := cashbacks[0].Payload.(interfaces.CashbackPayload)
	s.Require().True(ok)
	s.False(payload.Paid)
	s.True(payload.Amount.IsZero())
	assertDec(s.T(), "0.0000009", payload.AmountInUSD)

	pending, err := s.h.Engine.PendingCashback(s.h.Ctx, s.account)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(testutil.TokenUSDC, pending[0].Token)
	assertDec(s.T(), "0.0000009", pending[0].AmountInUSD)
	assertDec(s.T(), "100", s.h.Balance(testutil.CashbackHolder, testutil.TokenUSDC))
}

func (s *SpendRouterTestSuite) TestReferrerCashback() {
	s.Require().NoError(s.h.Config.SetCashbackToken(testutil.TokenGNO))
	s.h.Fund(s.account, testutil.TokenUSDC, "1000")
	s.h.Fund(testutil.CashbackHolder, testutil.TokenGNO, "10")
	referrer := testutil.NewAccount(s.T())

	req := testutil.SpendRequest(s.account, "tx-1", usdc(), "200")
	req.Referrer = referrer
	_, err := s.h.Engine.Spend(s.h.Ctx, testutil.Processor, req)
	s.Require().NoError(err)

	// 1% regular and 0.5% referral of 200 USD at 100 USD per GNO.
	assertDec(s.T(), "0.02", s.h.Balance(s.account, testutil.TokenGNO))
	assertDec(s.T(), "0.01", s.h.Balance(referrer, testutil.TokenGNO))
}

func (s *SpendRouterTestSuite) TestSpendClearsPendingCashbackFirst() {
	s.Require().NoError(s.h.Config.SetCashbackToken(testutil.TokenGNO))
	s.h.Fund(s.account, testutil.TokenUSDC, "1000")

	_, err := s.spend("tx-1", usdc(), "100")
	s.Require().NoError(err)
	pending, err := s.h.Engine.PendingCashback(s.h.Ctx, s.account)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	s.h.Fund(testutil.CashbackHolder, testutil.TokenGNO, "1")
	res, err := s.spend("tx-2", usdc(), "100")
	s.Require().NoError(err)

	s.Require().Len(res.Events, 3)
	s.Equal(interfaces.EventPendingCashbackCleared, res.Events[0].Type)
	s.Equal(interfaces.EventCashback, res.Events[1].Type)
	s.Equal(interfaces.EventSpend, res.Events[2].Type)
	assertDec(s.T(), "0.02", s.h.Balance(s.account, testutil.TokenGNO))

	pending, err = s.h.Engine.PendingCashback(s.h.Ctx, s.account)
	s.Require().NoError(err)
	s.Empty(pending)
}

func TestSpendEventsArePublishedAfterCommit(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	account := testutil.NewAccount(t)
	h.Register(account, 1000, 5000)
	h.Fund(account, testutil.TokenUSDC, "10")
	h.Events.Reset()

	res, err := h.Engine.Spend(h.Ctx, testutil.Processor, testutil.SpendRequest(account, "tx-1", usdc(), "10"))
	require.NoError(t, err)

	published := h.Events.Events()
	require.Len(t, published, len(res.Events))
	for i := range published {
		assert.Equal(t, res.Events[i].ID, published[i].ID)
	}
}
