package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/cashspend/internal/spend/handlers/rest"
	"github.com/Aidin1998/cashspend/testutil"
)

type HandlerTestSuite struct {
	suite.Suite
	h      *testutil.Harness
	router *gin.Engine
}

func (s *HandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.h = testutil.NewHarness(s.T(), nil)
	s.router = gin.New()
	rest.NewHandler(s.h.Engine, nil, zaptest.NewLogger(s.T())).RegisterRoutes(s.router, rest.HeaderCaller())
}

func (s *HandlerTestSuite) do(method, path string, caller common.Address, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set("X-Caller-Address", caller.Hex())
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerTestSuite) decode(rec *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *HandlerTestSuite) requireProblem(rec *httptest.ResponseRecorder, status int, kind string) {
	s.Require().Equal(status, rec.Code, rec.Body.String())
	s.Equal("application/problem+json", rec.Header().Get("Content-Type"))
	s.Equal(kind, s.decode(rec)["kind"])
}

func (s *HandlerTestSuite) funded() common.Address {
	account := testutil.NewAccount(s.T())
	s.h.Register(account, 100, 1000)
	s.h.Fund(account, testutil.TokenUSDC, "500")
	return account
}

func spendBody(account common.Address, txID, usd string) gin.H {
	return gin.H{
		"account":        account.Hex(),
		"transaction_id": txID,
		"bin_sponsor":    testutil.BinSponsor,
		"tokens":         []string{testutil.TokenUSDC.Hex()},
		"amounts_in_usd": []string{usd},
	}
}

func (s *HandlerTestSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health", common.Address{}, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("ok", s.decode(rec)["status"])
}

func (s *HandlerTestSuite) TestRegisterAccount() {
	account := testutil.NewAccount(s.T())
	body := gin.H{"account": account.Hex(), "daily_limit": "100", "monthly_limit": "1000", "timezone_offset_minutes": 120}

	rec := s.do(http.MethodPost, "/v1/accounts", testutil.Processor, body)
	s.requireProblem(rec, http.StatusForbidden, "Unauthorized")

	rec = s.do(http.MethodPost, "/v1/accounts", testutil.Onboarder, body)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Equal("debit", s.decode(rec)["mode"])

	rec = s.do(http.MethodPost, "/v1/accounts", testutil.Onboarder, body)
	s.requireProblem(rec, http.StatusConflict, "AccountAlreadyExists")

	rec = s.do(http.MethodPost, "/v1/accounts", testutil.Onboarder, gin.H{"account": "nope"})
	s.requireProblem(rec, http.StatusBadRequest, "InvalidInput")
}

func (s *HandlerTestSuite) TestSpend() {
	account := s.funded()

	rec := s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "tx-1", "40"))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("40", s.decode(rec)["total_usd"])

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "tx-1", "40"))
	s.requireProblem(rec, http.StatusConflict, "TransactionAlreadyCleared")

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "tx-2", "61"))
	s.requireProblem(rec, http.StatusUnprocessableEntity, "ExceededDailySpendingLimit")

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Onboarder, spendBody(account, "tx-3", "1"))
	s.requireProblem(rec, http.StatusForbidden, "Unauthorized")

	body := spendBody(account, "tx-4", "1")
	body["bin_sponsor"] = "rian"
	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, body)
	s.requireProblem(rec, http.StatusFailedDependency, "InvalidBinSponsor")
	s.Contains(rec.Body.String(), `did you mean \"rain\"`)
}

func (s *HandlerTestSuite) TestSpendKeepsTransactionIDVerbatim() {
	account := s.funded()

	rec := s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "a&b", "5"))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("a&b", s.decode(rec)["transaction_id"])

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "a&amp;b", "5"))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("a&amp;b", s.decode(rec)["transaction_id"])

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "<b>tx-9</b>", "5"))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("<b>tx-9</b>", s.decode(rec)["transaction_id"])

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "a&b", "5"))
	s.requireProblem(rec, http.StatusConflict, "TransactionAlreadyCleared")

	rec = s.do(http.MethodPost, "/v1/spend", testutil.Processor, spendBody(account, "tx-\u00e9", "5"))
	s.requireProblem(rec, http.StatusBadRequest, "InvalidInput")
}

func (s *HandlerTestSuite) TestSpendSanitizesBinSponsor() {
	account := s.funded()
	body := spendBody(account, "tx-9", "5")
	body["bin_sponsor"] = "<b>" + testutil.BinSponsor + "</b>"

	rec := s.do(http.MethodPost, "/v1/spend", testutil.Processor, body)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("tx-9", s.decode(rec)["transaction_id"])
}

func (s *HandlerTestSuite) TestSpendValidation() {
	rec := s.do(http.MethodPost, "/v1/spend", testutil.Processor, gin.H{"account": testutil.NewAccount(s.T()).Hex()})
	s.requireProblem(rec, http.StatusBadRequest, "InvalidInput")
	s.NotEmpty(s.decode(rec)["errors"])
}

func (s *HandlerTestSuite) TestCanSpend() {
	account := s.funded()

	rec := s.do(http.MethodPost, "/v1/spend/check", testutil.Processor, spendBody(account, "tx-1", "100"))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(true, s.decode(rec)["can_spend"])

	rec = s.do(http.MethodPost, "/v1/spend/check", testutil.Processor, spendBody(account, "tx-1", "101"))
	s.Require().Equal(http.StatusOK, rec.Code)
	out := s.decode(rec)
	s.Equal(false, out["can_spend"])
	s.Equal("ExceededDailySpendingLimit", out["reason"])
}

func (s *HandlerTestSuite) TestSetModeWithDigest() {
	account := s.funded()
	path := "/v1/accounts/" + account.Hex()

	rec := s.do(http.MethodPost, path+"/digest", common.Address{}, gin.H{"action": "SET_MODE", "mode": "credit"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	digest := common.HexToHash(s.decode(rec)["digest"].(string))

	var sigs []string
	for i := 0; i < 2; i++ {
		sig, err := crypto.Sign(digest.Bytes(), s.h.OwnerKey(i))
		s.Require().NoError(err)
		sigs = append(sigs, hexutil.Encode(sig))
	}

	rec = s.do(http.MethodPost, path+"/mode", common.Address{}, gin.H{"mode": "credit", "signatures": sigs[:1]})
	s.requireProblem(rec, http.StatusForbidden, "InvalidSignatures")

	rec = s.do(http.MethodPost, path+"/mode", common.Address{}, gin.H{"mode": "credit", "signatures": sigs})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, path+"/mode", common.Address{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("debit", s.decode(rec)["mode"], "credit activates after the delay")

	s.h.Clock.Advance(time.Minute)
	rec = s.do(http.MethodGet, path+"/mode", common.Address{}, nil)
	s.Equal("credit", s.decode(rec)["mode"])

	rec = s.do(http.MethodPost, path+"/mode", common.Address{}, gin.H{"mode": "sideways", "signatures": sigs})
	s.requireProblem(rec, http.StatusBadRequest, "InvalidInput")
}

func (s *HandlerTestSuite) TestAccountReads() {
	account := s.funded()
	path := "/v1/accounts/" + account.Hex()

	rec := s.do(http.MethodGet, path, common.Address{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Contains(s.decode(rec), "pending_cashback")

	rec = s.do(http.MethodGet, path+"/spending-limit", common.Address{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("100", s.decode(rec)["daily_limit"])

	rec = s.do(http.MethodGet, path+"/max-spendable?tokens="+testutil.TokenUSDC.Hex(), common.Address{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("100", s.decode(rec)["spendable_now_usd"])

	rec = s.do(http.MethodGet, path+"/withdrawal", common.Address{}, nil)
	s.requireProblem(rec, http.StatusConflict, "WithdrawalDoesNotExist")

	rec = s.do(http.MethodGet, "/v1/accounts/0x1234/mode", common.Address{}, nil)
	s.requireProblem(rec, http.StatusBadRequest, "InvalidAddress")

	rec = s.do(http.MethodGet, "/v1/accounts/"+testutil.NewAccount(s.T()).Hex()+"/mode", common.Address{}, nil)
	s.requireProblem(rec, http.StatusConflict, "AccountNotFound")
}

func (s *HandlerTestSuite) TestModuleWithdrawal() {
	account := s.funded()
	path := "/v1/accounts/" + account.Hex() + "/withdrawal/module"
	body := gin.H{
		"tokens":    []string{testutil.TokenUSDC.Hex()},
		"amounts":   []string{"25"},
		"recipient": testutil.NewAccount(s.T()).Hex(),
	}

	rec := s.do(http.MethodPost, path, testutil.Processor, body)
	s.requireProblem(rec, http.StatusForbidden, "OnlyWhitelistedModule")

	rec = s.do(http.MethodPost, path, testutil.Module, body)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/accounts/"+account.Hex()+"/withdrawal", common.Address{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal([]interface{}{"25"}, s.decode(rec)["amounts"])

	rec = s.do(http.MethodPost, path+"/cancel", testutil.Module, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
}

func (s *HandlerTestSuite) TestAdmin() {
	rec := s.do(http.MethodPut, "/v1/admin/delays", testutil.Processor, gin.H{"withdrawal_seconds": 60})
	s.requireProblem(rec, http.StatusForbidden, "Unauthorized")

	rec = s.do(http.MethodPut, "/v1/admin/delays", testutil.Admin, gin.H{
		"withdrawal_seconds": 60, "spend_limit_seconds": 120, "mode_to_credit_seconds": 30, "mode_to_debit_seconds": 0,
	})
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())
	s.Equal(time.Minute, s.h.Config.WithdrawalDelay())

	rec = s.do(http.MethodPut, "/v1/admin/bin-sponsors/Gnosis", testutil.Admin, gin.H{"dispatcher": testutil.NewAccount(s.T()).Hex()})
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())
	_, ok := s.h.Config.BinSponsor("gnosis")
	s.True(ok)

	rec = s.do(http.MethodPut, "/v1/admin/tiers/WHALE/cashback", testutil.Admin, gin.H{"percentage": "6"})
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())
	s.Equal("6", s.h.Config.TierCashbackPercentage("whale").String())
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func TestCallerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("test-secret")
	caller := testutil.Processor

	r := gin.New()
	r.GET("/whoami", rest.CallerAuth(secret, "cashspend"), func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet("caller").(common.Address).Hex())
	})
	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	valid := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := rest.IssueCallerToken(secret, "cashspend", caller, valid)
	require.NoError(t, err)
	rec := call("Bearer " + token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, caller.Hex(), rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Basic abc").Code)

	forged, err := rest.IssueCallerToken([]byte("other"), "cashspend", caller, valid)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+forged).Code)

	foreign, err := rest.IssueCallerToken(secret, "someone-else", caller, valid)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+foreign).Code)

	expired, err := rest.IssueCallerToken(secret, "cashspend", caller, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)
	rec = call("Bearer " + expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHeaderCallerRejectsMalformedAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", rest.HeaderCaller(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Caller-Address", "not-an-address")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
