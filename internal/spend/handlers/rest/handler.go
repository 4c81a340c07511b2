// Package rest provides REST API handlers for the spend engine
package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/services"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

// Handler handles REST API requests for the spend engine
type Handler struct {
	engine    *services.Engine
	events    http.Handler
	sanitizer *bluemonday.Policy
	log       *zap.Logger
}

// NewHandler creates a new handler. events serves the websocket event
// stream and may be nil.
func NewHandler(engine *services.Engine, events http.Handler, log *zap.Logger) *Handler {
	return &Handler{
		engine:    engine,
		events:    events,
		sanitizer: bluemonday.StrictPolicy(),
		log:       log,
	}
}

// RegisterRoutes registers the routes. authenticate resolves the caller.
func (h *Handler) RegisterRoutes(r gin.IRouter, authenticate gin.HandlerFunc) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1", authenticate)
	{
		v1.POST("/accounts", h.RegisterAccount)

		account := v1.Group("/accounts/:account")
		account.GET("", h.GetAccount)
		account.GET("/mode", h.GetMode)
		account.POST("/mode", h.SetMode)
		account.GET("/spending-limit", h.GetSpendingLimit)
		account.PUT("/spending-limit", h.UpdateSpendingLimit)
		account.POST("/digest", h.Digest)
		account.GET("/max-spendable", h.MaxSpendable)

		account.GET("/withdrawal", h.GetWithdrawal)
		account.POST("/withdrawal", h.RequestWithdrawal)
		account.POST("/withdrawal/cancel", h.CancelWithdrawal)
		account.POST("/withdrawal/process", h.ProcessWithdrawal)
		account.POST("/withdrawal/module", h.RequestWithdrawalByModule)
		account.POST("/withdrawal/module/cancel", h.CancelWithdrawalByModule)

		account.GET("/cashback/pending", h.GetPendingCashback)
		account.POST("/cashback/clear", h.ClearPendingCashback)
		account.PUT("/cashback/split", h.SetCashbackSplit)
		account.PUT("/tier", h.SetTier)

		v1.POST("/spend", h.Spend)
		v1.POST("/spend/check", h.CanSpend)

		admin := v1.Group("/admin")
		admin.PUT("/delays", h.SetDelays)
		admin.PUT("/bin-sponsors/:name", h.SetBinSponsor)
		admin.PUT("/withdrawable-tokens", h.SetWithdrawableTokens)
		admin.PUT("/modules", h.SetModuleWhitelist)
		admin.PUT("/withdrawal-requesters", h.SetWithdrawalRequesters)
		admin.PUT("/tiers/:tier/cashback", h.SetTierCashback)
		admin.PUT("/referrer-cashback", h.SetReferrerCashback)

		if h.events != nil {
			v1.GET("/events/ws", gin.WrapH(h.events))
		}
	}
}

// respond renders err as problem details, or v with status when err is nil.
func (h *Handler) respond(c *gin.Context, status int, v interface{}, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	if v == nil {
		c.Status(status)
		return
	}
	c.JSON(status, v)
}

func (h *Handler) fail(c *gin.Context, err error) {
	problem := errors.Problem(err, c.Request.URL.Path)
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		problem.WithTraceID(sc.TraceID().String())
	}
	if problem.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}

// bind decodes and validates the JSON body.
func (h *Handler) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, bindError(err))
		return false
	}
	return true
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		e := interfaces.ErrInvalidInput.Explain("request validation failed")
		for _, fe := range verrs {
			e = e.WithField(fe.Tag(), fe.Field(), fe.Error())
		}
		return e
	}
	return interfaces.ErrInvalidInput.Explain("%s", err)
}

func (h *Handler) accountParam(c *gin.Context) (common.Address, bool) {
	raw := c.Param("account")
	if !common.IsHexAddress(raw) {
		h.fail(c, interfaces.ErrInvalidAddress.Explain("account %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (h *Handler) clean(s string) string {
	return strings.TrimSpace(h.sanitizer.Sanitize(s))
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (h *Handler) RegisterAccount(c *gin.Context) {
	var req RegisterAccountRequest
	if !h.bind(c, &req) {
		return
	}
	state, _, err := h.engine.RegisterAccount(c.Request.Context(), callerFrom(c), common.HexToAddress(req.Account),
		req.DailyLimit, req.MonthlyLimit, time.Duration(req.TimezoneOffsetMinutes)*time.Minute)
	h.respond(c, http.StatusCreated, state, err)
}

func (h *Handler) GetAccount(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	state, err := h.engine.Account(c.Request.Context(), account)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": state, "pending_cashback": state.PendingCashbackRecords()})
}

func (h *Handler) GetMode(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	mode, err := h.engine.GetMode(c.Request.Context(), account)
	h.respond(c, http.StatusOK, gin.H{"mode": mode}, err)
}

func (h *Handler) SetMode(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req SetModeRequest
	if !h.bind(c, &req) {
		return
	}
	mode, err := interfaces.ParseMode(req.Mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	authz, err := req.authorization()
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.engine.SetMode(c.Request.Context(), account, mode, authz)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) GetSpendingLimit(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	limit, err := h.engine.ApplicableSpendingLimit(c.Request.Context(), account)
	h.respond(c, http.StatusOK, limit, err)
}

func (h *Handler) UpdateSpendingLimit(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req UpdateSpendingLimitRequest
	if !h.bind(c, &req) {
		return
	}
	authz, err := req.authorization()
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.engine.UpdateSpendingLimit(c.Request.Context(), account, req.DailyLimit, req.MonthlyLimit, authz)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

// Digest returns the hash owners must sign for the described operation at
// the current nonce.
func (h *Handler) Digest(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req DigestRequest
	if !h.bind(c, &req) {
		return
	}
	action := auth.Action(req.Action)
	var payload []byte
	switch action {
	case auth.ActionSetMode:
		payload = auth.ModePayload(req.Mode)
	case auth.ActionUpdateSpendingLimit:
		payload = auth.SpendingLimitPayload(req.DailyLimit, req.MonthlyLimit)
	case auth.ActionRequestWithdrawal:
		payload = auth.WithdrawalPayload(toAddresses(req.Tokens), req.Amounts, optionalAddress(req.Recipient))
	case auth.ActionCancelWithdrawal:
		payload = auth.CancelWithdrawalPayload()
	case auth.ActionSetCashbackSplit:
		payload = auth.CashbackSplitPayload(req.Percentage)
	}
	digest, err := h.engine.Digest(c.Request.Context(), account, action, payload)
	h.respond(c, http.StatusOK, gin.H{"digest": digest.Hex()}, err)
}

func (h *Handler) MaxSpendable(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var preference []common.Address
	for _, raw := range strings.Split(c.Query("tokens"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			h.fail(c, interfaces.ErrInvalidAddress.Explain("token %q", raw))
			return
		}
		preference = append(preference, common.HexToAddress(raw))
	}
	result, err := h.engine.MaxSpendable(c.Request.Context(), account, preference)
	h.respond(c, http.StatusOK, result, err)
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	w, err := h.engine.PendingWithdrawal(c.Request.Context(), account)
	if err == nil && w == nil {
		err = interfaces.ErrWithdrawalDoesNotExist
	}
	h.respond(c, http.StatusOK, w, err)
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req RequestWithdrawalRequest
	if !h.bind(c, &req) {
		return
	}
	authz, err := req.authorization()
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.engine.RequestWithdrawal(c.Request.Context(), account, toAddresses(req.Tokens), req.Amounts,
		common.HexToAddress(req.Recipient), authz)
	h.respond(c, http.StatusAccepted, gin.H{"events": events}, err)
}

// RequestWithdrawalByModule lets the authenticated module request a
// withdrawal without owner signatures.
func (h *Handler) RequestWithdrawalByModule(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req WithdrawalBody
	if !h.bind(c, &req) {
		return
	}
	events, err := h.engine.RequestWithdrawalByModule(c.Request.Context(), callerFrom(c), account, toAddresses(req.Tokens),
		req.Amounts, common.HexToAddress(req.Recipient))
	h.respond(c, http.StatusAccepted, gin.H{"events": events}, err)
}

func (h *Handler) CancelWithdrawal(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req SignedRequest
	if !h.bind(c, &req) {
		return
	}
	authz, err := req.authorization()
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.engine.CancelWithdrawal(c.Request.Context(), account, authz)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) CancelWithdrawalByModule(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	events, err := h.engine.CancelWithdrawalByModule(c.Request.Context(), callerFrom(c), account)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	events, err := h.engine.ProcessWithdrawal(c.Request.Context(), account)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) GetPendingCashback(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	records, err := h.engine.PendingCashback(c.Request.Context(), account)
	h.respond(c, http.StatusOK, gin.H{"pending": records}, err)
}

func (h *Handler) ClearPendingCashback(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req ClearCashbackRequest
	if !h.bind(c, &req) {
		return
	}
	events, err := h.engine.ClearPendingCashback(c.Request.Context(), account, toAddresses(req.Users), toAddresses(req.Tokens))
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) SetCashbackSplit(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req SetCashbackSplitRequest
	if !h.bind(c, &req) {
		return
	}
	authz, err := req.authorization()
	if err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.engine.SetCashbackSplitToSafePercentage(c.Request.Context(), account, req.Percentage, authz)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) SetTier(c *gin.Context) {
	account, ok := h.accountParam(c)
	if !ok {
		return
	}
	var req SetTierRequest
	if !h.bind(c, &req) {
		return
	}
	tier := interfaces.Tier(strings.ToLower(h.clean(req.Tier)))
	events, err := h.engine.SetTier(c.Request.Context(), callerFrom(c), account, tier)
	h.respond(c, http.StatusOK, gin.H{"events": events}, err)
}

func (h *Handler) spendRequest(c *gin.Context) (*interfaces.SpendRequest, bool) {
	var dto SpendRequestDTO
	if !h.bind(c, &dto) {
		return nil, false
	}
	// Transaction ids are opaque keys; the binding limits them to printable
	// ASCII and they are stored exactly as sent.
	dto.BinSponsor = h.clean(dto.BinSponsor)
	return dto.toDomain(), true
}

// Spend clears a card transaction. The caller needs the spend capability.
func (h *Handler) Spend(c *gin.Context) {
	req, ok := h.spendRequest(c)
	if !ok {
		return
	}
	result, err := h.engine.Spend(c.Request.Context(), callerFrom(c), req)
	h.respond(c, http.StatusOK, result, err)
}

// CanSpend answers whether Spend would pass admission right now.
func (h *Handler) CanSpend(c *gin.Context) {
	req, ok := h.spendRequest(c)
	if !ok {
		return
	}
	allowed, reason := h.engine.CanSpend(c.Request.Context(), req)
	c.JSON(http.StatusOK, gin.H{"can_spend": allowed, "reason": reason})
}

func (h *Handler) SetDelays(c *gin.Context) {
	var req DelaysRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetDelays(c.Request.Context(), callerFrom(c),
		time.Duration(req.WithdrawalSeconds)*time.Second,
		time.Duration(req.SpendLimitSeconds)*time.Second,
		time.Duration(req.ModeToCreditSeconds)*time.Second,
		time.Duration(req.ModeToDebitSeconds)*time.Second)
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetBinSponsor(c *gin.Context) {
	var req BinSponsorRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetBinSponsor(c.Request.Context(), callerFrom(c), h.clean(c.Param("name")), common.HexToAddress(req.Dispatcher))
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetWithdrawableTokens(c *gin.Context) {
	var req AddressToggleRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetWithdrawableTokens(c.Request.Context(), callerFrom(c), toAddresses(req.Addresses), req.Allowed)
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetModuleWhitelist(c *gin.Context) {
	var req AddressToggleRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetModuleWhitelist(c.Request.Context(), callerFrom(c), toAddresses(req.Addresses), req.Allowed)
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetWithdrawalRequesters(c *gin.Context) {
	var req AddressToggleRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetWithdrawalRequesters(c.Request.Context(), callerFrom(c), toAddresses(req.Addresses), req.Allowed)
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetTierCashback(c *gin.Context) {
	var req PercentageRequest
	if !h.bind(c, &req) {
		return
	}
	tier := interfaces.Tier(strings.ToLower(h.clean(c.Param("tier"))))
	err := h.engine.SetTierCashbackPercentage(c.Request.Context(), callerFrom(c), tier, req.Percentage)
	h.respond(c, http.StatusNoContent, nil, err)
}

func (h *Handler) SetReferrerCashback(c *gin.Context) {
	var req PercentageRequest
	if !h.bind(c, &req) {
		return
	}
	err := h.engine.SetReferrerCashbackPercentage(c.Request.Context(), callerFrom(c), req.Percentage)
	h.respond(c, http.StatusNoContent, nil, err)
}
