// Package services implements the spend engine: mode control, spending limits,
// withdrawals, cashback, spend routing and the read-only lens
package services

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/errors"
	"github.com/Aidin1998/cashspend/pkg/metrics"
)

var tracer = otel.Tracer("github.com/Aidin1998/cashspend/internal/spend/services")

// Dependencies wires the engine to its collaborators.
type Dependencies struct {
	Store      interfaces.StateStore
	Ledger     interfaces.TokenLedger
	Debt       interfaces.DebtManager
	Cashback   interfaces.CashbackDispatcher
	Settlement interfaces.SettlementDispatcher
	Verifier   interfaces.AccountVerifier
	Roles      interfaces.RoleRegistry
	// Publisher receives events after commit; nil drops them.
	Publisher interfaces.EventPublisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Engine is the entry point of every account operation. Each mutating call
// loads the account, runs the component logic and saves it inside one
// StateStore.Atomic call, then hands the resulting events to the publisher.
type Engine struct {
	cfg       *config.Engine
	store     interfaces.StateStore
	verifier  interfaces.AccountVerifier
	roles     interfaces.RoleRegistry
	publisher interfaces.EventPublisher
	clock     func() time.Time
	logger    *zap.Logger

	Modes       *ModeController
	Limits      *SpendingLimitLedger
	Withdrawals *WithdrawalManager
	Cashback    *CashbackEngine
	Router      *SpendRouter
	Lens        *Lens
}

func NewEngine(cfg *config.Engine, deps Dependencies) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		verifier:  deps.Verifier,
		roles:     deps.Roles,
		publisher: deps.Publisher,
		clock:     clock,
		logger:    logger,
	}
	e.Modes = NewModeController(cfg)
	e.Limits = NewSpendingLimitLedger(cfg)
	e.Withdrawals = NewWithdrawalManager(cfg, deps.Ledger, deps.Debt, logger.Named("withdrawals"))
	e.Cashback = NewCashbackEngine(cfg, deps.Cashback, logger.Named("cashback"))
	e.Router = &SpendRouter{
		cfg:         cfg,
		store:       deps.Store,
		debt:        deps.Debt,
		ledger:      deps.Ledger,
		settlement:  deps.Settlement,
		modes:       e.Modes,
		limits:      e.Limits,
		withdrawals: e.Withdrawals,
		cashback:    e.Cashback,
		logger:      logger.Named("router"),
	}
	e.Lens = NewLens(e.Router)
	return e
}

// Config returns the runtime configuration held by the engine.
func (e *Engine) Config() *config.Engine {
	return e.cfg
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// Now is the engine clock in UTC.
func (e *Engine) Now() time.Time {
	return e.now()
}

func isEconomic(err error) bool {
	return errors.ClassOf(err) == errors.ClassEconomic
}

// mutate runs fn on the stored state of account atomically and publishes the
// returned events once the store has committed.
func (e *Engine) mutate(ctx context.Context, account common.Address, fn func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error)) ([]interfaces.Event, error) {
	if account == interfaces.ZeroAddress {
		return nil, interfaces.ErrInvalidAddress.Explain("account is zero")
	}
	now := e.now()
	var events []interfaces.Event
	err := e.store.Atomic(ctx, func(ctx context.Context) error {
		state, err := e.store.Load(ctx, account)
		if err != nil {
			return err
		}
		e.Modes.Normalize(state, now)
		events, err = fn(ctx, state, now)
		if err != nil {
			return err
		}
		state.UpdatedAt = now
		return e.store.Save(ctx, state)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events)
	return events, nil
}

func (e *Engine) publish(ctx context.Context, events []interfaces.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, events); err != nil {
		metrics.EventPublishFailures.Add(float64(len(events)))
		e.logger.Error("Failed to publish events", zap.Int("count", len(events)), zap.Error(err))
	}
}

// authorizeOwners checks the owner quorum over the operation digest and
// consumes the nonce.
func (e *Engine) authorizeOwners(ctx context.Context, state *interfaces.AccountState, action auth.Action, payload []byte, authz interfaces.Authorization) error {
	if e.verifier == nil {
		return interfaces.ErrInvalidSignatures.Explain("no verifier configured")
	}
	digest := auth.Digest(action, e.cfg.ChainID(), state.Account, state.Nonce, payload)
	if err := e.verifier.VerifyQuorum(ctx, state.Account, digest, authz); err != nil {
		return err
	}
	state.Nonce++
	return nil
}

// Digest returns the hash owners must sign for action on account right now.
func (e *Engine) Digest(ctx context.Context, account common.Address, action auth.Action, payload []byte) (common.Hash, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return common.Hash{}, err
	}
	return auth.Digest(action, e.cfg.ChainID(), account, state.Nonce, payload), nil
}

// RegisterAccount creates the state of a freshly onboarded account.
func (e *Engine) RegisterAccount(ctx context.Context, caller, account common.Address, daily, monthly decimal.Decimal, offset time.Duration) (*interfaces.AccountState, []interfaces.Event, error) {
	if err := auth.Authorize(ctx, e.roles, caller, interfaces.CapabilityOnboarding); err != nil {
		return nil, nil, err
	}
	if account == interfaces.ZeroAddress {
		return nil, nil, interfaces.ErrInvalidAddress.Explain("account is zero")
	}
	now := e.now()
	limit, err := e.Limits.Initialize(daily, monthly, offset, now)
	if err != nil {
		return nil, nil, err
	}
	state := interfaces.NewAccountState(account, now)
	state.SpendingLimit = limit

	if err := e.store.Atomic(ctx, func(ctx context.Context) error {
		return e.store.Create(ctx, state)
	}); err != nil {
		return nil, nil, err
	}
	events := []interfaces.Event{
		interfaces.NewEvent(interfaces.EventAccountRegistered, account, now, nil),
		interfaces.NewEvent(interfaces.EventSpendingLimitChanged, account, now, interfaces.SpendingLimitChangedPayload{Current: limit}),
	}
	e.publish(ctx, events)
	e.logger.Info("Account registered", zap.String("account", account.Hex()))
	return state, events, nil
}

// Account returns the state of account as it reads at the current time.
func (e *Engine) Account(ctx context.Context, account common.Address) (*interfaces.AccountState, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	now := e.now()
	e.Modes.Normalize(state, now)
	state.SpendingLimit = e.Limits.ApplicableLimit(state.SpendingLimit, now)
	return state, nil
}

func (e *Engine) GetMode(ctx context.Context, account common.Address) (interfaces.Mode, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return 0, err
	}
	return e.Modes.GetMode(state, e.now()), nil
}

func (e *Engine) SetMode(ctx context.Context, account common.Address, mode interfaces.Mode, authz interfaces.Authorization) ([]interfaces.Event, error) {
	return e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		if err := e.authorizeOwners(ctx, state, auth.ActionSetMode, auth.ModePayload(mode.String()), authz); err != nil {
			return nil, err
		}
		ev, err := e.Modes.SetMode(state, mode, now)
		if err != nil {
			return nil, err
		}
		return []interfaces.Event{ev}, nil
	})
}

func (e *Engine) ApplicableSpendingLimit(ctx context.Context, account common.Address) (interfaces.SpendingLimit, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return interfaces.SpendingLimit{}, err
	}
	return e.Limits.ApplicableLimit(state.SpendingLimit, e.now()), nil
}

func (e *Engine) UpdateSpendingLimit(ctx context.Context, account common.Address, daily, monthly decimal.Decimal, authz interfaces.Authorization) ([]interfaces.Event, error) {
	return e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		if err := e.authorizeOwners(ctx, state, auth.ActionUpdateSpendingLimit, auth.SpendingLimitPayload(daily, monthly), authz); err != nil {
			return nil, err
		}
		previous := e.Limits.ApplicableLimit(state.SpendingLimit, now)
		updated, err := e.Limits.UpdateLimit(state.SpendingLimit, daily, monthly, now)
		if err != nil {
			return nil, err
		}
		state.SpendingLimit = updated
		return []interfaces.Event{interfaces.NewEvent(interfaces.EventSpendingLimitChanged, account, now,
			interfaces.SpendingLimitChangedPayload{Previous: previous, Current: updated})}, nil
	})
}

func (e *Engine) RequestWithdrawal(ctx context.Context, account common.Address, tokens []common.Address, amounts []decimal.Decimal, recipient common.Address, authz interfaces.Authorization) ([]interfaces.Event, error) {
	events, err := e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		if err := e.authorizeOwners(ctx, state, auth.ActionRequestWithdrawal, auth.WithdrawalPayload(tokens, amounts, recipient), authz); err != nil {
			return nil, err
		}
		return e.Withdrawals.Request(ctx, state, tokens, amounts, recipient, interfaces.Initiator{Kind: interfaces.InitiatorOwners}, now)
	})
	if err == nil {
		metrics.WithdrawalActions.WithLabelValues("requested").Inc()
	}
	return events, err
}

func (e *Engine) RequestWithdrawalByModule(ctx context.Context, module, account common.Address, tokens []common.Address, amounts []decimal.Decimal, recipient common.Address) ([]interfaces.Event, error) {
	if err := e.Withdrawals.CheckModule(module); err != nil {
		return nil, err
	}
	events, err := e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		return e.Withdrawals.Request(ctx, state, tokens, amounts, recipient, interfaces.Initiator{Kind: interfaces.InitiatorModule, Module: module}, now)
	})
	if err == nil {
		metrics.WithdrawalActions.WithLabelValues("requested").Inc()
	}
	return events, err
}

func (e *Engine) CancelWithdrawal(ctx context.Context, account common.Address, authz interfaces.Authorization) ([]interfaces.Event, error) {
	events, err := e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		// State errors take precedence over signature errors.
		if state.PendingWithdrawal == nil {
			return nil, interfaces.ErrWithdrawalDoesNotExist
		}
		if state.PendingWithdrawal.Initiator.Kind == interfaces.InitiatorModule {
			return nil, interfaces.ErrOwnersCannotCancelModule
		}
		if err := e.authorizeOwners(ctx, state, auth.ActionCancelWithdrawal, auth.CancelWithdrawalPayload(), authz); err != nil {
			return nil, err
		}
		ev, err := e.Withdrawals.Cancel(state, interfaces.Initiator{Kind: interfaces.InitiatorOwners}, now)
		if err != nil {
			return nil, err
		}
		return []interfaces.Event{ev}, nil
	})
	if err == nil {
		metrics.WithdrawalActions.WithLabelValues("cancelled").Inc()
	}
	return events, err
}

func (e *Engine) CancelWithdrawalByModule(ctx context.Context, module, account common.Address) ([]interfaces.Event, error) {
	events, err := e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		ev, err := e.Withdrawals.Cancel(state, interfaces.Initiator{Kind: interfaces.InitiatorModule, Module: module}, now)
		if err != nil {
			return nil, err
		}
		return []interfaces.Event{ev}, nil
	})
	if err == nil {
		metrics.WithdrawalActions.WithLabelValues("cancelled").Inc()
	}
	return events, err
}

// ProcessWithdrawal executes a matured request. It needs no authorization.
func (e *Engine) ProcessWithdrawal(ctx context.Context, account common.Address) ([]interfaces.Event, error) {
	events, err := e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		ev, err := e.Withdrawals.Process(ctx, state, now)
		if err != nil {
			return nil, err
		}
		return []interfaces.Event{ev}, nil
	})
	if err == nil {
		metrics.WithdrawalActions.WithLabelValues("processed").Inc()
	}
	return events, err
}

func (e *Engine) PendingWithdrawal(ctx context.Context, account common.Address) (*interfaces.WithdrawalRequest, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	return state.PendingWithdrawal, nil
}

// Spend clears req for a caller holding the spend capability.
func (e *Engine) Spend(ctx context.Context, caller common.Address, req *interfaces.SpendRequest) (*interfaces.SpendResult, error) {
	start := time.Now()
	defer func() { metrics.SpendLatency.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "Engine.Spend")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", req.Account.Hex()),
		attribute.String("tx_id", req.TransactionID),
		attribute.String("bin_sponsor", req.BinSponsor))

	if err := auth.Authorize(ctx, e.roles, caller, interfaces.CapabilitySpend); err != nil {
		span.SetStatus(codes.Error, errors.KindOf(err))
		return nil, err
	}

	var result *interfaces.SpendResult
	_, err := e.mutate(ctx, req.Account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		res, err := e.Router.Spend(ctx, state, req, now)
		if err != nil {
			return nil, err
		}
		result = res
		return res.Events, nil
	})
	if err != nil {
		outcome := errors.KindOf(err)
		if outcome == "" {
			outcome = "error"
		}
		metrics.SpendsProcessed.WithLabelValues("unknown", outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.Info("Spend rejected",
			zap.String("account", req.Account.Hex()),
			zap.String("tx_id", req.TransactionID),
			zap.Error(err))
		return nil, err
	}
	metrics.SpendsProcessed.WithLabelValues(result.Mode.String(), "cleared").Inc()
	return result, nil
}

// ClearPendingCashback retries pending cashback of users on account. Anyone
// may call it.
func (e *Engine) ClearPendingCashback(ctx context.Context, account common.Address, users, tokens []common.Address) ([]interfaces.Event, error) {
	return e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		return e.Cashback.Clear(ctx, state, users, tokens, now)
	})
}

func (e *Engine) PendingCashback(ctx context.Context, account common.Address) ([]interfaces.PendingCashbackRecord, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	return state.PendingCashbackRecords(), nil
}

// SetCashbackSplitToSafePercentage changes the share of regular cashback kept
// by the account.
func (e *Engine) SetCashbackSplitToSafePercentage(ctx context.Context, account common.Address, pct decimal.Decimal, authz interfaces.Authorization) ([]interfaces.Event, error) {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return nil, interfaces.ErrInvalidPercentage.Explain("%s", pct)
	}
	return e.mutate(ctx, account, func(ctx context.Context, state *interfaces.AccountState, now time.Time) ([]interfaces.Event, error) {
		if err := e.authorizeOwners(ctx, state, auth.ActionSetCashbackSplit, auth.CashbackSplitPayload(pct), authz); err != nil {
			return nil, err
		}
		previous := state.CashbackSplitToSafe
		if previous.Equal(pct) {
			return nil, interfaces.ErrInvalidInput.Explain("split already %s", pct)
		}
		state.CashbackSplitToSafe = pct
		return []interfaces.Event{interfaces.NewEvent(interfaces.EventCashbackSplitChanged, account, now,
			interfaces.CashbackSplitChangedPayload{Previous: previous, Current: pct})}, nil
	})
}

// CanSpend is the Lens pre-flight of req.
func (e *Engine) CanSpend(ctx context.Context, req *interfaces.SpendRequest) (bool, string) {
	state, err := e.store.Load(ctx, req.Account)
	if err != nil {
		return false, reasonOf(err)
	}
	return e.Lens.CanSpend(ctx, state, req, e.now())
}

func (e *Engine) MaxSpendable(ctx context.Context, account common.Address, preference []common.Address) (*interfaces.MaxSpendable, error) {
	state, err := e.store.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	return e.Lens.MaxSpendable(ctx, state, preference, e.now())
}
