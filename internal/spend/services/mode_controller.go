package services

import (
	"time"

	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// ModeController owns the Debit/Credit state machine. A pending mode becomes
// effective lazily once its activation time has passed.
type ModeController struct {
	cfg *config.Engine
}

func NewModeController(cfg *config.Engine) *ModeController {
	return &ModeController{cfg: cfg}
}

// GetMode returns the mode in effect at now.
func (m *ModeController) GetMode(state *interfaces.AccountState, now time.Time) interfaces.Mode {
	if p := state.PendingMode; p != nil && !now.Before(p.ActivatesAt) {
		return p.Mode
	}
	return state.Mode
}

// Normalize folds an activated pending mode into the current mode.
func (m *ModeController) Normalize(state *interfaces.AccountState, now time.Time) {
	if p := state.PendingMode; p != nil && !now.Before(p.ActivatesAt) {
		state.Mode = p.Mode
		state.PendingMode = nil
	}
}

// SetMode schedules newMode to activate after the configured delay for that
// direction.
func (m *ModeController) SetMode(state *interfaces.AccountState, newMode interfaces.Mode, now time.Time) (interfaces.Event, error) {
	if newMode != interfaces.ModeDebit && newMode != interfaces.ModeCredit {
		return interfaces.Event{}, interfaces.ErrInvalidInput.Explain("unknown mode %d", int(newMode))
	}
	m.Normalize(state, now)
	previous := state.Mode
	if newMode == previous {
		return interfaces.Event{}, interfaces.ErrModeAlreadySet.Explain("account is already in %s mode", newMode)
	}

	activatesAt := now.Add(m.cfg.ModeDelay(newMode))
	if activatesAt.After(now) {
		state.PendingMode = &interfaces.PendingMode{Mode: newMode, ActivatesAt: activatesAt}
	} else {
		state.Mode = newMode
		state.PendingMode = nil
	}

	return interfaces.NewEvent(interfaces.EventModeSet, state.Account, now, interfaces.ModeSetPayload{
		PreviousMode: previous,
		NewMode:      newMode,
		ActivatesAt:  activatesAt,
	}), nil
}
