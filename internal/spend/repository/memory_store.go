package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Participant is in-memory state that rolls back with a failed Atomic call.
// Snapshot captures the current state and returns the function restoring it.
type Participant interface {
	Snapshot() (restore func())
}

type atomicKey struct{}

// MemoryStore is an in-memory StateStore. Atomic calls are serialized and
// restore the store and every registered participant when fn fails.
type MemoryStore struct {
	opMu sync.Mutex

	mu           sync.RWMutex
	states       map[common.Address]*interfaces.AccountState
	cleared      map[common.Address]map[string]time.Time
	participants []Participant

	// due orders pending withdrawals by request time; dueKeys maps each
	// account to its key in due.
	due     *btree.Map[string, interfaces.DueWithdrawal]
	dueKeys map[common.Address]string
}

func NewMemoryStore(participants ...Participant) *MemoryStore {
	return &MemoryStore{
		states:       make(map[common.Address]*interfaces.AccountState),
		cleared:      make(map[common.Address]map[string]time.Time),
		participants: participants,
		due:          btree.NewMap[string, interfaces.DueWithdrawal](32),
		dueKeys:      make(map[common.Address]string),
	}
}

func dueKey(at time.Time, account common.Address) string {
	return fmt.Sprintf("%020d:%s", at.UnixNano(), account.Hex())
}

// index updates the withdrawal index for state. Callers hold mu.
func (s *MemoryStore) index(state *interfaces.AccountState) {
	if key, ok := s.dueKeys[state.Account]; ok {
		s.due.Delete(key)
		delete(s.dueKeys, state.Account)
	}
	if w := state.PendingWithdrawal; w != nil {
		key := dueKey(w.RequestedAt, state.Account)
		s.due.Set(key, interfaces.DueWithdrawal{Account: state.Account, RequestedAt: w.RequestedAt})
		s.dueKeys[state.Account] = key
	}
}

// Register adds a participant to every later Atomic call.
func (s *MemoryStore) Register(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append(s.participants, p)
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(atomicKey{}) != nil {
		return fn(ctx)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	restore := s.Snapshot()
	s.mu.RLock()
	restores := make([]func(), 0, len(s.participants))
	for _, p := range s.participants {
		restores = append(restores, p.Snapshot())
	}
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, atomicKey{}, true)); err != nil {
		restore()
		for _, r := range restores {
			r()
		}
		return err
	}
	return nil
}

// Snapshot implements Participant for the store itself.
func (s *MemoryStore) Snapshot() func() {
	s.mu.RLock()
	states := make(map[common.Address]*interfaces.AccountState, len(s.states))
	for k, v := range s.states {
		states[k] = v.Clone()
	}
	cleared := make(map[common.Address]map[string]time.Time, len(s.cleared))
	for k, txs := range s.cleared {
		c := make(map[string]time.Time, len(txs))
		for id, at := range txs {
			c[id] = at
		}
		cleared[k] = c
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.states = states
		s.cleared = cleared
		s.due = btree.NewMap[string, interfaces.DueWithdrawal](32)
		s.dueKeys = make(map[common.Address]string)
		for _, state := range states {
			s.index(state)
		}
		s.mu.Unlock()
	}
}

func (s *MemoryStore) Create(_ context.Context, state *interfaces.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.Account]; ok {
		return interfaces.ErrAccountAlreadyExists.Explain("%s", state.Account.Hex())
	}
	s.states[state.Account] = state.Clone()
	s.index(state)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, account common.Address) (*interfaces.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[account]
	if !ok {
		return nil, interfaces.ErrAccountNotFound.Explain("%s", account.Hex())
	}
	return state.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, state *interfaces.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.Account]; !ok {
		return interfaces.ErrAccountNotFound.Explain("%s", state.Account.Hex())
	}
	s.states[state.Account] = state.Clone()
	s.index(state)
	return nil
}

func (s *MemoryStore) IsTransactionCleared(_ context.Context, account common.Address, txID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cleared[account][txID]
	return ok, nil
}

func (s *MemoryStore) MarkTransactionCleared(_ context.Context, account common.Address, txID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cleared[account][txID]; ok {
		return interfaces.ErrTransactionAlreadyCleared.Explain("%s", txID)
	}
	if s.cleared[account] == nil {
		s.cleared[account] = make(map[string]time.Time)
	}
	s.cleared[account][txID] = at
	return nil
}

func (s *MemoryStore) PendingWithdrawals(_ context.Context, cutoff time.Time, after *interfaces.DueWithdrawal, limit int) ([]interfaces.DueWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bound := dueKey(cutoff, common.Address{})
	var out []interfaces.DueWithdrawal
	iter := func(key string, due interfaces.DueWithdrawal) bool {
		if key[:20] > bound[:20] {
			return false
		}
		out = append(out, due)
		return limit <= 0 || len(out) < limit
	}
	if after == nil {
		s.due.Scan(iter)
		return out, nil
	}
	pivot := dueKey(after.RequestedAt, after.Account)
	s.due.Ascend(pivot, func(key string, due interfaces.DueWithdrawal) bool {
		if key == pivot {
			return true
		}
		return iter(key, due)
	})
	return out, nil
}
