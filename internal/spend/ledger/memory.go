package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

type balanceKey struct {
	holder common.Address
	token  common.Address
}

// MemoryLedger is an in-memory TokenLedger. It is a repository.Participant so
// a failed MemoryStore.Atomic call rolls its balances back.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[balanceKey]decimal.Decimal
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[balanceKey]decimal.Decimal)}
}

func (l *MemoryLedger) Balance(_ context.Context, holder, token common.Address) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{holder, token}], nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return interfaces.ErrAmountZero.Explain("transfer of %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balances[balanceKey{from, token}]
	if src.LessThan(amount) {
		return interfaces.ErrInsufficientBalance.Explain("%s holds %s of %s, needs %s", from.Hex(), src, token.Hex(), amount)
	}
	l.balances[balanceKey{from, token}] = src.Sub(amount)
	l.balances[balanceKey{to, token}] = l.balances[balanceKey{to, token}].Add(amount)
	return nil
}

// Mint credits amount to holder.
func (l *MemoryLedger) Mint(_ context.Context, holder, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return interfaces.ErrAmountZero
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{holder, token}] = l.balances[balanceKey{holder, token}].Add(amount)
	return nil
}

func (l *MemoryLedger) Snapshot() func() {
	l.mu.RLock()
	saved := make(map[balanceKey]decimal.Decimal, len(l.balances))
	for k, v := range l.balances {
		saved[k] = v
	}
	l.mu.RUnlock()
	return func() {
		l.mu.Lock()
		l.balances = saved
		l.mu.Unlock()
	}
}
