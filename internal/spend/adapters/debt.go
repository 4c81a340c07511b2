package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/cashspend/common/dbutil"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// DebtBook records outstanding debt per account and borrow token, in token
// units.
type DebtBook interface {
	Debts(ctx context.Context, account common.Address) (map[common.Address]decimal.Decimal, error)
	Add(ctx context.Context, account, token common.Address, delta decimal.Decimal) error
}

// CollateralDebtManager is a debt manager over the token ledger: collateral
// is the account balance of every token with an LTV, borrowing moves tokens
// out of the lending pool.
type CollateralDebtManager struct {
	cfg    *config.Engine
	ledger interfaces.TokenLedger
	prices interfaces.PriceProvider
	book   DebtBook
	pool   common.Address
	log    *zap.Logger
}

var _ interfaces.DebtManager = (*CollateralDebtManager)(nil)

func NewCollateralDebtManager(cfg *config.Engine, ledger interfaces.TokenLedger, prices interfaces.PriceProvider, book DebtBook, pool common.Address, log *zap.Logger) *CollateralDebtManager {
	return &CollateralDebtManager{cfg: cfg, ledger: ledger, prices: prices, book: book, pool: pool, log: log}
}

func (m *CollateralDebtManager) ConvertUSDToCollateralToken(ctx context.Context, token common.Address, amountInUSD decimal.Decimal) (decimal.Decimal, error) {
	price, err := m.prices.Price(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return amountInUSD.Div(price), nil
}

func (m *CollateralDebtManager) ConvertCollateralTokenToUSD(ctx context.Context, token common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	price, err := m.prices.Price(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

func (m *CollateralDebtManager) IsBorrowToken(_ context.Context, token common.Address) bool {
	t, ok := m.cfg.Token(token)
	return ok && t.Borrowable
}

func (m *CollateralDebtManager) Borrow(ctx context.Context, account, token common.Address, amount decimal.Decimal) error {
	if !m.IsBorrowToken(ctx, token) {
		return interfaces.ErrUnsupportedBorrowToken.Explain("%s", token.Hex())
	}
	if err := m.ledger.Transfer(ctx, m.pool, account, token, amount); err != nil {
		if errors.Is(err, interfaces.ErrInsufficientBalance) {
			return interfaces.ErrInsufficientLiquidity.Wrap(err).Explain("lending pool cannot lend %s of %s", amount, token.Hex())
		}
		return err
	}
	return m.book.Add(ctx, account, token, amount)
}

// Repay returns up to the outstanding debt of token from the account to the
// lending pool and reports the amount repaid.
func (m *CollateralDebtManager) Repay(ctx context.Context, account, token common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, interfaces.ErrAmountZero
	}
	debts, err := m.book.Debts(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, debts[token])
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if err := m.ledger.Transfer(ctx, account, m.pool, token, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, m.book.Add(ctx, account, token, amount.Neg())
}

func (m *CollateralDebtManager) TotalBorrowing(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	debts, err := m.book.Debts(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for token, amount := range debts {
		if !amount.IsPositive() {
			continue
		}
		usd, err := m.ConvertCollateralTokenToUSD(ctx, token, amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(usd)
	}
	return total, nil
}

func (m *CollateralDebtManager) MaxBorrowAmount(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	return m.maxBorrow(ctx, account, nil)
}

// maxBorrow sums balance × price × LTV over collateral tokens, after removing
// the amounts in without.
func (m *CollateralDebtManager) maxBorrow(ctx context.Context, account common.Address, without map[common.Address]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range m.cfg.Tokens() {
		if t.LTV == "" {
			continue
		}
		ltv, err := decimal.NewFromString(t.LTV)
		if err != nil || !ltv.IsPositive() {
			continue
		}
		token := common.HexToAddress(t.Address)
		balance, err := m.ledger.Balance(ctx, account, token)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Sub(without[token])
		if !balance.IsPositive() {
			continue
		}
		usd, err := m.ConvertCollateralTokenToUSD(ctx, token, balance)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(usd.Mul(ltv).Div(hundred))
	}
	return total, nil
}

func (m *CollateralDebtManager) EnsureHealth(ctx context.Context, account common.Address) error {
	return m.ensure(ctx, account, nil)
}

func (m *CollateralDebtManager) EnsureHealthAfterWithdrawal(ctx context.Context, account common.Address, tokens []common.Address, amounts []decimal.Decimal) error {
	without := make(map[common.Address]decimal.Decimal, len(tokens))
	for i, t := range tokens {
		if i < len(amounts) {
			without[t] = without[t].Add(amounts[i])
		}
	}
	return m.ensure(ctx, account, without)
}

func (m *CollateralDebtManager) ensure(ctx context.Context, account common.Address, without map[common.Address]decimal.Decimal) error {
	borrowed, err := m.TotalBorrowing(ctx, account)
	if err != nil {
		return err
	}
	if borrowed.IsZero() {
		return nil
	}
	maxBorrow, err := m.maxBorrow(ctx, account, without)
	if err != nil {
		return err
	}
	if borrowed.GreaterThan(maxBorrow) {
		return interfaces.ErrAccountUnhealthy.Explain("debt %s exceeds borrowing power %s", borrowed, maxBorrow)
	}
	return nil
}

// DebtPosition is the debt_positions row of one account and token.
type DebtPosition struct {
	Account   string          `gorm:"primaryKey;size:42"`
	Token     string          `gorm:"primaryKey;size:42"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	UpdatedAt time.Time
}

func (DebtPosition) TableName() string { return "debt_positions" }

// GormDebtBook keeps debt in the database, joining the transaction in ctx.
type GormDebtBook struct {
	db *gorm.DB
}

func NewGormDebtBook(db *gorm.DB) *GormDebtBook {
	return &GormDebtBook{db: db}
}

func (b *GormDebtBook) Migrate(ctx context.Context) error {
	return b.db.WithContext(ctx).AutoMigrate(&DebtPosition{})
}

func (b *GormDebtBook) Debts(ctx context.Context, account common.Address) (map[common.Address]decimal.Decimal, error) {
	var rows []DebtPosition
	if err := dbutil.Conn(ctx, b.db).Where("account = ?", account.Hex()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load debt: %w", dbutil.WrapError(err))
	}
	out := make(map[common.Address]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[common.HexToAddress(r.Token)] = r.Amount
	}
	return out, nil
}

func (b *GormDebtBook) Add(ctx context.Context, account, token common.Address, delta decimal.Decimal) error {
	return dbutil.Transaction(ctx, b.db, func(ctx context.Context) error {
		conn := dbutil.Conn(ctx, b.db)
		row, err := dbutil.FindOne[DebtPosition](dbutil.ForUpdate(conn).Where("account = ? AND token = ?", account.Hex(), token.Hex()))
		if err != nil {
			if !dbutil.IsNotFound(err) {
				return fmt.Errorf("failed to load debt: %w", err)
			}
			row = &DebtPosition{Account: account.Hex(), Token: token.Hex(), Amount: decimal.Zero}
		}
		row.Amount = row.Amount.Add(delta)
		if row.Amount.IsNegative() {
			row.Amount = decimal.Zero
		}
		if err := conn.Save(row).Error; err != nil {
			return fmt.Errorf("failed to save debt: %w", dbutil.WrapError(err))
		}
		return nil
	})
}

// MemoryDebtBook keeps debt in memory. It is a repository.Participant.
type MemoryDebtBook struct {
	mu    sync.RWMutex
	debts map[common.Address]map[common.Address]decimal.Decimal
}

func NewMemoryDebtBook() *MemoryDebtBook {
	return &MemoryDebtBook{debts: make(map[common.Address]map[common.Address]decimal.Decimal)}
}

func (b *MemoryDebtBook) Debts(_ context.Context, account common.Address) (map[common.Address]decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[common.Address]decimal.Decimal, len(b.debts[account]))
	for k, v := range b.debts[account] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryDebtBook) Add(_ context.Context, account, token common.Address, delta decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.debts[account] == nil {
		b.debts[account] = make(map[common.Address]decimal.Decimal)
	}
	v := b.debts[account][token].Add(delta)
	if v.IsNegative() {
		v = decimal.Zero
	}
	b.debts[account][token] = v
	return nil
}

func (b *MemoryDebtBook) Snapshot() func() {
	b.mu.RLock()
	saved := make(map[common.Address]map[common.Address]decimal.Decimal, len(b.debts))
	for a, m := range b.debts {
		c := make(map[common.Address]decimal.Decimal, len(m))
		for k, v := range m {
			c[k] = v
		}
		saved[a] = c
	}
	b.mu.RUnlock()
	return func() {
		b.mu.Lock()
		b.debts = saved
		b.mu.Unlock()
	}
}
