// Package ledger keeps fungible token balances of accounts, dispatchers and
// lending pools, and journals every movement
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/cashspend/common/dbutil"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// TokenBalance is the token_balances row of one holder and token.
type TokenBalance struct {
	Holder    string          `gorm:"primaryKey;size:42"`
	Token     string          `gorm:"primaryKey;size:42"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	UpdatedAt time.Time
}

func (TokenBalance) TableName() string { return "token_balances" }

// Entry journals one movement. From is empty for mints.
type Entry struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	From      string          `gorm:"size:42;index"`
	To        string          `gorm:"size:42;index"`
	Token     string          `gorm:"size:42"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt time.Time
}

func (Entry) TableName() string { return "ledger_entries" }

// GormLedger implements interfaces.TokenLedger on gorm. Writes join the
// transaction carried by ctx.
type GormLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLedger creates a new ledger
func NewGormLedger(db *gorm.DB, logger *zap.Logger) *GormLedger {
	return &GormLedger{db: db, logger: logger}
}

// Migrate creates the ledger tables.
func (l *GormLedger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&TokenBalance{}, &Entry{})
}

func (l *GormLedger) Balance(ctx context.Context, holder, token common.Address) (decimal.Decimal, error) {
	row, err := l.load(dbutil.Conn(ctx, l.db), holder, token)
	if err != nil {
		return decimal.Zero, err
	}
	return row.Amount, nil
}

func (l *GormLedger) Transfer(ctx context.Context, from, to, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return interfaces.ErrAmountZero.Explain("transfer of %s", amount)
	}
	return dbutil.Transaction(ctx, l.db, func(ctx context.Context) error {
		conn := dbutil.Conn(ctx, l.db)

		src, err := l.load(dbutil.ForUpdate(conn), from, token)
		if err != nil {
			return err
		}
		if src.Amount.LessThan(amount) {
			return interfaces.ErrInsufficientBalance.Explain("%s holds %s of %s, needs %s", from.Hex(), src.Amount, token.Hex(), amount)
		}
		src.Amount = src.Amount.Sub(amount)
		if err := conn.Save(src).Error; err != nil {
			return fmt.Errorf("failed to debit %s: %w", from.Hex(), dbutil.WrapError(err))
		}
		return l.credit(conn, from.Hex(), to, token, amount)
	})
}

// Mint credits amount to holder out of thin air. It funds accounts and
// dispatchers from deposits observed outside the engine.
func (l *GormLedger) Mint(ctx context.Context, holder, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return interfaces.ErrAmountZero
	}
	return dbutil.Transaction(ctx, l.db, func(ctx context.Context) error {
		return l.credit(dbutil.Conn(ctx, l.db), "", holder, token, amount)
	})
}

func (l *GormLedger) credit(conn *gorm.DB, from string, to, token common.Address, amount decimal.Decimal) error {
	dst, err := l.load(dbutil.ForUpdate(conn), to, token)
	if err != nil {
		return err
	}
	dst.Amount = dst.Amount.Add(amount)
	if err := conn.Save(dst).Error; err != nil {
		return fmt.Errorf("failed to credit %s: %w", to.Hex(), dbutil.WrapError(err))
	}
	entry := &Entry{
		ID:     uuid.New(),
		From:   from,
		To:     to.Hex(),
		Token:  token.Hex(),
		Amount: amount,
	}
	if err := conn.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to journal transfer: %w", dbutil.WrapError(err))
	}
	l.logger.Debug("ledger movement",
		zap.String("from", from),
		zap.String("to", to.Hex()),
		zap.String("token", token.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

func (l *GormLedger) load(conn *gorm.DB, holder, token common.Address) (*TokenBalance, error) {
	row, err := dbutil.FindOne[TokenBalance](conn.Where("holder = ? AND token = ?", holder.Hex(), token.Hex()))
	if err != nil {
		if dbutil.IsNotFound(err) {
			return &TokenBalance{Holder: holder.Hex(), Token: token.Hex(), Amount: decimal.Zero}, nil
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return row, nil
}
