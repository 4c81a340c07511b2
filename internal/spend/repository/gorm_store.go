package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/cashspend/common/dbutil"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/pkg/errors"
)

// GormStore implements interfaces.StateStore on gorm. Atomic carries the
// open transaction in the context so collaborators sharing the database
// commit or roll back together with the account state.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a new store
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// Migrate creates the tables owned by the store.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&AccountStateModel{}, &ClearedTransaction{})
}

func (s *GormStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbutil.Transaction(ctx, s.db, fn)
}

func (s *GormStore) Create(ctx context.Context, state *interfaces.AccountState) error {
	if err := dbutil.Conn(ctx, s.db).Create(toModel(state)).Error; err != nil {
		err = dbutil.WrapError(err)
		if errors.Is(err, errors.Conflict) {
			return interfaces.ErrAccountAlreadyExists.Explain("%s", state.Account.Hex())
		}
		return fmt.Errorf("failed to create account state: %w", err)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, account common.Address) (*interfaces.AccountState, error) {
	conn := dbutil.Conn(ctx, s.db)
	if dbutil.InTx(ctx) {
		conn = dbutil.ForUpdate(conn)
	}
	m, err := dbutil.FindOne[AccountStateModel](conn.Where("account = ?", account.Hex()))
	if err != nil {
		if dbutil.IsNotFound(err) {
			return nil, interfaces.ErrAccountNotFound.Explain("%s", account.Hex())
		}
		return nil, fmt.Errorf("failed to load account state: %w", err)
	}
	return fromModel(m)
}

func (s *GormStore) Save(ctx context.Context, state *interfaces.AccountState) error {
	if err := dbutil.Conn(ctx, s.db).Save(toModel(state)).Error; err != nil {
		return fmt.Errorf("failed to save account state: %w", dbutil.WrapError(err))
	}
	return nil
}

func (s *GormStore) IsTransactionCleared(ctx context.Context, account common.Address, txID string) (bool, error) {
	var count int64
	err := dbutil.Conn(ctx, s.db).Model(&ClearedTransaction{}).
		Where("account = ? AND tx_id = ?", account.Hex(), txID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check cleared transaction: %w", dbutil.WrapError(err))
	}
	return count > 0, nil
}

func (s *GormStore) MarkTransactionCleared(ctx context.Context, account common.Address, txID string, at time.Time) error {
	row := &ClearedTransaction{Account: account.Hex(), TxID: txID, ClearedAt: at}
	if err := dbutil.Conn(ctx, s.db).Create(row).Error; err != nil {
		err = dbutil.WrapError(err)
		if errors.Is(err, errors.Conflict) {
			return interfaces.ErrTransactionAlreadyCleared.Explain("%s", txID)
		}
		return fmt.Errorf("failed to mark transaction cleared: %w", err)
	}
	return nil
}

func (s *GormStore) PendingWithdrawals(ctx context.Context, cutoff time.Time, after *interfaces.DueWithdrawal, limit int) ([]interfaces.DueWithdrawal, error) {
	var rows []struct {
		Account               string
		WithdrawalRequestedAt time.Time
	}
	q := dbutil.Conn(ctx, s.db).Model(&AccountStateModel{}).
		Select("account", "withdrawal_requested_at").
		Where("withdrawal_requested_at IS NOT NULL AND withdrawal_requested_at <= ?", cutoff)
	if after != nil {
		q = q.Where("(withdrawal_requested_at > ? OR (withdrawal_requested_at = ? AND account > ?))",
			after.RequestedAt, after.RequestedAt, after.Account.Hex())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("withdrawal_requested_at ASC, account ASC").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", dbutil.WrapError(err))
	}
	out := make([]interfaces.DueWithdrawal, 0, len(rows))
	for _, r := range rows {
		out = append(out, interfaces.DueWithdrawal{Account: common.HexToAddress(r.Account), RequestedAt: r.WithdrawalRequestedAt.UTC()})
	}
	return out, nil
}
