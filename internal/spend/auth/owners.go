package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/Aidin1998/cashspend/common/dbutil"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// AccountOwner is one owner row of an account. Rows are written by the
// onboarding service that manages ownership.
type AccountOwner struct {
	Account   string    `gorm:"primaryKey;size:42"`
	Owner     string    `gorm:"primaryKey;size:42"`
	CreatedAt time.Time
}

func (AccountOwner) TableName() string { return "account_owners" }

// AccountThreshold stores the signature threshold of an account.
type AccountThreshold struct {
	Account   string `gorm:"primaryKey;size:42"`
	Threshold int    `gorm:"not null"`
	UpdatedAt time.Time
}

func (AccountThreshold) TableName() string { return "account_thresholds" }

// GormOwnerRegistry reads owners from the database.
type GormOwnerRegistry struct {
	db *gorm.DB
}

func NewGormOwnerRegistry(db *gorm.DB) *GormOwnerRegistry {
	return &GormOwnerRegistry{db: db}
}

func (r *GormOwnerRegistry) Owners(ctx context.Context, account common.Address) ([]common.Address, int, error) {
	conn := dbutil.Conn(ctx, r.db)

	th, err := dbutil.FindOne[AccountThreshold](conn.Where("account = ?", account.Hex()))
	if err != nil {
		if dbutil.IsNotFound(err) {
			return nil, 0, interfaces.ErrAccountNotFound.Explain("no owners for %s", account.Hex())
		}
		return nil, 0, fmt.Errorf("failed to load threshold: %w", err)
	}

	var rows []AccountOwner
	if err := conn.Where("account = ?", account.Hex()).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to load owners: %w", dbutil.WrapError(err))
	}
	owners := make([]common.Address, 0, len(rows))
	for _, row := range rows {
		owners = append(owners, common.HexToAddress(row.Owner))
	}
	return owners, th.Threshold, nil
}

// MemoryOwnerRegistry keeps owners in memory.
type MemoryOwnerRegistry struct {
	mu         sync.RWMutex
	owners     map[common.Address][]common.Address
	thresholds map[common.Address]int
}

func NewMemoryOwnerRegistry() *MemoryOwnerRegistry {
	return &MemoryOwnerRegistry{
		owners:     make(map[common.Address][]common.Address),
		thresholds: make(map[common.Address]int),
	}
}

// SetOwners replaces the owners and threshold of account.
func (r *MemoryOwnerRegistry) SetOwners(account common.Address, owners []common.Address, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[account] = append([]common.Address(nil), owners...)
	r.thresholds[account] = threshold
}

func (r *MemoryOwnerRegistry) Owners(_ context.Context, account common.Address) ([]common.Address, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owners, ok := r.owners[account]
	if !ok {
		return nil, 0, interfaces.ErrAccountNotFound.Explain("no owners for %s", account.Hex())
	}
	return append([]common.Address(nil), owners...), r.thresholds[account], nil
}
