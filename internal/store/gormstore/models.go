package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID  string    `gorm:"type:varchar(191);primaryKey"`
	Balance    int64     `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	Experience int64     `gorm:"not null;default:0"`
	Level      int64     `gorm:"not null;default:1"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the append-only transactions table.
type Transaction struct {
	TransactionID string         `gorm:"type:varchar(36);primaryKey"`
	AccountID     string         `gorm:"type:varchar(191);not null;index:idx_transactions_account_created,priority:1"`
	Kind          string         `gorm:"type:varchar(32);not null;index"`
	Amount        int64          `gorm:"not null"`
	Description   string         `gorm:"type:varchar(512);not null;default:''"`
	ReferenceID   *string        `gorm:"type:varchar(64);index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Pool mirrors the pools table.
type Pool struct {
	PoolID          string     `gorm:"type:varchar(36);primaryKey"`
	Title           string     `gorm:"type:varchar(200);not null"`
	Description     string     `gorm:"type:varchar(512);not null;default:''"`
	CreatorID       string     `gorm:"type:varchar(191);not null;index"`
	Status          string     `gorm:"type:varchar(16);not null;index:idx_pools_status_ends,priority:1"`
	EndsAt          time.Time  `gorm:"not null;index:idx_pools_status_ends,priority:2"`
	TotalStaked     int64      `gorm:"not null;default:0"`
	WinningOptionID *string    `gorm:"type:varchar(36)"`
	CreatedAt       time.Time  `gorm:"not null;index"`
	ResolvedAt      *time.Time `gorm:""`
}

func (Pool) TableName() string { return "pools" }

// PoolOption mirrors the pool_options table.
type PoolOption struct {
	OptionID     string `gorm:"type:varchar(36);primaryKey"`
	PoolID       string `gorm:"type:varchar(36);not null;index:idx_pool_options_pool_position,unique,priority:1"`
	Position     int    `gorm:"not null;index:idx_pool_options_pool_position,unique,priority:2"`
	Name         string `gorm:"type:varchar(100);not null"`
	BetCount     int64  `gorm:"not null;default:0"`
	StakedAmount int64  `gorm:"not null;default:0"`
	Winner       bool   `gorm:"not null;default:false"`
	Pool         *Pool  `gorm:"foreignKey:PoolID;references:PoolID;constraint:OnDelete:RESTRICT"`
}

func (PoolOption) TableName() string { return "pool_options" }

// Bet mirrors the bets table. The partial unique index allows at most one
// unlocked bet per account and pool.
type Bet struct {
	BetID     string     `gorm:"type:varchar(36);primaryKey"`
	AccountID string     `gorm:"type:varchar(191);not null;index:uniq_bets_unlocked_account_pool,unique,where:locked_at IS NULL,priority:1"`
	PoolID    string     `gorm:"type:varchar(36);not null;index:uniq_bets_unlocked_account_pool,unique,where:locked_at IS NULL,priority:2;index:idx_bets_pool_created,priority:1"`
	OptionID  string     `gorm:"type:varchar(36);not null"`
	Amount    int64      `gorm:"not null"`
	LockedAt  *time.Time `gorm:"index"`
	Payout    int64      `gorm:"not null;default:0"`
	CreatedAt time.Time  `gorm:"not null;index:idx_bets_pool_created,priority:2"`
	Pool      *Pool      `gorm:"foreignKey:PoolID;references:PoolID;constraint:OnDelete:RESTRICT"`
}

func (Bet) TableName() string { return "bets" }

// Loan mirrors the loans table.
type Loan struct {
	LoanID       string          `gorm:"type:varchar(36);primaryKey"`
	LenderID     string          `gorm:"type:varchar(191);not null;index"`
	BorrowerID   string          `gorm:"type:varchar(191);not null;index"`
	Principal    int64           `gorm:"not null"`
	InterestRate decimal.Decimal `gorm:"type:varchar(32);not null"`
	DueAt        time.Time       `gorm:"not null;index:idx_loans_status_due,priority:2"`
	Status       string          `gorm:"type:varchar(16);not null;index:idx_loans_status_due,priority:1"`
	ReminderSent bool            `gorm:"not null;default:false"`
	CreatedAt    time.Time       `gorm:"not null"`
	RepaidAt     *time.Time      `gorm:""`
}

func (Loan) TableName() string { return "loans" }

// Migrate creates or updates every table used by Store.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&Account{}, &Transaction{}, &Pool{}, &PoolOption{}, &Bet{}, &Loan{})
}
