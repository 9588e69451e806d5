package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table: one row per user, guarded by sequence.
type Balance struct {
	UserID    string    `gorm:"primaryKey"`
	SCRD      int64     `gorm:"column:s_crd;not null;default:0;check:chk_balances_s_crd,s_crd >= 0"`
	ECRD      int64     `gorm:"column:e_crd;not null;default:0;check:chk_balances_e_crd,e_crd >= 0"`
	Sequence  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID  string         `gorm:"size:64;primaryKey"`
	UserID         string         `gorm:"not null;index:uniq_credit_transactions_user_sequence,unique,priority:1;index:uniq_credit_transactions_user_idem,unique,priority:1;index:idx_credit_transactions_user_kind_category,priority:1"`
	Sequence       int64          `gorm:"not null;index:uniq_credit_transactions_user_sequence,unique,priority:2"`
	Kind           string         `gorm:"size:16;not null;index:idx_credit_transactions_user_kind_category,priority:2"`
	Amount         int64          `gorm:"not null"`
	CreditType     string         `gorm:"size:16;not null"`
	Category       string         `gorm:"not null;index:idx_credit_transactions_user_kind_category,priority:3"`
	Metadata       datatypes.JSON `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_credit_transactions_user_idem,unique,priority:2"`
	SnapshotSCRD   int64          `gorm:"column:snapshot_s_crd;not null"`
	SnapshotECRD   int64          `gorm:"column:snapshot_e_crd;not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		identifier, err := uuid.NewV7()
		if err != nil {
			return err
		}
		transaction.TransactionID = identifier.String()
	}
	return nil
}

// Migrate creates or updates the tables used by Store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Balance{}, &CreditTransaction{})
}
