// Package vault keeps merchant collateral deposits and their staking
// rewards. Yield is dynamic: a base rate plus bonuses for monthly order
// volume and deposit age. The package is bookkeeping only; moving the
// underlying funds is the caller's concern.
package vault

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Deposit kinds.
const (
	KindSOL   = "sol"
	KindToken = "token"
)

// Deposit floors and reward share.
const (
	// MinDepositSOL is 1 SOL in lamports.
	MinDepositSOL uint64 = 1_000_000_000
	// MinDepositToken is 100 tokens at 6 decimals.
	MinDepositToken uint64 = 100_000_000
	// MinOrderUSD is the $10 anti-gaming floor, in micro-USD.
	MinOrderUSD uint64 = 10_000_000
	// RewardShareBps is the merchant's share of accrued rewards.
	RewardShareBps uint64 = 8_000
)

// monthWindow is the volume accounting period.
const monthWindow = 30 * 24 * time.Hour

// Deposit is one merchant's collateral position. A merchant has at most one
// row; withdrawing deactivates it and a later deposit starts the position
// over.
type Deposit struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID     uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"merchant_id"`
	Kind           string    `gorm:"size:16" json:"kind"`
	Amount         uint64    `json:"amount"`
	AccruedRewards uint64    `json:"accrued_rewards"`
	Active         bool      `gorm:"index" json:"active"`
	DepositedAt    time.Time `json:"deposited_at"`

	// Performance metrics driving the dynamic yield.
	TotalOrders     uint64    `json:"total_orders"`
	TotalVolumeUSD  uint64    `json:"total_volume_usd"`
	MonthVolumeUSD  uint64    `json:"month_volume_usd"`
	LastVolumeReset time.Time `json:"last_volume_reset"`
	MonthCustomers  uint64    `json:"month_customers"`
	YieldBps        uint64    `json:"yield_bps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutoMigrate creates or updates the vault tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Deposit{})
}
