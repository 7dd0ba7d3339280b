package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Merchant lifecycle. Cancellation is one-way; there is no reactivation.
const (
	MerchantStatusActive    = "active"
	MerchantStatusCancelled = "cancelled"
)

// Affiliate lifecycle.
const (
	AffiliateStatusActive   = "active"
	AffiliateStatusInactive = "inactive"
)

// Payment split outcomes.
const (
	SplitStatusPending   = "pending"
	SplitStatusCompleted = "completed"
	SplitStatusFailed    = "failed"
)

// Merchant is an onboarded seller. AgentWallet is the public key of the
// keypair operating the merchant's monitoring agent; AgentSecret is its
// base58 private key and is erased when the merchant cancels.
type Merchant struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"size:128"`
	Wallet            string    `gorm:"size:64;index"`
	AgentWallet       string    `gorm:"size:64;uniqueIndex"`
	AgentSecret       string    `gorm:"size:128"`
	CollectionAccount string    `gorm:"size:64;index"`
	PlatformFeeRate   string    `gorm:"size:32"`
	AffiliateFeeRate  string    `gorm:"size:32"`
	Status            string    `gorm:"size:16;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Affiliate promotes one merchant under a referral code.
type Affiliate struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantID     uuid.UUID `gorm:"type:uuid;index"`
	Wallet         string    `gorm:"size:64"`
	ReferralCode   string    `gorm:"size:32;uniqueIndex"`
	TotalEarned    uint64
	TotalReferrals uint64
	Status         string `gorm:"size:16;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PaymentSplit is the append-only audit record of one settled inbound
// payment. ID is the inbound transfer signature, which makes the table
// naturally idempotent per payment.
type PaymentSplit struct {
	ID                  string     `gorm:"primaryKey;size:128"`
	MerchantID          uuid.UUID  `gorm:"type:uuid;index"`
	AffiliateID         *uuid.UUID `gorm:"type:uuid;index"`
	Buyer               string     `gorm:"size:64"`
	TotalAmount         uint64
	PlatformAmount      uint64
	AffiliateAmount     uint64
	MerchantAmount      uint64
	ReferralCode        string `gorm:"size:32"`
	SettlementSignature string `gorm:"size:128"`
	Status              string `gorm:"size:16;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AutoMigrate creates or updates the registry tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Merchant{}, &Affiliate{}, &PaymentSplit{})
}
