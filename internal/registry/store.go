package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tributarylabs/split-settlement/internal/split"
)

var (
	ErrMerchantNotFound  = errors.New("merchant not found")
	ErrAffiliateNotFound = errors.New("affiliate not found")
	ErrSplitNotFound     = errors.New("payment split not found")
	ErrAffiliateExists   = errors.New("affiliate already registered")
	ErrMerchantCancelled = errors.New("merchant is cancelled")
)

// Open connects to Postgres with the registry's gorm settings.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store wraps the relational side of the system: merchants, affiliates and
// the payment split audit log.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DeriveReferralCode builds the deterministic marker code for a merchant and
// affiliate wallet pair: AFF_ plus six uppercase hex chars.
func DeriveReferralCode(merchantID uuid.UUID, wallet string) string {
	h := sha256.Sum256([]byte(merchantID.String() + "|" + wallet))
	return "AFF_" + strings.ToUpper(hex.EncodeToString(h[:3]))
}

// ── merchants ──────────────────────────────────────────────────────────────

// CreateMerchant validates fee rates and persists the merchant as active.
func (s *Store) CreateMerchant(ctx context.Context, m *Merchant) error {
	if m.Name == "" || m.Wallet == "" {
		return errors.New("merchant name and wallet are required")
	}
	platform, err := split.ParseRate(m.PlatformFeeRate)
	if err != nil {
		return err
	}
	affiliate, err := split.ParseRate(m.AffiliateFeeRate)
	if err != nil {
		return err
	}
	if new(big.Rat).Add(platform, affiliate).Cmp(big.NewRat(1, 1)) >= 0 {
		return split.ErrRateSum
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Status = MerchantStatusActive
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) GetMerchant(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	var m Merchant
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMerchantByAgentWallet(ctx context.Context, agentWallet string) (*Merchant, error) {
	var m Merchant
	err := s.db.WithContext(ctx).First(&m, "agent_wallet = ?", agentWallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListActiveMerchants(ctx context.Context) ([]Merchant, error) {
	var out []Merchant
	err := s.db.WithContext(ctx).
		Where("status = ?", MerchantStatusActive).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// CancelMerchant flips the merchant to cancelled, erases the stored agent
// secret and deactivates its affiliates. The transition is one-way; calling
// it on an already cancelled merchant is a no-op.
func (s *Store) CancelMerchant(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Merchant
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMerchantNotFound
			}
			return err
		}
		if m.Status == MerchantStatusCancelled {
			return nil
		}
		if err := tx.Model(&m).Updates(map[string]any{
			"status":       MerchantStatusCancelled,
			"agent_secret": "",
		}).Error; err != nil {
			return err
		}
		return tx.Model(&Affiliate{}).
			Where("merchant_id = ?", id).
			Update("status", AffiliateStatusInactive).Error
	})
}

// ── affiliates ─────────────────────────────────────────────────────────────

// CreateAffiliate registers a wallet as an affiliate of the merchant and
// assigns its referral code. Registering the same pair twice fails.
func (s *Store) CreateAffiliate(ctx context.Context, merchantID uuid.UUID, wallet string) (*Affiliate, error) {
	if wallet == "" {
		return nil, errors.New("affiliate wallet is required")
	}
	m, err := s.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if m.Status != MerchantStatusActive {
		return nil, ErrMerchantCancelled
	}

	a := &Affiliate{
		ID:           uuid.New(),
		MerchantID:   merchantID,
		Wallet:       wallet,
		ReferralCode: DeriveReferralCode(merchantID, wallet),
		Status:       AffiliateStatusActive,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAffiliateExists
	}
	return a, nil
}

// GetAffiliateByReferralCode resolves an active affiliate from a marker
// code. Codes are matched case-insensitively; inactive affiliates do not
// attribute.
func (s *Store) GetAffiliateByReferralCode(ctx context.Context, code string) (*Affiliate, error) {
	var a Affiliate
	err := s.db.WithContext(ctx).
		First(&a, "referral_code = ? AND status = ?", strings.ToUpper(code), AffiliateStatusActive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAffiliateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAffiliateEarnings adds a paid commission to the affiliate's running
// totals.
func (s *Store) UpdateAffiliateEarnings(ctx context.Context, id uuid.UUID, amount uint64) error {
	res := s.db.WithContext(ctx).Model(&Affiliate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_earned":    gorm.Expr("total_earned + ?", amount),
			"total_referrals": gorm.Expr("total_referrals + ?", 1),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}

// ── payment splits ─────────────────────────────────────────────────────────

// StorePaymentSplit appends one audit record and reports whether it was
// new. A record already stored for the same inbound signature is left
// untouched.
func (s *Store) StorePaymentSplit(ctx context.Context, ps *PaymentSplit) (bool, error) {
	if ps.ID == "" {
		return false, errors.New("payment split id is required")
	}
	if ps.Status == "" {
		ps.Status = SplitStatusPending
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ps)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetPaymentSplit(ctx context.Context, id string) (*PaymentSplit, error) {
	var ps PaymentSplit
	err := s.db.WithContext(ctx).First(&ps, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSplitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (s *Store) ListPaymentSplits(ctx context.Context, merchantID uuid.UUID, limit int) ([]PaymentSplit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []PaymentSplit
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
