package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDepositTooSmall = errors.New("deposit below minimum")
	ErrOrderTooSmall   = errors.New("order below minimum amount")
	ErrNoDeposit       = errors.New("merchant has no active deposit")
	ErrKindMismatch    = errors.New("deposit kind does not match the open position")
)

// Service runs the vault's bookkeeping against the relational store.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log, now: time.Now}
}

func minFor(kind string) (uint64, error) {
	switch kind {
	case KindSOL:
		return MinDepositSOL, nil
	case KindToken:
		return MinDepositToken, nil
	default:
		return 0, fmt.Errorf("unknown deposit kind %q", kind)
	}
}

// Deposit opens or tops up the merchant's position. A top-up on an active
// position adds to the amount and keeps the original age and metrics; a
// deposit after withdrawal starts the position over.
func (s *Service) Deposit(ctx context.Context, merchantID uuid.UUID, kind string, amount uint64) (*Deposit, error) {
	min, err := minFor(kind)
	if err != nil {
		return nil, err
	}
	if amount < min {
		return nil, fmt.Errorf("%w: %d < %d", ErrDepositTooSmall, amount, min)
	}

	now := s.now()
	var out Deposit
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Deposit
		err := tx.First(&d, "merchant_id = ?", merchantID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			d = newPosition(merchantID, kind, amount, now)
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case d.Active:
			if d.Kind != kind {
				return ErrKindMismatch
			}
			d.Amount += amount
			if err := tx.Save(&d).Error; err != nil {
				return err
			}
		default:
			// Withdrawn position: reuse the row, reset the clock.
			fresh := newPosition(merchantID, kind, amount, now)
			fresh.ID = d.ID
			fresh.CreatedAt = d.CreatedAt
			d = fresh
			if err := tx.Save(&d).Error; err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("vault deposit",
		zap.String("merchant_id", merchantID.String()),
		zap.String("kind", kind),
		zap.Uint64("amount", amount),
		zap.Uint64("position", out.Amount))
	return &out, nil
}

func newPosition(merchantID uuid.UUID, kind string, amount uint64, now time.Time) Deposit {
	return Deposit{
		ID:              uuid.New(),
		MerchantID:      merchantID,
		Kind:            kind,
		Amount:          amount,
		Active:          true,
		DepositedAt:     now,
		LastVolumeReset: now,
		YieldBps:        BaseYieldBps,
	}
}

// RecordOrder folds one settled order into the merchant's metrics and
// recomputes the stored yield. The monthly volume window resets after 30
// days.
func (s *Service) RecordOrder(ctx context.Context, merchantID uuid.UUID, orderUSD uint64) (*Deposit, error) {
	if orderUSD < MinOrderUSD {
		return nil, fmt.Errorf("%w: %d < %d", ErrOrderTooSmall, orderUSD, MinOrderUSD)
	}

	now := s.now()
	var out Deposit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Deposit
		if err := tx.First(&d, "merchant_id = ? AND active = ?", merchantID, true).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoDeposit
			}
			return err
		}

		if now.Sub(d.LastVolumeReset) >= monthWindow {
			d.MonthVolumeUSD = 0
			d.MonthCustomers = 0
			d.LastVolumeReset = now
		}

		d.TotalOrders++
		d.TotalVolumeUSD += orderUSD
		d.MonthVolumeUSD += orderUSD
		d.MonthCustomers++
		d.YieldBps = DynamicYieldBps(d.MonthVolumeUSD, daysBetween(d.DepositedAt, now))

		if err := tx.Save(&d).Error; err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status is the merchant-facing view of a position.
type Status struct {
	Deposit        Deposit `json:"deposit"`
	DaysDeposited  int64   `json:"days_deposited"`
	YieldBps       uint64  `json:"yield_bps"`
	PendingRewards uint64  `json:"pending_rewards"`
	MerchantShare  uint64  `json:"merchant_share"`
	Tier           string  `json:"tier"`
}

// Status reports the position with rewards computed at the current dynamic
// yield. The stored yield only moves when orders are recorded; this view
// recomputes it so idle age still shows up.
func (s *Service) Status(ctx context.Context, merchantID uuid.UUID) (*Status, error) {
	var d Deposit
	if err := s.db.WithContext(ctx).First(&d, "merchant_id = ? AND active = ?", merchantID, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDeposit
		}
		return nil, err
	}

	days := daysBetween(d.DepositedAt, s.now())
	bps := DynamicYieldBps(d.MonthVolumeUSD, days)
	rewards := AccruedRewards(d.Amount, bps, days)
	return &Status{
		Deposit:        d,
		DaysDeposited:  days,
		YieldBps:       bps,
		PendingRewards: rewards,
		MerchantShare:  MerchantShare(rewards),
		Tier:           MerchantTier(d.MonthVolumeUSD, days).String(),
	}, nil
}

// Withdrawal is the final entitlement of a closed position.
type Withdrawal struct {
	Deposit uint64 `json:"deposit"`
	Rewards uint64 `json:"rewards"`
	Total   uint64 `json:"total"`
}

// Withdraw closes the position: the merchant is owed the deposit plus the
// 80% share of rewards accrued at the stored yield. The position deactivates;
// it does not pay out funds itself.
func (s *Service) Withdraw(ctx context.Context, merchantID uuid.UUID) (*Withdrawal, error) {
	now := s.now()
	var out Withdrawal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Deposit
		if err := tx.First(&d, "merchant_id = ? AND active = ?", merchantID, true).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoDeposit
			}
			return err
		}

		rewards := AccruedRewards(d.Amount, d.YieldBps, daysBetween(d.DepositedAt, now))
		share := MerchantShare(rewards)

		d.Active = false
		d.AccruedRewards = share
		if err := tx.Save(&d).Error; err != nil {
			return err
		}
		out = Withdrawal{Deposit: d.Amount, Rewards: share, Total: d.Amount + share}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("vault withdrawal",
		zap.String("merchant_id", merchantID.String()),
		zap.Uint64("deposit", out.Deposit),
		zap.Uint64("rewards", out.Rewards))
	return &out, nil
}

func daysBetween(from, to time.Time) int64 {
	return (to.Unix() - from.Unix()) / 86_400
}
