package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func testMerchant() *Merchant {
	return &Merchant{
		Name:              "Atelier Nine",
		Wallet:            "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2",
		AgentWallet:       uuid.NewString(),
		AgentSecret:       "agent-secret-b58",
		CollectionAccount: "C0LLECT10N" + uuid.NewString()[:8],
		PlatformFeeRate:   "0.05",
		AffiliateFeeRate:  "0.15",
	}
}

// ── merchants ──────────────────────────────────────────────────────────────

func TestCreateMerchant_Get(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatalf("CreateMerchant: %v", err)
	}
	if m.ID == uuid.Nil {
		t.Fatal("merchant ID not assigned")
	}
	if m.Status != MerchantStatusActive {
		t.Fatalf("Status: got %q want %q", m.Status, MerchantStatusActive)
	}

	got, err := s.GetMerchant(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMerchant: %v", err)
	}
	if got.Name != m.Name || got.Wallet != m.Wallet || got.PlatformFeeRate != "0.05" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCreateMerchant_RateSumTooHigh(t *testing.T) {
	s := newTestStore(t)
	m := testMerchant()
	m.PlatformFeeRate = "0.60"
	m.AffiliateFeeRate = "0.40"
	if err := s.CreateMerchant(context.Background(), m); err == nil {
		t.Fatal("expected error for rates summing to 1")
	}
}

func TestCreateMerchant_BadRate(t *testing.T) {
	s := newTestStore(t)
	m := testMerchant()
	m.PlatformFeeRate = "five percent"
	if err := s.CreateMerchant(context.Background(), m); err == nil {
		t.Fatal("expected error for unparseable rate")
	}
}

func TestGetMerchant_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMerchant(context.Background(), uuid.New()); !errors.Is(err, ErrMerchantNotFound) {
		t.Fatalf("got %v, want ErrMerchantNotFound", err)
	}
}

func TestGetMerchantByAgentWallet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMerchantByAgentWallet(ctx, m.AgentWallet)
	if err != nil {
		t.Fatalf("GetMerchantByAgentWallet: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("got merchant %s, want %s", got.ID, m.ID)
	}

	if _, err := s.GetMerchantByAgentWallet(ctx, "unknown-wallet"); !errors.Is(err, ErrMerchantNotFound) {
		t.Fatalf("got %v, want ErrMerchantNotFound", err)
	}
}

func TestListActiveMerchants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, m2 := testMerchant(), testMerchant()
	if err := s.CreateMerchant(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateMerchant(ctx, m2); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelMerchant(ctx, m2.ID); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListActiveMerchants(ctx)
	if err != nil {
		t.Fatalf("ListActiveMerchants: %v", err)
	}
	if len(active) != 1 || active[0].ID != m1.ID {
		t.Fatalf("expected only %s active, got %+v", m1.ID, active)
	}
}

func TestCancelMerchant_OneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateAffiliate(ctx, m.ID, "AffWallet1111111111111111111111111111111111")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CancelMerchant(ctx, m.ID); err != nil {
		t.Fatalf("CancelMerchant: %v", err)
	}

	got, _ := s.GetMerchant(ctx, m.ID)
	if got.Status != MerchantStatusCancelled {
		t.Errorf("Status: got %q want %q", got.Status, MerchantStatusCancelled)
	}
	if got.AgentSecret != "" {
		t.Error("agent secret must be erased on cancel")
	}

	// The affiliate's marker stops attributing.
	if _, err := s.GetAffiliateByReferralCode(ctx, a.ReferralCode); !errors.Is(err, ErrAffiliateNotFound) {
		t.Errorf("affiliate should be inactive after merchant cancel, got %v", err)
	}

	// Second cancel is a no-op, not an error.
	if err := s.CancelMerchant(ctx, m.ID); err != nil {
		t.Fatalf("second CancelMerchant: %v", err)
	}
}

// ── affiliates ─────────────────────────────────────────────────────────────

func TestDeriveReferralCode_Shape(t *testing.T) {
	code := DeriveReferralCode(uuid.New(), "SomeWallet")
	if !strings.HasPrefix(code, "AFF_") {
		t.Fatalf("code %q should start with AFF_", code)
	}
	if len(code) != len("AFF_")+6 {
		t.Fatalf("code %q should carry six hex chars", code)
	}
	if code != strings.ToUpper(code) {
		t.Fatalf("code %q should be uppercase", code)
	}
}

func TestDeriveReferralCode_Deterministic(t *testing.T) {
	id := uuid.New()
	if DeriveReferralCode(id, "w1") != DeriveReferralCode(id, "w1") {
		t.Fatal("derivation is not deterministic")
	}
	if DeriveReferralCode(id, "w1") == DeriveReferralCode(id, "w2") {
		t.Fatal("different wallets should yield different codes")
	}
}

func TestCreateAffiliate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}

	a, err := s.CreateAffiliate(ctx, m.ID, "AffWallet1111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("CreateAffiliate: %v", err)
	}
	if a.ReferralCode == "" || a.Status != AffiliateStatusActive {
		t.Fatalf("unexpected affiliate: %+v", a)
	}

	got, err := s.GetAffiliateByReferralCode(ctx, a.ReferralCode)
	if err != nil {
		t.Fatalf("GetAffiliateByReferralCode: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("got affiliate %s, want %s", got.ID, a.ID)
	}
}

func TestCreateAffiliate_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAffiliate(ctx, m.ID, "WalletA"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAffiliate(ctx, m.ID, "WalletA"); !errors.Is(err, ErrAffiliateExists) {
		t.Fatalf("got %v, want ErrAffiliateExists", err)
	}
}

func TestCreateAffiliate_CancelledMerchant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelMerchant(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAffiliate(ctx, m.ID, "WalletB"); !errors.Is(err, ErrMerchantCancelled) {
		t.Fatalf("got %v, want ErrMerchantCancelled", err)
	}
}

func TestGetAffiliateByReferralCode_CaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateAffiliate(ctx, m.ID, "WalletC")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAffiliateByReferralCode(ctx, strings.ToLower(a.ReferralCode))
	if err != nil {
		t.Fatalf("lowercase lookup: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("got affiliate %s, want %s", got.ID, a.ID)
	}
}

func TestUpdateAffiliateEarnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateAffiliate(ctx, m.ID, "WalletD")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateAffiliateEarnings(ctx, a.ID, 150_000); err != nil {
		t.Fatalf("UpdateAffiliateEarnings: %v", err)
	}
	if err := s.UpdateAffiliateEarnings(ctx, a.ID, 50_000); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetAffiliateByReferralCode(ctx, a.ReferralCode)
	if got.TotalEarned != 200_000 {
		t.Errorf("TotalEarned: got %d want 200000", got.TotalEarned)
	}
	if got.TotalReferrals != 2 {
		t.Errorf("TotalReferrals: got %d want 2", got.TotalReferrals)
	}
}

func TestUpdateAffiliateEarnings_Missing(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateAffiliateEarnings(context.Background(), uuid.New(), 1); !errors.Is(err, ErrAffiliateNotFound) {
		t.Fatalf("got %v, want ErrAffiliateNotFound", err)
	}
}

// ── payment splits ─────────────────────────────────────────────────────────

func TestStorePaymentSplit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}

	ps := &PaymentSplit{
		ID:                  "sig-inbound-001",
		MerchantID:          m.ID,
		Buyer:               "BuyerWallet",
		TotalAmount:         1_000_000,
		PlatformAmount:      50_000,
		AffiliateAmount:     150_000,
		MerchantAmount:      800_000,
		SettlementSignature: "sig-payout-001",
		Status:              SplitStatusCompleted,
	}
	inserted, err := s.StorePaymentSplit(ctx, ps)
	if err != nil {
		t.Fatalf("StorePaymentSplit: %v", err)
	}
	if !inserted {
		t.Fatal("first store reported no insert")
	}

	// Replay with different values; the original record must win.
	replay := *ps
	replay.TotalAmount = 5
	inserted, err = s.StorePaymentSplit(ctx, &replay)
	if err != nil {
		t.Fatalf("replayed StorePaymentSplit: %v", err)
	}
	if inserted {
		t.Fatal("replay reported an insert")
	}

	got, err := s.GetPaymentSplit(ctx, "sig-inbound-001")
	if err != nil {
		t.Fatalf("GetPaymentSplit: %v", err)
	}
	if got.TotalAmount != 1_000_000 {
		t.Errorf("TotalAmount overwritten by replay: got %d", got.TotalAmount)
	}
	if got.Status != SplitStatusCompleted {
		t.Errorf("Status: got %q want %q", got.Status, SplitStatusCompleted)
	}
}

func TestGetPaymentSplit_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetPaymentSplit(context.Background(), "sig-nope"); !errors.Is(err, ErrSplitNotFound) {
		t.Fatalf("got %v, want ErrSplitNotFound", err)
	}
}

func TestListPaymentSplits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMerchant()
	if err := s.CreateMerchant(ctx, m); err != nil {
		t.Fatal(err)
	}
	other := testMerchant()
	if err := s.CreateMerchant(ctx, other); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ps := &PaymentSplit{
			ID:         fmt.Sprintf("sig-%d", i),
			MerchantID: m.ID,
			Status:     SplitStatusCompleted,
		}
		if _, err := s.StorePaymentSplit(ctx, ps); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.StorePaymentSplit(ctx, &PaymentSplit{ID: "sig-other", MerchantID: other.ID}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPaymentSplits(ctx, m.ID, 10)
	if err != nil {
		t.Fatalf("ListPaymentSplits: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 splits for merchant, got %d", len(got))
	}
	for _, ps := range got {
		if ps.MerchantID != m.ID {
			t.Errorf("foreign split leaked in: %+v", ps)
		}
	}
}
