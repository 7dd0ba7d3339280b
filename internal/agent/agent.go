// Package agent runs one monitoring loop per merchant. Each agent watches
// the merchant's collection account for inbound transfers, attributes them
// to an affiliate via the memo marker, and hands the computed split to the
// executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/executor"
	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/noncestore"
	"github.com/tributarylabs/split-settlement/internal/proof"
	"github.com/tributarylabs/split-settlement/internal/registry"
	"github.com/tributarylabs/split-settlement/internal/split"
)

const (
	defaultInterval  = 5 * time.Second
	defaultScanLimit = 25
)

// markerPattern matches an affiliate marker anywhere in a memo, with or
// without the REF: prefix, in any case: "REF:AFF_9F3A1B", "aff_9f3a1b".
var markerPattern = regexp.MustCompile(`(?i)(?:REF:)?\s*(AFF_[A-Z0-9]+)`)

// ExtractReferralCode returns the normalized affiliate code carried by a
// memo, or "" when the memo has no marker.
func ExtractReferralCode(memo string) string {
	m := markerPattern.FindStringSubmatch(memo)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// Deps carries the collaborators shared by every agent.
type Deps struct {
	Gateway        ledger.Gateway
	Registry       *registry.Store
	Nonces         *noncestore.Store
	Executor       *executor.Executor
	PlatformWallet string
	Interval       time.Duration
	ScanLimit      int
	Log            *zap.Logger
}

// Agent monitors one merchant's collection account. It holds a snapshot of
// the merchant taken at construction; fee-rate changes require a restart.
type Agent struct {
	merchantID     uuid.UUID
	merchantWallet string
	keypair        solana.PrivateKey
	collection     solana.PublicKey
	platformRate   *big.Rat
	affiliateRate  *big.Rat

	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	// cursor is the newest signature already covered by a scan. Only the
	// monitor goroutine touches it.
	cursor solana.Signature
}

// New builds an agent for an onboarded merchant. The stored agent keypair
// must match the registered agent wallet; anything else refuses to start.
func New(m *registry.Merchant, deps Deps) (*Agent, error) {
	keypair, err := solana.PrivateKeyFromBase58(m.AgentSecret)
	if err != nil {
		return nil, fmt.Errorf("merchant %s: agent keypair: %w", m.ID, err)
	}
	if keypair.PublicKey().String() != m.AgentWallet {
		return nil, fmt.Errorf("merchant %s: stored keypair does not match agent wallet", m.ID)
	}
	collection, err := solana.PublicKeyFromBase58(m.CollectionAccount)
	if err != nil {
		return nil, fmt.Errorf("merchant %s: collection account: %w", m.ID, err)
	}
	platformRate, err := split.ParseRate(m.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("merchant %s: %w", m.ID, err)
	}
	affiliateRate, err := split.ParseRate(m.AffiliateFeeRate)
	if err != nil {
		return nil, fmt.Errorf("merchant %s: %w", m.ID, err)
	}

	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	if deps.ScanLimit <= 0 {
		deps.ScanLimit = defaultScanLimit
	}

	return &Agent{
		merchantID:     m.ID,
		merchantWallet: m.Wallet,
		keypair:        keypair,
		collection:     collection,
		platformRate:   platformRate,
		affiliateRate:  affiliateRate,
		deps:           deps,
		log: deps.Log.With(
			zap.String("merchant_id", m.ID.String()),
			zap.String("collection", m.CollectionAccount)),
	}, nil
}

// MerchantID identifies the monitored merchant.
func (a *Agent) MerchantID() uuid.UUID { return a.merchantID }

// Monitoring reports whether the loop is running.
func (a *Agent) Monitoring() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start launches the monitor goroutine. Starting a monitoring agent is a
// no-op.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.log.Warn("agent already monitoring")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	go a.run(runCtx)
}

// Stop halts the monitor goroutine. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.cancel()
	a.running = false
}

func (a *Agent) run(ctx context.Context) {
	ticker := time.NewTicker(a.deps.Interval)
	defer ticker.Stop()

	a.log.Info("agent monitoring started", zap.Duration("interval", a.deps.Interval))

	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent monitoring stopped")
			return
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

// scan runs one polling pass: fetch the recent signature window, drop
// everything at or past the cursor, process the remainder oldest first.
// Per-transfer failures are logged and skipped; the nonce ledger makes a
// future pass of the same transfer safe, but the cursor never rewinds.
func (a *Agent) scan(ctx context.Context) {
	refs, err := a.deps.Gateway.RecentTransfers(ctx, a.collection, a.deps.ScanLimit)
	if err != nil {
		a.log.Error("agent: list transfers", zap.Error(err))
		return
	}
	if len(refs) == 0 {
		return
	}

	// refs is newest first; collect the slice above the cursor.
	fresh := refs
	for i, ref := range refs {
		if ref.Signature == a.cursor {
			fresh = refs[:i]
			break
		}
	}
	a.cursor = refs[0].Signature

	for i := len(fresh) - 1; i >= 0; i-- {
		ref := fresh[i]
		if ref.Failed {
			continue
		}
		if err := a.processTransfer(ctx, ref.Signature); err != nil {
			a.log.Error("agent: process transfer",
				zap.String("signature", ref.Signature.String()),
				zap.Error(err))
		}
	}
}

// processTransfer settles the split for one inbound transfer. Transfers that
// did not credit the collection account (payouts, unrelated touches) are
// skipped by direction, not by signature.
func (a *Agent) processTransfer(ctx context.Context, sig solana.Signature) error {
	detail, err := a.deps.Gateway.GetTransfer(ctx, sig, a.collection)
	if err != nil {
		return fmt.Errorf("load transfer: %w", err)
	}
	if detail.Failed || detail.Amount == 0 {
		return nil
	}

	code := ExtractReferralCode(detail.Memo)
	affiliate, err := a.lookupAffiliate(ctx, code)
	if err != nil {
		return err
	}

	shares, err := split.Compute(detail.Amount, a.platformRate, a.affiliateRate, affiliate != nil)
	if err != nil {
		return fmt.Errorf("compute split: %w", err)
	}

	splitID := sig.String()
	p, err := a.issueAuthorization(ctx, splitID, detail.Amount)
	if errors.Is(err, noncestore.ErrDuplicateNonce) {
		// Another pass (or a previous run) already settled this transfer.
		return nil
	}
	if err != nil {
		return fmt.Errorf("issue authorization: %w", err)
	}

	req := executor.Request{SplitID: splitID}
	if shares.Platform > 0 {
		req.Recipients = append(req.Recipients, executor.Recipient{Role: "platform", Address: a.deps.PlatformWallet, Amount: shares.Platform})
	}
	if affiliate != nil && shares.Affiliate > 0 {
		req.Recipients = append(req.Recipients, executor.Recipient{Role: "affiliate", Address: affiliate.Wallet, Amount: shares.Affiliate})
	}
	if shares.Merchant > 0 {
		req.Recipients = append(req.Recipients, executor.Recipient{Role: "merchant", Address: a.merchantWallet, Amount: shares.Merchant})
	}

	record := &registry.PaymentSplit{
		ID:              splitID,
		MerchantID:      a.merchantID,
		Buyer:           detail.From.String(),
		TotalAmount:     shares.Total,
		PlatformAmount:  shares.Platform,
		AffiliateAmount: shares.Affiliate,
		MerchantAmount:  shares.Merchant,
		ReferralCode:    code,
	}
	if affiliate != nil {
		record.AffiliateID = &affiliate.ID
	}

	res, execErr := a.deps.Executor.Execute(ctx, p, req)
	if execErr == nil {
		record.Status = registry.SplitStatusCompleted
		record.SettlementSignature = res.Signature
	} else {
		record.Status = registry.SplitStatusFailed
	}
	if _, err := a.deps.Registry.StorePaymentSplit(ctx, record); err != nil {
		a.log.Error("agent: store split record", zap.String("split_id", splitID), zap.Error(err))
	}
	if execErr != nil {
		return fmt.Errorf("execute split: %w", execErr)
	}

	if affiliate != nil && shares.Affiliate > 0 {
		if err := a.deps.Registry.UpdateAffiliateEarnings(ctx, affiliate.ID, shares.Affiliate); err != nil {
			a.log.Error("agent: update affiliate earnings",
				zap.String("affiliate_id", affiliate.ID.String()),
				zap.Error(err))
		}
	}

	a.log.Info("inbound payment split",
		zap.String("split_id", splitID),
		zap.Uint64("total", shares.Total),
		zap.Uint64("platform", shares.Platform),
		zap.Uint64("affiliate", shares.Affiliate),
		zap.Uint64("merchant", shares.Merchant),
		zap.Bool("attributed", shares.Attributed),
		zap.String("settlement", record.SettlementSignature))
	return nil
}

// lookupAffiliate resolves a marker code to an active affiliate of this
// merchant. A missing or foreign code attributes nothing; it is not an
// error.
func (a *Agent) lookupAffiliate(ctx context.Context, code string) (*registry.Affiliate, error) {
	if code == "" {
		return nil, nil
	}
	aff, err := a.deps.Registry.GetAffiliateByReferralCode(ctx, code)
	if errors.Is(err, registry.ErrAffiliateNotFound) {
		a.log.Info("marker with no affiliate record", zap.String("code", code))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup affiliate: %w", err)
	}
	if aff.MerchantID != a.merchantID {
		a.log.Info("marker belongs to another merchant", zap.String("code", code))
		return nil, nil
	}
	return aff, nil
}

// issueAuthorization creates the self-issued payment authorization for one
// inbound transfer. The nonce is derived from the transfer signature, so
// creating it doubles as the processed-set check.
func (a *Agent) issueAuthorization(ctx context.Context, splitID string, amount uint64) (*proof.Proof, error) {
	now := time.Now()
	rec := noncestore.Record{
		Nonce:      "split:" + splitID,
		ClientKey:  a.keypair.PublicKey().String(),
		Amount:     amount,
		Recipient:  a.merchantWallet,
		ResourceID: splitID,
		Timestamp:  now.UnixMilli(),
		Expiry:     now.Add(5 * time.Minute).UnixMilli(),
		Status:     noncestore.StatusPending,
	}
	if err := a.deps.Nonces.Create(ctx, rec); err != nil {
		return nil, err
	}
	return proof.Sign(proof.Authorization{
		Amount:     rec.Amount,
		Expiry:     rec.Expiry,
		Nonce:      rec.Nonce,
		Recipient:  rec.Recipient,
		ResourceID: rec.ResourceID,
		Timestamp:  rec.Timestamp,
	}, a.keypair)
}
