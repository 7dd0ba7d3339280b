// Package agentapi is the management and agent-facing HTTP surface around
// the settlement core: merchant onboarding and cancellation, affiliate
// registration, split instructions for external agents, and the vault
// routes. Everything here is glue over the registry, vault and protocol
// services; no money math lives in this package.
package agentapi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/agent"
	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/protocol"
	"github.com/tributarylabs/split-settlement/internal/registry"
	"github.com/tributarylabs/split-settlement/internal/split"
	"github.com/tributarylabs/split-settlement/internal/vault"
)

// Error codes used only by this surface.
const (
	codeMerchantCancelled = "MERCHANT_CANCELLED"
	codeAffiliateExists   = "AFFILIATE_EXISTS"
	codeAffiliateNotFound = "AFFILIATE_NOT_FOUND"
	codeInvalidFeeRate    = "INVALID_FEE_RATE"
	codeDepositTooSmall   = "DEPOSIT_TOO_SMALL"
	codeOrderTooSmall     = "ORDER_TOO_SMALL"
	codeNoDeposit         = "NO_DEPOSIT"
	codeKindMismatch      = "KIND_MISMATCH"
)

// Deps wires the glue handlers to the rest of the system.
type Deps struct {
	Protocol       *protocol.Service
	Registry       *registry.Store
	Vault          *vault.Service
	Supervisor     *agent.Supervisor
	Gateway        ledger.Gateway
	Signer         solana.PrivateKey
	PlatformWallet string
	PlatformRate   string
	AffiliateRate  string
	OnboardingFee  uint64
	Log            *zap.Logger
}

type Handler struct {
	deps Deps
	log  *zap.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, log: deps.Log}
}

// Register mounts the glue routes. Onboarding sits behind the payment gate;
// a merchant record only ever exists because its onboarding fee settled.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Merchants ──────────────────────────────────────────────────────────
	rg.POST("/merchants", protocol.PaymentRequired(h.deps.Protocol), h.handleOnboard)
	rg.GET("/merchants/:id", h.handleGetMerchant)
	rg.DELETE("/merchants/:id", h.handleCancelMerchant)
	rg.GET("/merchants/:id/splits", h.handleListSplits)

	// ── Affiliates ─────────────────────────────────────────────────────────
	rg.POST("/affiliates", h.handleCreateAffiliate)
	rg.GET("/affiliates/:code", h.handleGetAffiliate)

	// ── Agent endpoints ────────────────────────────────────────────────────
	rg.POST("/agent/get-split-instructions", h.handleSplitInstructions)
	rg.POST("/agent/confirm-split", h.handleConfirmSplit)

	// ── Vault ──────────────────────────────────────────────────────────────
	rg.POST("/vault/deposit", h.handleVaultDeposit)
	rg.POST("/vault/record-order", h.handleVaultOrder)
	rg.GET("/vault/:merchantId", h.handleVaultStatus)
	rg.POST("/vault/withdraw", h.handleVaultWithdraw)
}

// ── Merchants ───────────────────────────────────────────────────────────────

type merchantResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Wallet            string    `json:"wallet"`
	AgentWallet       string    `json:"agent_wallet"`
	CollectionAccount string    `json:"collection_account"`
	PlatformFeeRate   string    `json:"platform_fee_rate"`
	AffiliateFeeRate  string    `json:"affiliate_fee_rate"`
	Status            string    `json:"status"`
	Monitoring        bool      `json:"monitoring"`
	CreatedAt         time.Time `json:"created_at"`
}

func (h *Handler) merchantView(m *registry.Merchant) merchantResponse {
	return merchantResponse{
		ID:                m.ID.String(),
		Name:              m.Name,
		Wallet:            m.Wallet,
		AgentWallet:       m.AgentWallet,
		CollectionAccount: m.CollectionAccount,
		PlatformFeeRate:   m.PlatformFeeRate,
		AffiliateFeeRate:  m.AffiliateFeeRate,
		Status:            m.Status,
		Monitoring:        h.deps.Supervisor.Monitoring(m.ID),
		CreatedAt:         m.CreatedAt,
	}
}

type onboardRequest struct {
	Name             string `json:"name"`
	Wallet           string `json:"wallet"`
	PlatformFeeRate  string `json:"platform_fee_rate"`
	AffiliateFeeRate string `json:"affiliate_fee_rate"`
}

type onboardResponse struct {
	Merchant            merchantResponse `json:"merchant"`
	SettlementSignature string           `json:"settlement_signature"`
}

func (h *Handler) handleOnboard(c *gin.Context) {
	p, ok := protocol.ProofFrom(c)
	if !ok {
		protocol.Fail(c, protocol.NewError(http.StatusPaymentRequired, protocol.CodePaymentRequired,
			"no verified payment in request context"))
		return
	}

	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	if req.Name == "" || req.Wallet == "" {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"name and wallet are required"))
		return
	}
	if _, err := solana.PublicKeyFromBase58(req.Wallet); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeInvalidPublicKey,
			"wallet is not a valid public key"))
		return
	}
	if req.PlatformFeeRate == "" {
		req.PlatformFeeRate = h.deps.PlatformRate
	}
	if req.AffiliateFeeRate == "" {
		req.AffiliateFeeRate = h.deps.AffiliateRate
	}

	// Everything that can reject must reject before the fee settles.
	platformRate, err := split.ParseRate(req.PlatformFeeRate)
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, codeInvalidFeeRate, err.Error()))
		return
	}
	affiliateRate, err := split.ParseRate(req.AffiliateFeeRate)
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, codeInvalidFeeRate, err.Error()))
		return
	}
	if new(big.Rat).Add(platformRate, affiliateRate).Cmp(big.NewRat(1, 1)) >= 0 {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, codeInvalidFeeRate,
			"fee rates must sum below 1"))
		return
	}
	if p.Authorization.Recipient != h.deps.PlatformWallet {
		protocol.Fail(c, protocol.NewError(http.StatusPaymentRequired, protocol.CodePaymentMismatch,
			"onboarding payment must name the platform wallet"))
		return
	}
	if p.Authorization.Amount < h.deps.OnboardingFee {
		protocol.Fail(c, protocol.NewError(http.StatusPaymentRequired, protocol.CodePaymentMismatch,
			fmt.Sprintf("onboarding fee is %d", h.deps.OnboardingFee)))
		return
	}

	keypair, err := solana.NewRandomPrivateKey()
	if err != nil {
		protocol.Fail(c, err)
		return
	}

	ctx := c.Request.Context()
	sig, err := h.deps.Protocol.Settle(ctx, p)
	if err != nil {
		protocol.Fail(c, err)
		return
	}

	m := &registry.Merchant{
		Name:              req.Name,
		Wallet:            req.Wallet,
		AgentWallet:       keypair.PublicKey().String(),
		AgentSecret:       keypair.String(),
		CollectionAccount: keypair.PublicKey().String(),
		PlatformFeeRate:   req.PlatformFeeRate,
		AffiliateFeeRate:  req.AffiliateFeeRate,
	}
	if err := h.deps.Registry.CreateMerchant(ctx, m); err != nil {
		h.log.Error("merchant not persisted after onboarding payment",
			zap.String("settlement", sig.String()),
			zap.Error(err))
		protocol.Fail(c, protocol.NewError(http.StatusInternalServerError, protocol.CodeInternal,
			"onboarding payment settled but merchant creation failed; contact support"))
		return
	}

	// The agent outlives this request; its loop is stopped by the
	// supervisor, never by the request context.
	if err := h.deps.Supervisor.Add(context.Background(), m); err != nil {
		h.log.Error("agent not started for new merchant",
			zap.String("merchant_id", m.ID.String()),
			zap.Error(err))
	}

	protocol.OK(c, http.StatusCreated, onboardResponse{
		Merchant:            h.merchantView(m),
		SettlementSignature: sig.String(),
	})
}

func (h *Handler) handleGetMerchant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	m, err := h.deps.Registry.GetMerchant(c.Request.Context(), id)
	if errors.Is(err, registry.ErrMerchantNotFound) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	protocol.OK(c, http.StatusOK, h.merchantView(m))
}

type cancelResponse struct {
	MerchantID      string `json:"merchant_id"`
	Status          string `json:"status"`
	RefundSignature string `json:"refund_signature,omitempty"`
}

// handleCancelMerchant retires a merchant: the agent stops, the registry
// record flips to cancelled, and the onboarding fee is refunded. Cancelling
// an already cancelled merchant repeats nothing, in particular not the
// refund.
func (h *Handler) handleCancelMerchant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	ctx := c.Request.Context()
	m, err := h.deps.Registry.GetMerchant(ctx, id)
	if errors.Is(err, registry.ErrMerchantNotFound) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	if m.Status == registry.MerchantStatusCancelled {
		protocol.OK(c, http.StatusOK, cancelResponse{MerchantID: id.String(), Status: m.Status})
		return
	}

	h.deps.Supervisor.Remove(id)
	if err := h.deps.Registry.CancelMerchant(ctx, id); err != nil {
		protocol.Fail(c, err)
		return
	}

	resp := cancelResponse{MerchantID: id.String(), Status: registry.MerchantStatusCancelled}
	if wallet, werr := solana.PublicKeyFromBase58(m.Wallet); werr == nil && h.deps.OnboardingFee > 0 {
		sig, rerr := h.deps.Gateway.SubmitTransfer(ctx, h.deps.Signer, wallet, h.deps.OnboardingFee, "refund:"+id.String())
		if rerr != nil {
			// Cancellation sticks either way; a missed refund is settled by
			// hand, a doubled one cannot be clawed back.
			h.log.Error("onboarding refund failed",
				zap.String("merchant_id", id.String()),
				zap.Error(rerr))
		} else {
			resp.RefundSignature = sig.String()
		}
	}
	protocol.OK(c, http.StatusOK, resp)
}

type splitRecordResponse struct {
	ID                  string    `json:"id"`
	MerchantID          string    `json:"merchant_id"`
	AffiliateID         *string   `json:"affiliate_id"`
	Buyer               string    `json:"buyer,omitempty"`
	TotalAmount         uint64    `json:"total_amount"`
	PlatformAmount      uint64    `json:"platform_amount"`
	AffiliateAmount     uint64    `json:"affiliate_amount"`
	MerchantAmount      uint64    `json:"merchant_amount"`
	ReferralCode        string    `json:"referral_code,omitempty"`
	SettlementSignature string    `json:"settlement_signature,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

func splitRecordView(ps *registry.PaymentSplit) splitRecordResponse {
	out := splitRecordResponse{
		ID:                  ps.ID,
		MerchantID:          ps.MerchantID.String(),
		Buyer:               ps.Buyer,
		TotalAmount:         ps.TotalAmount,
		PlatformAmount:      ps.PlatformAmount,
		AffiliateAmount:     ps.AffiliateAmount,
		MerchantAmount:      ps.MerchantAmount,
		ReferralCode:        ps.ReferralCode,
		SettlementSignature: ps.SettlementSignature,
		Status:              ps.Status,
		CreatedAt:           ps.CreatedAt,
	}
	if ps.AffiliateID != nil {
		s := ps.AffiliateID.String()
		out.AffiliateID = &s
	}
	return out
}

func (h *Handler) handleListSplits(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	splits, err := h.deps.Registry.ListPaymentSplits(c.Request.Context(), id, limit)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	out := make([]splitRecordResponse, 0, len(splits))
	for i := range splits {
		out = append(out, splitRecordView(&splits[i]))
	}
	protocol.OK(c, http.StatusOK, gin.H{"merchant_id": id.String(), "splits": out})
}

// ── Affiliates ──────────────────────────────────────────────────────────────

type affiliateResponse struct {
	ID             string `json:"id"`
	MerchantID     string `json:"merchant_id"`
	Wallet         string `json:"wallet"`
	ReferralCode   string `json:"referral_code"`
	TotalEarned    uint64 `json:"total_earned"`
	TotalReferrals uint64 `json:"total_referrals"`
	Status         string `json:"status"`
}

func affiliateView(a *registry.Affiliate) affiliateResponse {
	return affiliateResponse{
		ID:             a.ID.String(),
		MerchantID:     a.MerchantID.String(),
		Wallet:         a.Wallet,
		ReferralCode:   a.ReferralCode,
		TotalEarned:    a.TotalEarned,
		TotalReferrals: a.TotalReferrals,
		Status:         a.Status,
	}
}

type createAffiliateRequest struct {
	MerchantID string `json:"merchant_id"`
	Wallet     string `json:"wallet"`
}

func (h *Handler) handleCreateAffiliate(c *gin.Context) {
	var req createAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil || req.Wallet == "" {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"merchant_id and wallet are required"))
		return
	}

	a, err := h.deps.Registry.CreateAffiliate(c.Request.Context(), merchantID, req.Wallet)
	switch {
	case errors.Is(err, registry.ErrMerchantNotFound):
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
	case errors.Is(err, registry.ErrMerchantCancelled):
		protocol.Fail(c, protocol.NewError(http.StatusConflict, codeMerchantCancelled,
			"merchant is cancelled"))
	case errors.Is(err, registry.ErrAffiliateExists):
		protocol.Fail(c, protocol.NewError(http.StatusConflict, codeAffiliateExists,
			"wallet is already an affiliate of this merchant"))
	case err != nil:
		protocol.Fail(c, err)
	default:
		protocol.OK(c, http.StatusCreated, affiliateView(a))
	}
}

func (h *Handler) handleGetAffiliate(c *gin.Context) {
	a, err := h.deps.Registry.GetAffiliateByReferralCode(c.Request.Context(), c.Param("code"))
	if errors.Is(err, registry.ErrAffiliateNotFound) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, codeAffiliateNotFound,
			"unknown referral code"))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	protocol.OK(c, http.StatusOK, affiliateView(a))
}

// ── Agent endpoints ─────────────────────────────────────────────────────────

type splitInstructionsRequest struct {
	MerchantID   string `json:"merchant_id"`
	Amount       uint64 `json:"amount"`
	ReferralCode string `json:"referral_code"`
}

type instructionRecipient struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type splitInstructionsResponse struct {
	MerchantID      string                 `json:"merchant_id"`
	TotalAmount     uint64                 `json:"total_amount"`
	PlatformAmount  uint64                 `json:"platform_amount"`
	AffiliateAmount uint64                 `json:"affiliate_amount"`
	MerchantAmount  uint64                 `json:"merchant_amount"`
	Attributed      bool                   `json:"attributed"`
	AffiliateID     string                 `json:"affiliate_id,omitempty"`
	Recipients      []instructionRecipient `json:"recipients"`
}

// handleSplitInstructions computes the payout legs for an observed inbound
// amount. The same attribution rules apply as in the monitoring agent: an
// unknown or foreign referral code attributes nothing and the affiliate
// share folds into the merchant leg.
func (h *Handler) handleSplitInstructions(c *gin.Context) {
	var req splitInstructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil || req.Amount == 0 {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"merchant_id and a positive amount are required"))
		return
	}

	ctx := c.Request.Context()
	m, err := h.deps.Registry.GetMerchant(ctx, merchantID)
	if errors.Is(err, registry.ErrMerchantNotFound) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	if m.Status != registry.MerchantStatusActive {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"merchant is cancelled"))
		return
	}

	affiliate, err := h.resolveAffiliate(ctx, merchantID, agent.ExtractReferralCode(req.ReferralCode))
	if err != nil {
		protocol.Fail(c, err)
		return
	}

	platformRate, err := split.ParseRate(m.PlatformFeeRate)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	affiliateRate, err := split.ParseRate(m.AffiliateFeeRate)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	shares, err := split.Compute(req.Amount, platformRate, affiliateRate, affiliate != nil)
	if err != nil {
		protocol.Fail(c, err)
		return
	}

	resp := splitInstructionsResponse{
		MerchantID:      merchantID.String(),
		TotalAmount:     shares.Total,
		PlatformAmount:  shares.Platform,
		AffiliateAmount: shares.Affiliate,
		MerchantAmount:  shares.Merchant,
		Attributed:      shares.Attributed,
	}
	if shares.Platform > 0 {
		resp.Recipients = append(resp.Recipients, instructionRecipient{
			Role: "platform", Address: h.deps.PlatformWallet, Amount: shares.Platform})
	}
	if affiliate != nil && shares.Affiliate > 0 {
		resp.AffiliateID = affiliate.ID.String()
		resp.Recipients = append(resp.Recipients, instructionRecipient{
			Role: "affiliate", Address: affiliate.Wallet, Amount: shares.Affiliate})
	}
	if shares.Merchant > 0 {
		resp.Recipients = append(resp.Recipients, instructionRecipient{
			Role: "merchant", Address: m.Wallet, Amount: shares.Merchant})
	}
	protocol.OK(c, http.StatusOK, resp)
}

type confirmSplitRequest struct {
	SplitID             string `json:"split_id"`
	MerchantID          string `json:"merchant_id"`
	Buyer               string `json:"buyer"`
	TotalAmount         uint64 `json:"total_amount"`
	PlatformAmount      uint64 `json:"platform_amount"`
	AffiliateAmount     uint64 `json:"affiliate_amount"`
	MerchantAmount      uint64 `json:"merchant_amount"`
	ReferralCode        string `json:"referral_code"`
	SettlementSignature string `json:"settlement_signature"`
	Status              string `json:"status"`
}

type confirmSplitResponse struct {
	SplitID  string `json:"split_id"`
	Status   string `json:"status"`
	Recorded bool   `json:"recorded"`
}

// handleConfirmSplit records a payout an external agent performed itself.
// The record is append-only and keyed by the inbound signature, so replayed
// confirmations change nothing and credit no second commission.
func (h *Handler) handleConfirmSplit(c *gin.Context) {
	var req confirmSplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if req.SplitID == "" || err != nil || req.TotalAmount == 0 {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"split_id, merchant_id and a positive total_amount are required"))
		return
	}
	status := req.Status
	if status == "" {
		status = registry.SplitStatusCompleted
	}
	if status != registry.SplitStatusCompleted && status != registry.SplitStatusFailed {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"status must be completed or failed"))
		return
	}
	if req.PlatformAmount+req.AffiliateAmount+req.MerchantAmount != req.TotalAmount {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodePaymentMismatch,
			"amounts do not sum to total_amount"))
		return
	}

	ctx := c.Request.Context()
	if _, err := h.deps.Registry.GetMerchant(ctx, merchantID); err != nil {
		if errors.Is(err, registry.ErrMerchantNotFound) {
			protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
				"unknown merchant"))
			return
		}
		protocol.Fail(c, err)
		return
	}

	code := agent.ExtractReferralCode(req.ReferralCode)
	affiliate, err := h.resolveAffiliate(ctx, merchantID, code)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	if affiliate == nil && req.AffiliateAmount > 0 {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodePaymentMismatch,
			"affiliate amount reported without a matching affiliate"))
		return
	}

	record := &registry.PaymentSplit{
		ID:                  req.SplitID,
		MerchantID:          merchantID,
		Buyer:               req.Buyer,
		TotalAmount:         req.TotalAmount,
		PlatformAmount:      req.PlatformAmount,
		AffiliateAmount:     req.AffiliateAmount,
		MerchantAmount:      req.MerchantAmount,
		ReferralCode:        code,
		SettlementSignature: req.SettlementSignature,
		Status:              status,
	}
	if affiliate != nil {
		record.AffiliateID = &affiliate.ID
	}

	inserted, err := h.deps.Registry.StorePaymentSplit(ctx, record)
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	if inserted && status == registry.SplitStatusCompleted && affiliate != nil && req.AffiliateAmount > 0 {
		if err := h.deps.Registry.UpdateAffiliateEarnings(ctx, affiliate.ID, req.AffiliateAmount); err != nil {
			h.log.Error("affiliate earnings not updated",
				zap.String("affiliate_id", affiliate.ID.String()),
				zap.Error(err))
		}
	}
	protocol.OK(c, http.StatusOK, confirmSplitResponse{
		SplitID:  req.SplitID,
		Status:   status,
		Recorded: inserted,
	})
}

// resolveAffiliate maps a normalized referral code to an active affiliate of
// the merchant. Unknown and foreign codes resolve to nil, not an error.
func (h *Handler) resolveAffiliate(ctx context.Context, merchantID uuid.UUID, code string) (*registry.Affiliate, error) {
	if code == "" {
		return nil, nil
	}
	a, err := h.deps.Registry.GetAffiliateByReferralCode(ctx, code)
	if errors.Is(err, registry.ErrAffiliateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.MerchantID != merchantID {
		return nil, nil
	}
	return a, nil
}

// ── Vault ───────────────────────────────────────────────────────────────────

type vaultDepositRequest struct {
	MerchantID string `json:"merchant_id"`
	Kind       string `json:"kind"`
	Amount     uint64 `json:"amount"`
}

func (h *Handler) handleVaultDeposit(c *gin.Context) {
	var req vaultDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"merchant_id is required"))
		return
	}
	if req.Kind == "" {
		req.Kind = vault.KindSOL
	}

	ctx := c.Request.Context()
	m, err := h.deps.Registry.GetMerchant(ctx, merchantID)
	if errors.Is(err, registry.ErrMerchantNotFound) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound,
			"unknown merchant"))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	if m.Status != registry.MerchantStatusActive {
		protocol.Fail(c, protocol.NewError(http.StatusConflict, codeMerchantCancelled,
			"merchant is cancelled"))
		return
	}

	dep, err := h.deps.Vault.Deposit(ctx, merchantID, req.Kind, req.Amount)
	switch {
	case errors.Is(err, vault.ErrDepositTooSmall):
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, codeDepositTooSmall, err.Error()))
	case errors.Is(err, vault.ErrKindMismatch):
		protocol.Fail(c, protocol.NewError(http.StatusConflict, codeKindMismatch, err.Error()))
	case err != nil:
		protocol.Fail(c, err)
	default:
		protocol.OK(c, http.StatusOK, dep)
	}
}

type vaultOrderRequest struct {
	MerchantID string `json:"merchant_id"`
	OrderUSD   uint64 `json:"order_usd"`
}

func (h *Handler) handleVaultOrder(c *gin.Context) {
	var req vaultOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"merchant_id is required"))
		return
	}

	dep, err := h.deps.Vault.RecordOrder(c.Request.Context(), merchantID, req.OrderUSD)
	switch {
	case errors.Is(err, vault.ErrOrderTooSmall):
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, codeOrderTooSmall, err.Error()))
	case errors.Is(err, vault.ErrNoDeposit):
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, codeNoDeposit, err.Error()))
	case err != nil:
		protocol.Fail(c, err)
	default:
		protocol.OK(c, http.StatusOK, dep)
	}
}

func (h *Handler) handleVaultStatus(c *gin.Context) {
	merchantID, err := uuid.Parse(c.Param("merchantId"))
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, codeNoDeposit,
			"no active deposit for that merchant"))
		return
	}
	st, err := h.deps.Vault.Status(c.Request.Context(), merchantID)
	if errors.Is(err, vault.ErrNoDeposit) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, codeNoDeposit, err.Error()))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}
	protocol.OK(c, http.StatusOK, st)
}

type vaultWithdrawRequest struct {
	MerchantID string `json:"merchant_id"`
}

type vaultWithdrawResponse struct {
	Deposit         uint64 `json:"deposit"`
	Rewards         uint64 `json:"rewards"`
	Total           uint64 `json:"total"`
	PayoutSignature string `json:"payout_signature,omitempty"`
}

// handleVaultWithdraw closes the position and pays the entitlement out to
// the merchant wallet. A failed payout does not reopen the position; the
// owed total is in the response and the audit log either way.
func (h *Handler) handleVaultWithdraw(c *gin.Context) {
	var req vaultWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"malformed request body: "+err.Error()))
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil {
		protocol.Fail(c, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingFields,
			"merchant_id is required"))
		return
	}

	ctx := c.Request.Context()
	w, err := h.deps.Vault.Withdraw(ctx, merchantID)
	if errors.Is(err, vault.ErrNoDeposit) {
		protocol.Fail(c, protocol.NewError(http.StatusNotFound, codeNoDeposit, err.Error()))
		return
	}
	if err != nil {
		protocol.Fail(c, err)
		return
	}

	resp := vaultWithdrawResponse{Deposit: w.Deposit, Rewards: w.Rewards, Total: w.Total}
	m, merr := h.deps.Registry.GetMerchant(ctx, merchantID)
	if merr == nil {
		if wallet, werr := solana.PublicKeyFromBase58(m.Wallet); werr == nil {
			sig, perr := h.deps.Gateway.SubmitTransfer(ctx, h.deps.Signer, wallet, w.Total, "vault:"+merchantID.String())
			if perr != nil {
				h.log.Error("vault payout failed",
					zap.String("merchant_id", merchantID.String()),
					zap.Uint64("total", w.Total),
					zap.Error(perr))
			} else {
				resp.PayoutSignature = sig.String()
			}
		}
	} else {
		h.log.Error("vault payout skipped, merchant lookup failed",
			zap.String("merchant_id", merchantID.String()),
			zap.Error(merr))
	}
	protocol.OK(c, http.StatusOK, resp)
}
