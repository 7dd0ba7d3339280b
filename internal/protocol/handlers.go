package protocol

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/proof"
)

// Handler wires the facilitator routes onto a Gin engine.
type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts all protocol routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Two-phase protocol ─────────────────────────────────────────────────
	rg.POST("/verify", h.handleVerify)
	rg.POST("/settle", h.handleSettle)

	// ── Nonce lifecycle ────────────────────────────────────────────────────
	rg.POST("/nonce", h.handleIssueNonce)
	rg.GET("/nonce/:nonce", h.handleGetNonce)

	// ── Operations ─────────────────────────────────────────────────────────
	rg.GET("/stats", h.handleStats)
	rg.POST("/cleanup", h.handleCleanup)
}

// ── Verify ──────────────────────────────────────────────────────────────────

type verifyResponse struct {
	Valid      bool   `json:"valid"`
	Nonce      string `json:"nonce"`
	Payer      string `json:"payer"`
	Amount     uint64 `json:"amount"`
	Recipient  string `json:"recipient"`
	ResourceID string `json:"resource_id,omitempty"`
}

func (h *Handler) handleVerify(c *gin.Context) {
	var p proof.Proof
	if err := c.ShouldBindJSON(&p); err != nil {
		Fail(c, apiError(http.StatusBadRequest, CodeMissingFields, "malformed proof body: "+err.Error()))
		return
	}

	rec, err := h.svc.Verify(c.Request.Context(), &p)
	verifyTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		Fail(c, err)
		return
	}

	OK(c, http.StatusOK, verifyResponse{
		Valid:      true,
		Nonce:      rec.Nonce,
		Payer:      rec.ClientKey,
		Amount:     rec.Amount,
		Recipient:  rec.Recipient,
		ResourceID: rec.ResourceID,
	})
}

// ── Settle ──────────────────────────────────────────────────────────────────

type settleResponse struct {
	Settled   bool   `json:"settled"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

func (h *Handler) handleSettle(c *gin.Context) {
	var p proof.Proof
	if err := c.ShouldBindJSON(&p); err != nil {
		Fail(c, apiError(http.StatusBadRequest, CodeMissingFields, "malformed proof body: "+err.Error()))
		return
	}

	sig, err := h.svc.Settle(c.Request.Context(), &p)
	if err != nil {
		Fail(c, err)
		return
	}

	OK(c, http.StatusOK, settleResponse{
		Settled:   true,
		Nonce:     p.Authorization.Nonce,
		Signature: sig.String(),
	})
}

// ── Nonce endpoints ─────────────────────────────────────────────────────────

func (h *Handler) handleIssueNonce(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, apiError(http.StatusBadRequest, CodeMissingFields, "malformed request body: "+err.Error()))
		return
	}

	rec, err := h.svc.IssueNonce(c.Request.Context(), req)
	if err != nil {
		Fail(c, err)
		return
	}
	OK(c, http.StatusCreated, rec)
}

func (h *Handler) handleGetNonce(c *gin.Context) {
	rec, err := h.svc.GetNonce(c.Request.Context(), c.Param("nonce"))
	if err != nil {
		Fail(c, err)
		return
	}
	OK(c, http.StatusOK, rec)
}

// ── Operations ──────────────────────────────────────────────────────────────

func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	OK(c, http.StatusOK, stats)
}

func (h *Handler) handleCleanup(c *gin.Context) {
	removed, err := h.svc.Cleanup(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	OK(c, http.StatusOK, gin.H{"removed": removed})
}
