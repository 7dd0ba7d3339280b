package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/noncestore"
	"github.com/tributarylabs/split-settlement/internal/proof"
)

// Service implements the two-phase payment protocol: verify checks a proof
// without side effects, settle executes it on the ledger exactly once.
type Service struct {
	nonces    *noncestore.Store
	gateway   ledger.Gateway
	signer    solana.PrivateKey
	nonceTTL  time.Duration
	retention time.Duration
	log       *zap.Logger
}

func NewService(nonces *noncestore.Store, gateway ledger.Gateway, signer solana.PrivateKey, nonceTTL, retention time.Duration, log *zap.Logger) *Service {
	return &Service{
		nonces:    nonces,
		gateway:   gateway,
		signer:    signer,
		nonceTTL:  nonceTTL,
		retention: retention,
		log:       log,
	}
}

// Verify runs every protocol check against a proof and returns the matching
// nonce record. It never mutates anything; calling it any number of times
// yields the same verdict.
//
// Check order: nonce exists, not used, not expired, signature, binding.
func (s *Service) Verify(ctx context.Context, p *proof.Proof) (*noncestore.Record, error) {
	nonce := p.Authorization.Nonce
	if nonce == "" {
		return nil, apiError(http.StatusBadRequest, CodeInvalidNonce, "proof carries no nonce")
	}

	rec, err := s.nonces.Get(ctx, nonce)
	if errors.Is(err, noncestore.ErrNotFound) {
		return nil, apiError(http.StatusBadRequest, CodeInvalidNonce, "unknown nonce")
	}
	if err != nil {
		return nil, err
	}

	if rec.Status == noncestore.StatusUsed {
		return nil, apiError(http.StatusConflict, CodeNonceAlreadyUsed, "nonce has already been settled")
	}
	if rec.Expired(time.Now()) {
		return nil, apiError(http.StatusGone, CodeNonceExpired, "nonce expired before settlement")
	}

	if err := proof.Verify(p); err != nil {
		return nil, apiError(http.StatusUnauthorized, CodeSignatureInvalid, err.Error())
	}
	if p.Authorization.Payer != rec.ClientKey {
		return nil, apiError(http.StatusUnauthorized, CodeSignatureInvalid,
			"proof signed by a different key than the nonce was issued to")
	}

	if p.Authorization.Amount != rec.Amount {
		return nil, apiError(http.StatusBadRequest, CodePaymentMismatch,
			fmt.Sprintf("amount %d does not match authorized %d", p.Authorization.Amount, rec.Amount))
	}
	if p.Authorization.Recipient != rec.Recipient {
		return nil, apiError(http.StatusBadRequest, CodePaymentMismatch,
			"recipient does not match the authorized recipient")
	}

	return rec, nil
}

// Settle re-verifies the proof, claims its nonce and submits the transfer.
// The claim is the only concurrency guard: of two racing settles exactly one
// reaches the ledger, the other fails with NONCE_ALREADY_USED.
func (s *Service) Settle(ctx context.Context, p *proof.Proof) (solana.Signature, error) {
	timer := time.Now()
	sig, err := s.settle(ctx, p)
	settleTotal.WithLabelValues(resultLabel(err)).Inc()
	settleDuration.Observe(time.Since(timer).Seconds())
	return sig, err
}

func (s *Service) settle(ctx context.Context, p *proof.Proof) (solana.Signature, error) {
	rec, err := s.Verify(ctx, p)
	if err != nil {
		return solana.Signature{}, err
	}

	recipient, err := solana.PublicKeyFromBase58(rec.Recipient)
	if err != nil {
		return solana.Signature{}, apiError(http.StatusBadRequest, CodeInvalidRecipient,
			"authorized recipient is not a valid public key")
	}

	nonce := rec.Nonce
	switch err := s.nonces.MarkUsed(ctx, nonce, ""); {
	case errors.Is(err, noncestore.ErrAlreadyUsed):
		return solana.Signature{}, apiError(http.StatusConflict, CodeNonceAlreadyUsed,
			"a concurrent settle won this nonce")
	case errors.Is(err, noncestore.ErrNotFound):
		return solana.Signature{}, apiError(http.StatusBadRequest, CodeInvalidNonce, "unknown nonce")
	case err != nil:
		return solana.Signature{}, err
	}

	sig, err := s.gateway.SubmitTransfer(ctx, s.signer, recipient, rec.Amount, rec.ResourceID)
	if err != nil {
		if errors.Is(err, ledger.ErrOutcomeUnknown) {
			// The transfer may still land. Burning the nonce is the safe
			// side; the signature is surfaced for reconciliation.
			s.log.Error("settlement outcome unknown",
				zap.String("nonce", nonce),
				zap.String("signature", sig.String()),
				zap.Error(err))
			return sig, apiError(http.StatusBadGateway, CodeSubmitFailed,
				fmt.Sprintf("confirmation timed out; outcome unknown, signature %s", sig))
		}
		// Nothing (durably) reached the ledger: hand the nonce back so the
		// caller can retry until expiry.
		if relErr := s.nonces.Release(ctx, nonce); relErr != nil {
			s.log.Error("nonce release failed", zap.String("nonce", nonce), zap.Error(relErr))
		}
		return solana.Signature{}, apiError(http.StatusBadGateway, CodeSubmitFailed, err.Error())
	}

	if err := s.nonces.RecordSettlement(ctx, nonce, sig.String()); err != nil {
		s.log.Error("settlement signature not recorded",
			zap.String("nonce", nonce),
			zap.String("signature", sig.String()),
			zap.Error(err))
	}

	s.log.Info("payment settled",
		zap.String("nonce", nonce),
		zap.String("recipient", rec.Recipient),
		zap.Uint64("amount", rec.Amount),
		zap.String("signature", sig.String()))
	return sig, nil
}

// IssueRequest describes a payable request; the issuance endpoint turns it
// into a pending nonce record the client can sign against.
type IssueRequest struct {
	ClientKey  string `json:"client_key"`
	Amount     uint64 `json:"amount"`
	Recipient  string `json:"recipient"`
	ResourceID string `json:"resource_id"`
}

// IssueNonce creates a fresh pending nonce bound to the request.
func (s *Service) IssueNonce(ctx context.Context, req IssueRequest) (*noncestore.Record, error) {
	if req.Amount == 0 {
		return nil, apiError(http.StatusBadRequest, CodeMissingFields, "amount must be positive")
	}
	if _, err := solana.PublicKeyFromBase58(req.ClientKey); err != nil {
		return nil, apiError(http.StatusBadRequest, CodeInvalidPublicKey, "client_key is not a valid public key")
	}
	if _, err := solana.PublicKeyFromBase58(req.Recipient); err != nil {
		return nil, apiError(http.StatusBadRequest, CodeInvalidRecipient, "recipient is not a valid public key")
	}

	now := time.Now()
	rec := noncestore.Record{
		Nonce:      uuid.NewString(),
		ClientKey:  req.ClientKey,
		Amount:     req.Amount,
		Recipient:  req.Recipient,
		ResourceID: req.ResourceID,
		Timestamp:  now.UnixMilli(),
		Expiry:     now.Add(s.nonceTTL).UnixMilli(),
		Status:     noncestore.StatusPending,
	}
	if err := s.nonces.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetNonce looks up a record for the inspection endpoint.
func (s *Service) GetNonce(ctx context.Context, nonce string) (*noncestore.Record, error) {
	rec, err := s.nonces.Get(ctx, nonce)
	if errors.Is(err, noncestore.ErrNotFound) {
		return nil, apiError(http.StatusNotFound, CodeNonceNotFound, "no record for nonce")
	}
	return rec, err
}

// Stats reports ledger counters.
func (s *Service) Stats(ctx context.Context) (*noncestore.Stats, error) {
	return s.nonces.Stats(ctx)
}

// Cleanup removes records past expiry plus the retention window.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.nonces.CleanupExpired(ctx, s.retention)
}

// ConsumeNonce claims a verified proof's nonce on behalf of a gated
// endpoint. Exactly one caller can consume a given nonce.
func (s *Service) ConsumeNonce(ctx context.Context, nonce string) error {
	switch err := s.nonces.MarkUsed(ctx, nonce, ""); {
	case errors.Is(err, noncestore.ErrAlreadyUsed):
		return apiError(http.StatusConflict, CodeNonceAlreadyUsed, "authorization already consumed")
	case errors.Is(err, noncestore.ErrNotFound):
		return apiError(http.StatusBadRequest, CodeInvalidNonce, "unknown nonce")
	default:
		return err
	}
}

// FinalizeNonce records the settlement signature on a consumed nonce.
func (s *Service) FinalizeNonce(ctx context.Context, nonce, sig string) {
	if err := s.nonces.RecordSettlement(ctx, nonce, sig); err != nil {
		s.log.Error("settlement signature not recorded", zap.String("nonce", nonce), zap.Error(err))
	}
}
