// Package executor turns a computed split into one atomic ledger
// transaction: a transfer instruction per recipient, signed by the
// merchant's agent keypair, all-or-nothing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/proof"
	"github.com/tributarylabs/split-settlement/internal/protocol"
	"github.com/tributarylabs/split-settlement/internal/registry"
)

// Recipient is one leg of a split payout. Role labels the leg for audit
// output; the money math does not depend on it.
type Recipient struct {
	Role    string `json:"role,omitempty"`
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// Request describes a split to execute. SplitID is the inbound transfer
// signature and doubles as the settlement memo.
type Request struct {
	SplitID    string      `json:"split_id"`
	Recipients []Recipient `json:"recipients"`
}

// Result reports the settled batch.
type Result struct {
	SplitID   string `json:"split_id"`
	Signature string `json:"signature"`
	Total     uint64 `json:"total"`
}

// Authorizer claims and finalizes payment authorizations. Satisfied by
// protocol.Service.
type Authorizer interface {
	ConsumeNonce(ctx context.Context, nonce string) error
	FinalizeNonce(ctx context.Context, nonce, sig string)
}

// Executor submits split settlements on behalf of merchant agents.
type Executor struct {
	registry *registry.Store
	gateway  ledger.Gateway
	auth     Authorizer
	log      *zap.Logger
}

func New(reg *registry.Store, gw ledger.Gateway, auth Authorizer, log *zap.Logger) *Executor {
	return &Executor{registry: reg, gateway: gw, auth: auth, log: log}
}

// Execute validates the split, proves the caller controls the merchant's
// agent keypair, consumes the payment authorization and submits one
// transaction carrying every recipient leg.
//
// Order matters: every check that can fail without side effects runs before
// the nonce is consumed, and nothing is released after submission.
func (e *Executor) Execute(ctx context.Context, p *proof.Proof, req Request) (*Result, error) {
	if req.SplitID == "" {
		return nil, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingSplitID, "split_id is required")
	}
	if len(req.Recipients) == 0 {
		return nil, protocol.NewError(http.StatusBadRequest, protocol.CodeMissingRecipients, "at least one recipient is required")
	}

	payer := p.Authorization.Payer
	if _, err := solana.PublicKeyFromBase58(payer); err != nil {
		return nil, protocol.NewError(http.StatusBadRequest, protocol.CodeInvalidPublicKey, "payer is not a valid public key")
	}

	transfers := make([]ledger.Transfer, 0, len(req.Recipients))
	var total uint64
	for i, r := range req.Recipients {
		to, err := solana.PublicKeyFromBase58(r.Address)
		if err != nil {
			return nil, protocol.NewError(http.StatusBadRequest, protocol.CodeInvalidRecipient,
				fmt.Sprintf("recipient %d address is not a valid public key", i))
		}
		if r.Amount == 0 {
			return nil, protocol.NewError(http.StatusBadRequest, protocol.CodeInvalidRecipient,
				fmt.Sprintf("recipient %d amount must be positive", i))
		}
		transfers = append(transfers, ledger.Transfer{To: to, Lamports: r.Amount})
		total += r.Amount
	}
	if total != p.Authorization.Amount {
		return nil, protocol.NewError(http.StatusBadRequest, protocol.CodePaymentMismatch,
			fmt.Sprintf("recipients sum to %d but authorization covers %d", total, p.Authorization.Amount))
	}

	merchant, err := e.registry.GetMerchantByAgentWallet(ctx, payer)
	if errors.Is(err, registry.ErrMerchantNotFound) {
		return nil, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound, "no merchant for agent wallet")
	}
	if err != nil {
		return nil, err
	}
	if merchant.Status != registry.MerchantStatusActive {
		return nil, protocol.NewError(http.StatusNotFound, protocol.CodeMerchantNotFound, "merchant is cancelled")
	}

	keypair, err := solana.PrivateKeyFromBase58(merchant.AgentSecret)
	if err != nil {
		return nil, protocol.NewError(http.StatusForbidden, protocol.CodeKeypairMismatch, "stored agent keypair is unusable")
	}
	if keypair.PublicKey().String() != payer {
		return nil, protocol.NewError(http.StatusForbidden, protocol.CodeKeypairMismatch,
			"agent keypair does not match the authenticated wallet")
	}

	// Point of no return: claim the authorization, then submit.
	nonce := p.Authorization.Nonce
	if err := e.auth.ConsumeNonce(ctx, nonce); err != nil {
		return nil, err
	}

	sig, err := e.gateway.SubmitBatch(ctx, keypair, transfers, req.SplitID)
	if err != nil {
		// The authorization stays consumed: the batch may have landed and a
		// retry would pay every recipient twice.
		e.log.Error("split submission failed",
			zap.String("split_id", req.SplitID),
			zap.String("merchant_id", merchant.ID.String()),
			zap.Error(err))
		return nil, protocol.NewError(http.StatusBadGateway, protocol.CodeSubmitFailed, err.Error())
	}

	e.auth.FinalizeNonce(ctx, nonce, sig.String())
	e.log.Info("split settled",
		zap.String("split_id", req.SplitID),
		zap.String("merchant_id", merchant.ID.String()),
		zap.Uint64("total", total),
		zap.Int("recipients", len(transfers)),
		zap.String("signature", sig.String()))

	return &Result{SplitID: req.SplitID, Signature: sig.String(), Total: total}, nil
}
