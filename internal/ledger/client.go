package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/config"
)

// ErrOutcomeUnknown marks a submission whose confirmation never arrived.
// The transaction may still land; callers must not treat this as a clean
// failure and retry blindly.
var ErrOutcomeUnknown = errors.New("transaction outcome unknown")

// Client implements Gateway over a Solana JSON-RPC node.
type Client struct {
	rpc            *rpc.Client
	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
	log            *zap.Logger
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	commitment := rpc.CommitmentConfirmed
	switch cfg.Ledger.Commitment {
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "finalized":
		commitment = rpc.CommitmentFinalized
	}
	return &Client{
		rpc:            rpc.New(cfg.Ledger.RPCURL),
		commitment:     commitment,
		confirmTimeout: time.Duration(cfg.Ledger.ConfirmTimeoutSec) * time.Second,
		log:            log,
	}
}

func (c *Client) SubmitTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, lamports uint64, memo string) (solana.Signature, error) {
	return c.SubmitBatch(ctx, signer, []Transfer{{To: to, Lamports: lamports}}, memo)
}

func (c *Client) SubmitBatch(ctx context.Context, signer solana.PrivateKey, transfers []Transfer, memo string) (solana.Signature, error) {
	if len(transfers) == 0 {
		return solana.Signature{}, fmt.Errorf("no transfers to submit")
	}

	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("latest blockhash: %w", err)
	}

	instrs := make([]solana.Instruction, 0, len(transfers)+1)
	for _, tr := range transfers {
		instrs = append(instrs, system.NewTransferInstruction(tr.Lamports, signer.PublicKey(), tr.To).Build())
	}
	if memo != "" {
		instrs = append(instrs, solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(memo)))
	}

	tx, err := solana.NewTransaction(instrs, recent.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	if err := c.waitConfirmed(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// waitConfirmed polls signature statuses until the configured commitment is
// reached. A timeout here means the outcome is unknown, not failed.
func (c *Client) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(c.confirmTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on ledger: %v", sig, st.Err)
			}
			if confirmed(st.ConfirmationStatus, c.commitment) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation timeout for %s: %w", sig, ErrOutcomeUnknown)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation wait for %s interrupted: %w (%v)", sig, ErrOutcomeUnknown, ctx.Err())
		case <-ticker.C:
		}
	}
}

func confirmed(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 0,
		rpc.ConfirmationStatusConfirmed: 1,
		rpc.ConfirmationStatusFinalized: 2,
	}
	need := 1
	switch want {
	case rpc.CommitmentProcessed:
		need = 0
	case rpc.CommitmentFinalized:
		need = 2
	}
	return rank[status] >= need
}

func (c *Client) GetTransfer(ctx context.Context, sig solana.Signature, account solana.PublicKey) (*TransferDetail, error) {
	maxVersion := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if res == nil || res.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no metadata", sig)
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	detail := &TransferDetail{
		Signature: sig,
		Slot:      res.Slot,
		Failed:    res.Meta.Err != nil,
	}

	keys := tx.Message.AccountKeys
	for i, key := range keys {
		if i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
			break
		}
		pre, post := res.Meta.PreBalances[i], res.Meta.PostBalances[i]
		if key.Equals(account) && post > pre {
			detail.Amount = post - pre
		}
		// The paying account is the one that lost funds; the fee payer
		// qualifies even on non-transfer transactions, which is fine.
		if post < pre && detail.From.IsZero() {
			detail.From = key
		}
	}

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			continue
		}
		if keys[inst.ProgramIDIndex].Equals(solana.MemoProgramID) {
			detail.Memo = string(inst.Data)
		}
	}

	return detail, nil
}

func (c *Client) RecentTransfers(ctx context.Context, account solana.PublicKey, limit int) ([]TransferRef, error) {
	sigs, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("signatures for %s: %w", account, err)
	}

	refs := make([]TransferRef, 0, len(sigs))
	for _, s := range sigs {
		ref := TransferRef{
			Signature: s.Signature,
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.Memo != nil {
			ref.Memo = *s.Memo
		}
		if s.BlockTime != nil {
			ref.BlockTime = int64(*s.BlockTime)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", account, err)
	}
	return res.Value, nil
}

func (c *Client) DeriveCollectionAccount(holder solana.PublicKey) (solana.PublicKey, error) {
	return DeriveCollectionAccount(holder)
}
