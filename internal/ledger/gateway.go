package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Transfer is one recipient leg of a settlement transaction.
type Transfer struct {
	To       solana.PublicKey
	Lamports uint64
}

// TransferRef is a lightweight entry from an account's signature history,
// newest first. Memo is the raw memo string as reported by the node (it may
// carry a length prefix like "[6] ...").
type TransferRef struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime int64
	Memo      string
	Failed    bool
}

// TransferDetail describes a confirmed transaction relative to one account
// of interest. Amount is the lamports credited to that account; zero means
// the transaction did not pay the account (outgoing or unrelated).
type TransferDetail struct {
	Signature solana.Signature
	From      solana.PublicKey
	Amount    uint64
	Memo      string
	Slot      uint64
	Failed    bool
}

// Gateway is the facilitator's view of the ledger. The production
// implementation talks JSON-RPC to a node; tests substitute fakes.
type Gateway interface {
	// SubmitTransfer sends lamports from the signer's account to one
	// recipient and waits for confirmation.
	SubmitTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, lamports uint64, memo string) (solana.Signature, error)

	// SubmitBatch sends one transaction carrying a transfer instruction per
	// recipient. The ledger applies all instructions or none.
	SubmitBatch(ctx context.Context, signer solana.PrivateKey, transfers []Transfer, memo string) (solana.Signature, error)

	// GetTransfer loads a confirmed transaction and reports the credit it
	// made to the given account.
	GetTransfer(ctx context.Context, sig solana.Signature, account solana.PublicKey) (*TransferDetail, error)

	// RecentTransfers lists the newest signatures touching the account.
	RecentTransfers(ctx context.Context, account solana.PublicKey, limit int) ([]TransferRef, error)

	// Balance returns the account's lamport balance.
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// DeriveCollectionAccount returns the deterministic dedicated receiving
	// address for a holder key.
	DeriveCollectionAccount(holder solana.PublicKey) (solana.PublicKey, error)
}

const collectionSeed = "collection"

// DeriveCollectionAccount derives a holder's collection address with the
// system program as owner. The derivation is pure math; any party can
// recompute it offline from the holder key alone.
func DeriveCollectionAccount(holder solana.PublicKey) (solana.PublicKey, error) {
	return solana.CreateWithSeed(holder, collectionSeed, solana.SystemProgramID)
}
