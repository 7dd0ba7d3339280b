// cmd/checkaccount prints the balance and recent transfer history of a
// collection account, the same view a monitoring agent works from.
//
// Usage:
//
//	go run ./cmd/checkaccount/ -rpc https://api.devnet.solana.com -account <pubkey>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/config"
	"github.com/tributarylabs/split-settlement/internal/ledger"
)

func main() {
	rpc := flag.String("rpc", "https://api.devnet.solana.com", "RPC endpoint")
	account := flag.String("account", "", "account to inspect")
	limit := flag.Int("limit", 10, "how many recent transfers to list")
	flag.Parse()

	pub, err := solana.PublicKeyFromBase58(*account)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: -account is not a valid public key")
		os.Exit(1)
	}

	cfg := &config.Config{Ledger: config.LedgerConfig{
		RPCURL:            *rpc,
		Commitment:        "confirmed",
		ConfirmTimeoutSec: 30,
	}}
	client := ledger.NewClient(cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	balance, err := client.Balance(ctx, pub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Printf("account:  %s\n", pub)
	fmt.Printf("balance:  %d lamports\n", balance)

	refs, err := client.RecentTransfers(ctx, pub, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Printf("history:  %d signatures\n", len(refs))
	for _, ref := range refs {
		status := "ok"
		if ref.Failed {
			status = "failed"
		}
		detail, err := client.GetTransfer(ctx, ref.Signature, pub)
		if err != nil {
			fmt.Printf("  %s  slot=%d  %s  (detail unavailable: %v)\n", ref.Signature, ref.Slot, status, err)
			continue
		}
		if detail.Amount == 0 {
			fmt.Printf("  %s  slot=%d  %s  outbound/unrelated  memo=%q\n",
				ref.Signature, ref.Slot, status, detail.Memo)
			continue
		}
		fmt.Printf("  %s  slot=%d  %s  +%d lamports from %s  memo=%q\n",
			ref.Signature, ref.Slot, status, detail.Amount, detail.From, detail.Memo)
	}
}
