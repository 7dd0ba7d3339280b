// cmd/agentkey generates or inspects agent keypairs.
//
// Usage:
//
//	go run ./cmd/agentkey/                   # generate a fresh keypair
//	go run ./cmd/agentkey/ -secret <base58>  # show the wallet for a secret
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"

	"github.com/tributarylabs/split-settlement/internal/ledger"
)

func main() {
	secret := flag.String("secret", "", "base58 secret key to inspect instead of generating")
	flag.Parse()

	var (
		key solana.PrivateKey
		err error
	)
	if *secret != "" {
		key, err = solana.PrivateKeyFromBase58(*secret)
	} else {
		key, err = solana.NewRandomPrivateKey()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	collection, err := ledger.DeriveCollectionAccount(key.PublicKey())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	fmt.Printf("wallet:      %s\n", key.PublicKey())
	fmt.Printf("secret:      %s\n", key)
	fmt.Printf("collection:  %s\n", collection)
}
