// Package custody retrieves the facilitator's settlement signing key.
//
// In production the key lives in a custody daemon and is fetched via gRPC
// (custody.KeyService/GetSigningKey). Outside production the MOCK_CUSTODY
// environment variable short-circuits to MOCK_SIGNER_KEY.
package custody

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gagliardetto/solana-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// SignerKey is the settlement keypair used to pay out verified transfers.
type SignerKey struct {
	PrivateKey solana.PrivateKey
	Wallet     solana.PublicKey
}

// Cached result; the key is a process-lifetime constant.
var (
	once      sync.Once
	cachedKey *SignerKey
	cachedErr error
)

// Get returns the settlement signing key.
//
// Decision tree:
//  1. MOCK_CUSTODY env var set → use MOCK_SIGNER_KEY (base58)
//  2. Otherwise → gRPC call to the custody daemon at addr
//
// The result is cached after the first successful call; errors are NOT
// cached so the caller can retry after a transient failure.
func Get(ctx context.Context, addr string) (*SignerKey, error) {
	once.Do(func() {
		cachedKey, cachedErr = fetch(ctx, addr)
		if cachedErr != nil {
			// Errors are not cached so the next call can retry.
			once = sync.Once{}
		}
	})
	return cachedKey, cachedErr
}

func fetch(ctx context.Context, addr string) (*SignerKey, error) {
	if os.Getenv("MOCK_CUSTODY") != "" {
		return fetchMock()
	}
	return fetchGRPC(ctx, addr)
}

// fetchMock returns the key from environment variables (development / CI).
func fetchMock() (*SignerKey, error) {
	raw := os.Getenv("MOCK_SIGNER_KEY")
	if raw == "" {
		return nil, fmt.Errorf("custody: MOCK_CUSTODY is set but MOCK_SIGNER_KEY is empty")
	}
	key, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("custody: MOCK_SIGNER_KEY is not a valid base58 key: %w", err)
	}
	return &SignerKey{PrivateKey: key, Wallet: key.PublicKey()}, nil
}

// fetchGRPC calls the custody daemon. The daemon speaks a single
// struct-typed unary method, so no generated stubs are needed.
func fetchGRPC(ctx context.Context, addr string) (*SignerKey, error) {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("custody: grpc dial %s: %w", addr, err)
	}
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{
		"key_name": "settlement-signer",
		"key_type": "ed25519",
	})
	if err != nil {
		return nil, fmt.Errorf("custody: build request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, "/custody.KeyService/GetSigningKey", req, resp); err != nil {
		return nil, fmt.Errorf("custody: GetSigningKey: %w", err)
	}

	fields := resp.GetFields()
	if ok := fields["success"].GetBoolValue(); !ok {
		return nil, fmt.Errorf("custody: GetSigningKey failed: %s", fields["message"].GetStringValue())
	}
	raw := fields["private_key"].GetStringValue()
	if raw == "" {
		return nil, fmt.Errorf("custody: GetSigningKey returned empty private key")
	}
	key, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("custody: daemon returned invalid key: %w", err)
	}
	return &SignerKey{PrivateKey: key, Wallet: key.PublicKey()}, nil
}

// resetCache clears the cached key; tests only.
func resetCache() {
	once = sync.Once{}
	cachedKey = nil
	cachedErr = nil
}
