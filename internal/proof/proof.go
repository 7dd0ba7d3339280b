package proof

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Authorization is the payload a payer signs to authorize one transfer.
// Field order is alphabetical; json.Marshal of this struct IS the canonical
// signing message, so the order must never change.
type Authorization struct {
	Amount     uint64 `json:"amount"`
	Expiry     int64  `json:"expiry"` // unix millis
	Nonce      string `json:"nonce"`
	Payer      string `json:"payer"` // base58 ed25519 public key
	Recipient  string `json:"recipient"`
	ResourceID string `json:"resource_id"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

// Proof is the opaque object carried in the X-Payment header: the signed
// authorization plus the payer's detached ed25519 signature.
type Proof struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"` // base58
}

// Header carrying the encoded proof on gated endpoints.
const Header = "X-Payment"

var (
	ErrBadPayerKey  = errors.New("payer is not a valid public key")
	ErrBadSignature = errors.New("signature does not verify against payer key")
)

// CanonicalBytes returns the exact bytes signed by the payer.
func CanonicalBytes(a *Authorization) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal authorization: %w", err)
	}
	return b, nil
}

// Sign produces a proof over the authorization with the payer's key.
// The authorization's Payer field is overwritten with the key's public half
// so the proof always verifies against the key that produced it.
func Sign(a Authorization, key solana.PrivateKey) (*Proof, error) {
	a.Payer = key.PublicKey().String()
	msg, err := CanonicalBytes(&a)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	return &Proof{Authorization: a, Signature: sig.String()}, nil
}

// PayerKey parses the authorization's payer field.
func (p *Proof) PayerKey() (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(p.Authorization.Payer)
	if err != nil {
		return solana.PublicKey{}, ErrBadPayerKey
	}
	return key, nil
}

// Verify checks the detached signature against the canonical bytes.
func Verify(p *Proof) error {
	key, err := p.PayerKey()
	if err != nil {
		return err
	}
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil {
		return ErrBadSignature
	}
	msg, err := CanonicalBytes(&p.Authorization)
	if err != nil {
		return err
	}
	if !sig.Verify(key, msg) {
		return ErrBadSignature
	}
	return nil
}

// EncodeHeader serializes a proof for the X-Payment header.
func EncodeHeader(p *Proof) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeHeader parses an X-Payment header value.
func DecodeHeader(v string) (*Proof, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	p := &Proof{}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("parse payment header: %w", err)
	}
	return p, nil
}
