package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/noncestore"
	"github.com/tributarylabs/split-settlement/internal/proof"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGateway records submissions and returns a deterministic signature, or
// an injected error.
type fakeGateway struct {
	mu         sync.Mutex
	submits    int
	err        error
	lastTo     solana.PublicKey
	lastAmount uint64
	lastMemo   string
}

func (f *fakeGateway) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeGateway) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func fakeSig(n int) solana.Signature {
	var sig solana.Signature
	sig[0] = byte(n)
	sig[1] = byte(n >> 8)
	return sig
}

func (f *fakeGateway) SubmitTransfer(ctx context.Context, signer solana.PrivateKey, to solana.PublicKey, lamports uint64, memo string) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		if errors.Is(f.err, ledger.ErrOutcomeUnknown) {
			// The transaction was sent before the confirmation wait gave up.
			f.submits++
			return fakeSig(f.submits), f.err
		}
		return solana.Signature{}, f.err
	}
	f.submits++
	f.lastTo, f.lastAmount, f.lastMemo = to, lamports, memo
	return fakeSig(f.submits), nil
}

func (f *fakeGateway) SubmitBatch(ctx context.Context, signer solana.PrivateKey, transfers []ledger.Transfer, memo string) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return solana.Signature{}, f.err
	}
	f.submits++
	f.lastMemo = memo
	return fakeSig(f.submits), nil
}

func (f *fakeGateway) GetTransfer(ctx context.Context, sig solana.Signature, account solana.PublicKey) (*ledger.TransferDetail, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) RecentTransfers(ctx context.Context, account solana.PublicKey, limit int) ([]ledger.TransferRef, error) {
	return nil, nil
}

func (f *fakeGateway) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return 0, nil
}

func (f *fakeGateway) DeriveCollectionAccount(holder solana.PublicKey) (solana.PublicKey, error) {
	return ledger.DeriveCollectionAccount(holder)
}

type rig struct {
	mr     *miniredis.Miniredis
	nonces *noncestore.Store
	gw     *fakeGateway
	svc    *Service
	router *gin.Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	nonces := noncestore.New(rdb, zap.NewNop())
	gw := &fakeGateway{}
	signer, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(nonces, gw, signer, 5*time.Minute, time.Hour, zap.NewNop())

	r := gin.New()
	NewHandler(svc, zap.NewNop()).Register(r.Group("/"))
	return &rig{mr: mr, nonces: nonces, gw: gw, svc: svc, router: r}
}

// issueProof issues a nonce for a fresh client key and signs a matching proof.
func issueProof(t *testing.T, rg *rig, amount uint64) (solana.PrivateKey, *proof.Proof, *noncestore.Record) {
	t.Helper()
	client, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	recipient, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	rec, err := rg.svc.IssueNonce(context.Background(), IssueRequest{
		ClientKey:  client.PublicKey().String(),
		Amount:     amount,
		Recipient:  recipient.PublicKey().String(),
		ResourceID: "order-77",
	})
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}

	p, err := proof.Sign(proof.Authorization{
		Amount:     rec.Amount,
		Expiry:     rec.Expiry,
		Nonce:      rec.Nonce,
		Recipient:  rec.Recipient,
		ResourceID: rec.ResourceID,
		Timestamp:  rec.Timestamp,
	}, client)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return client, p, rec
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError with code %s, got %v", code, err)
	}
	if ae.Code != code {
		t.Fatalf("code = %s, want %s (message: %s)", ae.Code, code, ae.Message)
	}
}

// ── Verify ──────────────────────────────────────────────────────────────────

func TestVerify_Valid(t *testing.T) {
	rg := newRig(t)
	_, p, rec := issueProof(t, rg, 1_000_000)

	got, err := rg.svc.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Nonce != rec.Nonce || got.Amount != rec.Amount {
		t.Errorf("record = %+v, want nonce %s amount %d", got, rec.Nonce, rec.Amount)
	}

	// Verification has no side effects: repeat yields the same verdict.
	if _, err := rg.svc.Verify(context.Background(), p); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
}

func TestVerify_UnknownNonce(t *testing.T) {
	rg := newRig(t)
	client, _ := solana.NewRandomPrivateKey()
	p, err := proof.Sign(proof.Authorization{
		Amount:    5,
		Expiry:    time.Now().Add(time.Minute).UnixMilli(),
		Nonce:     "never-issued",
		Recipient: client.PublicKey().String(),
		Timestamp: time.Now().UnixMilli(),
	}, client)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rg.svc.Verify(context.Background(), p)
	wantCode(t, err, CodeInvalidNonce)
}

func TestVerify_WrongSigner(t *testing.T) {
	rg := newRig(t)
	_, p, _ := issueProof(t, rg, 500)

	// Re-sign the same authorization with a key the nonce was not issued to.
	imposter, _ := solana.NewRandomPrivateKey()
	forged, err := proof.Sign(p.Authorization, imposter)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rg.svc.Verify(context.Background(), forged)
	wantCode(t, err, CodeSignatureInvalid)
}

func TestVerify_AmountMismatch(t *testing.T) {
	rg := newRig(t)
	client, p, _ := issueProof(t, rg, 500)

	auth := p.Authorization
	auth.Amount = 501
	tampered, err := proof.Sign(auth, client)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rg.svc.Verify(context.Background(), tampered)
	wantCode(t, err, CodePaymentMismatch)
}

func TestVerify_RecipientMismatch(t *testing.T) {
	rg := newRig(t)
	client, p, _ := issueProof(t, rg, 500)

	other, _ := solana.NewRandomPrivateKey()
	auth := p.Authorization
	auth.Recipient = other.PublicKey().String()
	tampered, err := proof.Sign(auth, client)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rg.svc.Verify(context.Background(), tampered)
	wantCode(t, err, CodePaymentMismatch)
}

func TestVerify_ExpiredNonce(t *testing.T) {
	rg := newRig(t)
	client, _ := solana.NewRandomPrivateKey()
	recipient, _ := solana.NewRandomPrivateKey()

	now := time.Now()
	rec := noncestore.Record{
		Nonce:     "stale-nonce",
		ClientKey: client.PublicKey().String(),
		Amount:    100,
		Recipient: recipient.PublicKey().String(),
		Timestamp: now.Add(-time.Hour).UnixMilli(),
		Expiry:    now.Add(-30 * time.Minute).UnixMilli(),
		Status:    noncestore.StatusPending,
	}
	if err := rg.nonces.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	p, err := proof.Sign(proof.Authorization{
		Amount:    rec.Amount,
		Expiry:    rec.Expiry,
		Nonce:     rec.Nonce,
		Recipient: rec.Recipient,
		Timestamp: rec.Timestamp,
	}, client)
	if err != nil {
		t.Fatal(err)
	}

	_, err = rg.svc.Verify(context.Background(), p)
	wantCode(t, err, CodeNonceExpired)
}

func TestVerify_UsedNonce(t *testing.T) {
	rg := newRig(t)
	_, p, rec := issueProof(t, rg, 100)

	if err := rg.nonces.MarkUsed(context.Background(), rec.Nonce, "sig-prior"); err != nil {
		t.Fatal(err)
	}

	_, err := rg.svc.Verify(context.Background(), p)
	wantCode(t, err, CodeNonceAlreadyUsed)
}

// ── Settle ──────────────────────────────────────────────────────────────────

func TestSettle_Success(t *testing.T) {
	rg := newRig(t)
	_, p, rec := issueProof(t, rg, 2_000_000)

	sig, err := rg.svc.Settle(context.Background(), p)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if sig.IsZero() {
		t.Fatal("expected a transaction signature")
	}
	if got := rg.gw.submitted(); got != 1 {
		t.Fatalf("submits = %d, want 1", got)
	}
	if rg.gw.lastAmount != rec.Amount {
		t.Errorf("submitted amount = %d, want %d", rg.gw.lastAmount, rec.Amount)
	}
	if rg.gw.lastTo.String() != rec.Recipient {
		t.Errorf("submitted recipient = %s, want %s", rg.gw.lastTo, rec.Recipient)
	}
	if rg.gw.lastMemo != rec.ResourceID {
		t.Errorf("memo = %q, want %q", rg.gw.lastMemo, rec.ResourceID)
	}

	stored, err := rg.nonces.Get(context.Background(), rec.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != noncestore.StatusUsed {
		t.Errorf("status = %s, want %s", stored.Status, noncestore.StatusUsed)
	}
	if stored.UsedTxSignature != sig.String() {
		t.Errorf("settlement sig = %q, want %q", stored.UsedTxSignature, sig)
	}
}

func TestSettle_Replay(t *testing.T) {
	rg := newRig(t)
	_, p, _ := issueProof(t, rg, 100)

	if _, err := rg.svc.Settle(context.Background(), p); err != nil {
		t.Fatalf("first Settle: %v", err)
	}

	_, err := rg.svc.Settle(context.Background(), p)
	wantCode(t, err, CodeNonceAlreadyUsed)

	if got := rg.gw.submitted(); got != 1 {
		t.Fatalf("submits = %d, want 1", got)
	}
}

func TestSettle_Concurrent(t *testing.T) {
	rg := newRig(t)
	_, p, _ := issueProof(t, rg, 100)

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rg.svc.Settle(context.Background(), p)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var ae *APIError
			if errors.As(err, &ae) && ae.Code == CodeNonceAlreadyUsed {
				conflicts++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, racers-1)
	}
	if got := rg.gw.submitted(); got != 1 {
		t.Fatalf("submits = %d, want exactly 1", got)
	}
}

func TestSettle_SubmitFailureReleasesNonce(t *testing.T) {
	rg := newRig(t)
	_, p, rec := issueProof(t, rg, 100)

	rg.gw.setErr(errors.New("node unreachable"))
	_, err := rg.svc.Settle(context.Background(), p)
	wantCode(t, err, CodeSubmitFailed)

	// Nothing reached the ledger, so the nonce must be retryable.
	stored, err := rg.nonces.Get(context.Background(), rec.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != noncestore.StatusPending {
		t.Fatalf("status = %s, want pending after failed submit", stored.Status)
	}

	rg.gw.setErr(nil)
	if _, err := rg.svc.Settle(context.Background(), p); err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
}

func TestSettle_UnknownOutcomeKeepsNonceConsumed(t *testing.T) {
	rg := newRig(t)
	_, p, rec := issueProof(t, rg, 100)

	rg.gw.setErr(fmt.Errorf("confirmation timeout: %w", ledger.ErrOutcomeUnknown))
	_, err := rg.svc.Settle(context.Background(), p)
	wantCode(t, err, CodeSubmitFailed)

	// The transfer may have landed. Retrying could pay twice, so the nonce
	// stays consumed.
	stored, err := rg.nonces.Get(context.Background(), rec.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != noncestore.StatusUsed {
		t.Fatalf("status = %s, want used after unknown outcome", stored.Status)
	}

	rg.gw.setErr(nil)
	_, err = rg.svc.Settle(context.Background(), p)
	wantCode(t, err, CodeNonceAlreadyUsed)
}

// ── Nonce issuance ──────────────────────────────────────────────────────────

func TestIssueNonce_Validation(t *testing.T) {
	rg := newRig(t)
	key, _ := solana.NewRandomPrivateKey()
	valid := key.PublicKey().String()

	cases := []struct {
		name string
		req  IssueRequest
		code string
	}{
		{"zero amount", IssueRequest{ClientKey: valid, Amount: 0, Recipient: valid}, CodeMissingFields},
		{"bad client key", IssueRequest{ClientKey: "not-a-key", Amount: 1, Recipient: valid}, CodeInvalidPublicKey},
		{"bad recipient", IssueRequest{ClientKey: valid, Amount: 1, Recipient: "nope"}, CodeInvalidRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rg.svc.IssueNonce(context.Background(), tc.req)
			wantCode(t, err, tc.code)
		})
	}
}

func TestIssueNonce_TTL(t *testing.T) {
	rg := newRig(t)
	key, _ := solana.NewRandomPrivateKey()

	before := time.Now()
	rec, err := rg.svc.IssueNonce(context.Background(), IssueRequest{
		ClientKey: key.PublicKey().String(),
		Amount:    42,
		Recipient: key.PublicKey().String(),
	})
	if err != nil {
		t.Fatal(err)
	}

	wantExpiry := before.Add(5 * time.Minute).UnixMilli()
	if rec.Expiry < wantExpiry || rec.Expiry > wantExpiry+5_000 {
		t.Errorf("expiry = %d, want about %d", rec.Expiry, wantExpiry)
	}
	if rec.Status != noncestore.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
}

// ── HTTP surface ────────────────────────────────────────────────────────────

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %s", w.Body.String())
	}
	return w, env
}

func TestHandler_VerifyAndSettle(t *testing.T) {
	rg := newRig(t)
	_, p, _ := issueProof(t, rg, 750)

	w, env := doJSON(t, rg.router, http.MethodPost, "/verify", p)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("verify: code %d body %s", w.Code, w.Body.String())
	}
	var vr verifyResponse
	if err := json.Unmarshal(env.Data, &vr); err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.Amount != 750 {
		t.Errorf("verify data = %+v", vr)
	}

	w, env = doJSON(t, rg.router, http.MethodPost, "/settle", p)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("settle: code %d body %s", w.Code, w.Body.String())
	}
	var sr settleResponse
	if err := json.Unmarshal(env.Data, &sr); err != nil {
		t.Fatal(err)
	}
	if !sr.Settled || sr.Signature == "" {
		t.Errorf("settle data = %+v", sr)
	}

	// Replay over HTTP surfaces the conflict.
	w, env = doJSON(t, rg.router, http.MethodPost, "/settle", p)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay: code %d, want 409", w.Code)
	}
	if env.Error == nil || env.Error.Code != CodeNonceAlreadyUsed {
		t.Fatalf("replay error = %+v", env.Error)
	}
}

func TestHandler_IssueAndInspectNonce(t *testing.T) {
	rg := newRig(t)
	key, _ := solana.NewRandomPrivateKey()

	w, env := doJSON(t, rg.router, http.MethodPost, "/nonce", IssueRequest{
		ClientKey:  key.PublicKey().String(),
		Amount:     10,
		Recipient:  key.PublicKey().String(),
		ResourceID: "res-9",
	})
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("issue: code %d body %s", w.Code, w.Body.String())
	}
	var rec noncestore.Record
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Nonce == "" {
		t.Fatal("issued record has no nonce")
	}

	w, env = doJSON(t, rg.router, http.MethodGet, "/nonce/"+rec.Nonce, nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("inspect: code %d body %s", w.Code, w.Body.String())
	}

	w, env = doJSON(t, rg.router, http.MethodGet, "/nonce/absent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing nonce: code %d, want 404", w.Code)
	}
	if env.Error == nil || env.Error.Code != CodeNonceNotFound {
		t.Fatalf("missing nonce error = %+v", env.Error)
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	rg := newRig(t)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	rg.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", w.Code)
	}
}

func TestHandler_StatsAndCleanup(t *testing.T) {
	rg := newRig(t)
	issueProof(t, rg, 10)
	issueProof(t, rg, 20)

	w, env := doJSON(t, rg.router, http.MethodGet, "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: code %d", w.Code)
	}
	var stats noncestore.Stats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Pending != 2 {
		t.Errorf("stats = %+v, want total 2 pending 2", stats)
	}

	w, _ = doJSON(t, rg.router, http.MethodPost, "/cleanup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup: code %d", w.Code)
	}
}

// ── PaymentRequired middleware ──────────────────────────────────────────────

func newGatedRouter(t *testing.T, rg *rig) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.POST("/paid", PaymentRequired(rg.svc), func(c *gin.Context) {
		p, ok := ProofFrom(c)
		if !ok {
			t.Error("proof missing from gated context")
			c.Status(http.StatusInternalServerError)
			return
		}
		OK(c, http.StatusOK, gin.H{"payer": p.Authorization.Payer})
	})
	return r
}

func TestPaymentRequired_MissingHeader(t *testing.T) {
	rg := newRig(t)
	r := newGatedRouter(t, rg)

	req := httptest.NewRequest(http.MethodPost, "/paid", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("code = %d, want 402", w.Code)
	}
	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.Error == nil || env.Error.Code != CodePaymentRequired {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestPaymentRequired_GarbageHeader(t *testing.T) {
	rg := newRig(t)
	r := newGatedRouter(t, rg)

	req := httptest.NewRequest(http.MethodPost, "/paid", nil)
	req.Header.Set(proof.Header, "%%% not base64 %%%")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("code = %d, want 402", w.Code)
	}
}

func TestPaymentRequired_ValidProofPasses(t *testing.T) {
	rg := newRig(t)
	r := newGatedRouter(t, rg)
	_, p, rec := issueProof(t, rg, 100)

	header, err := proof.EncodeHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/paid", nil)
	req.Header.Set(proof.Header, header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body %s", w.Code, w.Body.String())
	}

	// The gate verifies without consuming: the nonce is still pending.
	stored, err := rg.nonces.Get(context.Background(), rec.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != noncestore.StatusPending {
		t.Fatalf("status = %s, want pending after gate", stored.Status)
	}
}

func TestPaymentRequired_BadProofKeepsCode(t *testing.T) {
	rg := newRig(t)
	r := newGatedRouter(t, rg)
	_, p, rec := issueProof(t, rg, 100)

	if err := rg.nonces.MarkUsed(context.Background(), rec.Nonce, "sig-used"); err != nil {
		t.Fatal(err)
	}

	header, err := proof.EncodeHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/paid", nil)
	req.Header.Set(proof.Header, header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// Specific code survives, status collapses to 402.
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("code = %d, want 402", w.Code)
	}
	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.Error == nil || env.Error.Code != CodeNonceAlreadyUsed {
		t.Fatalf("error = %+v, want %s", env.Error, CodeNonceAlreadyUsed)
	}
}
