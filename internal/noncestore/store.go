package noncestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const nonceKeyPrefix = "paynonce:"

// Record status values. A nonce is created pending and flips to used exactly
// once; there is no other state.
const (
	StatusPending = "pending"
	StatusUsed    = "used"
)

var (
	ErrDuplicateNonce = errors.New("nonce already exists")
	ErrNotFound       = errors.New("nonce not found")
	ErrAlreadyUsed    = errors.New("nonce already used")
)

// Record is the persisted anti-replay entry for one payment authorization.
// Timestamps are unix millis.
type Record struct {
	Nonce           string `json:"nonce"`
	ClientKey       string `json:"client_key"`
	Amount          uint64 `json:"amount"`
	Recipient       string `json:"recipient"`
	ResourceID      string `json:"resource_id"`
	Timestamp       int64  `json:"timestamp"`
	Expiry          int64  `json:"expiry"`
	Status          string `json:"status"`
	UsedTxSignature string `json:"used_tx_signature,omitempty"`
	UsedAt          int64  `json:"used_at,omitempty"`
}

// Expired reports whether the record is past its expiry at the given time.
func (r *Record) Expired(now time.Time) bool {
	return now.UnixMilli() > r.Expiry
}

// Store keeps nonce records in Redis, one hash per nonce. Records are never
// expired by Redis itself; expiry is enforced at validation time and physical
// deletion only happens through CleanupExpired.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func nonceKey(nonce string) string {
	return nonceKeyPrefix + nonce
}

// markUsedScript performs the pending→used transition atomically. Exactly one
// caller can win; everyone else sees the current status.
var markUsedScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then return "missing" end
if status ~= "pending" then return "conflict" end
redis.call("HSET", KEYS[1], "status", "used", "used_tx_signature", ARGV[1], "used_at", ARGV[2])
return "ok"
`)

// releaseScript rolls a claimed nonce back to pending. Only valid for the
// claim winner, before anything was submitted to the ledger.
var releaseScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then return "missing" end
if status ~= "used" then return "conflict" end
redis.call("HSET", KEYS[1], "status", "pending", "used_tx_signature", "", "used_at", "0")
return "ok"
`)

// Create persists a new pending record. The nonce field doubles as a
// creation guard: a second Create with the same nonce fails.
func (s *Store) Create(ctx context.Context, r Record) error {
	key := nonceKey(r.Nonce)
	ok, err := s.rdb.HSetNX(ctx, key, "nonce", r.Nonce).Result()
	if err != nil {
		return fmt.Errorf("create nonce: %w", err)
	}
	if !ok {
		return ErrDuplicateNonce
	}
	return s.rdb.HSet(ctx, key,
		"client_key", r.ClientKey,
		"amount", strconv.FormatUint(r.Amount, 10),
		"recipient", r.Recipient,
		"resource_id", r.ResourceID,
		"timestamp", r.Timestamp,
		"expiry", r.Expiry,
		"status", StatusPending,
		"used_tx_signature", "",
		"used_at", 0,
	).Err()
}

func (s *Store) Get(ctx context.Context, nonce string) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, nonceKey(nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return recordFromMap(vals), nil
}

// MarkUsed flips a pending nonce to used, recording the settlement signature.
// This is the single concurrency guard in the settlement path: two racing
// calls produce exactly one winner.
func (s *Store) MarkUsed(ctx context.Context, nonce, settlementSig string) error {
	res, err := markUsedScript.Run(ctx, s.rdb,
		[]string{nonceKey(nonce)},
		settlementSig, time.Now().UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	default:
		return ErrAlreadyUsed
	}
}

// Release returns a claimed nonce to pending so the caller can retry. Callers
// must only release a claim they won and only when nothing reached the ledger.
func (s *Store) Release(ctx context.Context, nonce string) error {
	res, err := releaseScript.Run(ctx, s.rdb, []string{nonceKey(nonce)}).Text()
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	default:
		return errors.New("nonce not claimed")
	}
}

// RecordSettlement fills in the settlement signature after a claim's
// submission confirms.
func (s *Store) RecordSettlement(ctx context.Context, nonce, settlementSig string) error {
	return s.rdb.HSet(ctx, nonceKey(nonce),
		"used_tx_signature", settlementSig,
		"used_at", time.Now().UnixMilli(),
	).Err()
}

// CleanupExpired deletes records whose expiry plus the retention window has
// passed and returns how many were removed. Validation does not depend on
// this; it only bounds the key space.
func (s *Store) CleanupExpired(ctx context.Context, retention time.Duration) (int, error) {
	now := time.Now().UnixMilli()
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, nonceKeyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan nonces: %w", err)
		}
		for _, key := range keys {
			expiryStr, err := s.rdb.HGet(ctx, key, "expiry").Result()
			if err != nil {
				continue
			}
			expiry, err := strconv.ParseInt(expiryStr, 10, 64)
			if err != nil {
				continue
			}
			if now > expiry+retention.Milliseconds() {
				if err := s.rdb.Del(ctx, key).Err(); err == nil {
					removed++
				}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return removed, nil
}

// Stats summarizes the ledger for the stats endpoint. Expired counts records
// still pending but past expiry.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Used    int `json:"used"`
	Expired int `json:"expired"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now()
	out := &Stats{}
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, nonceKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan nonces: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			r := recordFromMap(vals)
			out.Total++
			switch {
			case r.Status == StatusUsed:
				out.Used++
			case r.Expired(now):
				out.Expired++
			default:
				out.Pending++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

// RunJanitor periodically sweeps expired records until the context ends.
func (s *Store) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("nonce janitor started",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("nonce janitor stopped")
			return
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx, retention)
			if err != nil {
				s.log.Error("nonce cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired nonces removed", zap.Int("count", n))
			}
		}
	}
}

func recordFromMap(m map[string]string) *Record {
	amount, _ := strconv.ParseUint(m["amount"], 10, 64)
	timestamp, _ := strconv.ParseInt(m["timestamp"], 10, 64)
	expiry, _ := strconv.ParseInt(m["expiry"], 10, 64)
	usedAt, _ := strconv.ParseInt(m["used_at"], 10, 64)
	return &Record{
		Nonce:           m["nonce"],
		ClientKey:       m["client_key"],
		Amount:          amount,
		Recipient:       m["recipient"],
		ResourceID:      m["resource_id"],
		Timestamp:       timestamp,
		Expiry:          expiry,
		Status:          m["status"],
		UsedTxSignature: m["used_tx_signature"],
		UsedAt:          usedAt,
	}
}
