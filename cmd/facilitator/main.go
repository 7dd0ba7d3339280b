package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/agent"
	"github.com/tributarylabs/split-settlement/internal/agentapi"
	"github.com/tributarylabs/split-settlement/internal/config"
	"github.com/tributarylabs/split-settlement/internal/custody"
	"github.com/tributarylabs/split-settlement/internal/executor"
	"github.com/tributarylabs/split-settlement/internal/ledger"
	"github.com/tributarylabs/split-settlement/internal/noncestore"
	"github.com/tributarylabs/split-settlement/internal/protocol"
	"github.com/tributarylabs/split-settlement/internal/registry"
	"github.com/tributarylabs/split-settlement/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (nonce ledger) ──────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	nonces := noncestore.New(rdb, log)

	// ── Postgres (registry + vault) ───────────────────────────────────────────
	db, err := registry.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	if err := registry.AutoMigrate(db); err != nil {
		log.Fatal("registry migration failed", zap.Error(err))
	}
	if err := vault.AutoMigrate(db); err != nil {
		log.Fatal("vault migration failed", zap.Error(err))
	}
	reg := registry.New(db)
	vaults := vault.NewService(db, log)

	// ── Ledger gateway + settlement signer ────────────────────────────────────
	gateway := ledger.NewClient(cfg, log)
	signerKey, err := custody.Get(ctx, cfg.Custody.Addr)
	if err != nil {
		log.Fatal("settlement key unavailable", zap.Error(err))
	}
	log.Info("settlement signer ready", zap.String("wallet", signerKey.Wallet.String()))

	// ── Protocol service + executor ───────────────────────────────────────────
	svc := protocol.NewService(
		nonces,
		gateway,
		signerKey.PrivateKey,
		time.Duration(cfg.Protocol.NonceTTLSec)*time.Second,
		time.Duration(cfg.Protocol.NonceRetentionSec)*time.Second,
		log,
	)
	exec := executor.New(reg, gateway, svc, log)

	// ── Agent supervisor ──────────────────────────────────────────────────────
	sup := agent.NewSupervisor(agent.Deps{
		Gateway:        gateway,
		Registry:       reg,
		Nonces:         nonces,
		Executor:       exec,
		PlatformWallet: cfg.Fees.PlatformWallet,
		Interval:       time.Duration(cfg.Agent.PollIntervalSec) * time.Second,
		ScanLimit:      cfg.Agent.ScanLimit,
		Log:            log,
	})
	if err := sup.Refresh(ctx); err != nil {
		log.Error("initial agent refresh failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go nonces.RunJanitor(ctx,
		time.Duration(cfg.Protocol.CleanupIntervalSec)*time.Second,
		time.Duration(cfg.Protocol.NonceRetentionSec)*time.Second)
	go sup.RunRefresh(ctx, time.Duration(cfg.Agent.RefreshIntervalSec)*time.Second)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protocol.NewHandler(svc, log).Register(r.Group("/"))
	executor.NewHandler(exec, svc).Register(r.Group("/"))
	agentapi.NewHandler(agentapi.Deps{
		Protocol:       svc,
		Registry:       reg,
		Vault:          vaults,
		Supervisor:     sup,
		Gateway:        gateway,
		Signer:         signerKey.PrivateKey,
		PlatformWallet: cfg.Fees.PlatformWallet,
		PlatformRate:   cfg.Fees.PlatformRate,
		AffiliateRate:  cfg.Fees.AffiliateRate,
		OnboardingFee:  cfg.Fees.OnboardingFee,
		Log:            log,
	}).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("facilitator starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()
	sup.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
