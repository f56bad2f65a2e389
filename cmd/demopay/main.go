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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/api"
	"github.com/wheylabs/demopay/internal/chain"
	"github.com/wheylabs/demopay/internal/config"
	"github.com/wheylabs/demopay/internal/events"
	"github.com/wheylabs/demopay/internal/hdwallet"
	"github.com/wheylabs/demopay/internal/invoice"
	"github.com/wheylabs/demopay/internal/monitor"
	"github.com/wheylabs/demopay/internal/payment"
	"github.com/wheylabs/demopay/internal/ratelimit"
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

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain reader ──────────────────────────────────────────────────────────
	reader, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Address deriver (master seed is fatal at startup if unusable) ─────────
	deriver, err := hdwallet.New(cfg.MasterSeedBytes(), cfg.Chain.CoinType, cfg.Wallet.MaxIndex)
	if err != nil {
		log.Fatal("hd wallet init failed", zap.Error(err))
	}

	// ── Store / rate limiter ──────────────────────────────────────────────────
	store := invoice.NewStore(rdb)
	limiter := ratelimit.New(rdb,
		cfg.RateLimit.MaxPerIP,
		cfg.RateLimit.MaxGlobal,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute,
		log,
	)

	// ── Event publisher (optional) ────────────────────────────────────────────
	var notifier monitor.Notifier
	var publisher *events.Publisher
	if cfg.AMQP.URL != "" {
		publisher, err = events.NewPublisher(cfg.AMQP.URL, log)
		if err != nil {
			log.Fatal("amqp init failed", zap.Error(err))
		}
		defer publisher.Close()
		notifier = publisher
	}

	// ── Payment monitor ───────────────────────────────────────────────────────
	mon := monitor.New(reader, store, monitor.Settings{
		PollInterval:       time.Duration(cfg.Monitor.PollIntervalSec) * time.Second,
		ConfirmationBlocks: cfg.Monitor.ConfirmationBlocks,
		RetryAttempts:      cfg.Monitor.RetryAttempts,
		BackoffBase:        time.Second,
		BackoffMultiplier:  cfg.Monitor.BackoffMultiplier,
		MaxErrorRetries:    cfg.Monitor.MaxErrorRetries,
	}, notifier, log)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	var svcNotifier payment.Notifier
	if publisher != nil {
		svcNotifier = publisher
	}
	svc, err := payment.NewService(store, deriver, limiter, mon, svcNotifier,
		cfg.SealKeyBytes(),
		cfg.Invoice.Amount,
		cfg.Chain.ChainID,
		time.Duration(cfg.Invoice.ExpiryMinutes)*time.Minute,
		log,
	)
	if err != nil {
		log.Fatal("payment service init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	// Recovery re-registers live invoices before new traffic arrives.
	svc.Recover(ctx)
	go svc.RunSweeper(ctx, time.Duration(cfg.Sweep.IntervalSec)*time.Second)
	go limiter.RunCleanup(ctx, time.Duration(cfg.RateLimit.CleanupMinutes)*time.Minute)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.NewHandler(svc, log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
