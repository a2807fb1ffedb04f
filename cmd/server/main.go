package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"paywall-service/config"
	"paywall-service/internal/api"
	"paywall-service/internal/broker"
	"paywall-service/internal/gateway"
	"paywall-service/internal/money"
	"paywall-service/internal/paywall"
	"paywall-service/internal/refunds"
	"paywall-service/internal/store"
	"paywall-service/internal/subscriptions"
	"paywall-service/internal/util"
	"paywall-service/internal/x402"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting paywall service")

	tp, err := util.InitTracer("paywall-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()
	log.Println("Database connected")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("Redis connected")

	st := store.NewCached(pg, rdb, cfg.Pricing.GrantCacheTTL)
	grants := store.NewGrantCache(rdb, cfg.Pricing.GrantCacheTTL)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	rounding, err := money.ParseRoundingMode(cfg.Pricing.Rounding)
	if err != nil {
		log.Fatalf("Invalid rounding mode: %v", err)
	}

	asset := money.Asset{
		Code:     cfg.X402.TokenSymbol,
		Decimals: cfg.X402.TokenDecimals,
		Kind:     money.KindFungibleToken,
		Mint:     cfg.X402.TokenMint,
	}

	facilitator := x402.NewFacilitatorClient(cfg.X402.FacilitatorURL)

	subscriptionService := subscriptions.NewService(st, eventPublisher, subscriptions.Settings{
		Grace:           cfg.Subscriptions.Grace,
		ExpiryBatchSize: cfg.Subscriptions.ExpiryBatchSize,
	})

	refundService := refunds.NewService(
		st,
		facilitator,
		refunds.NewFacilitatorSender(facilitator, cfg.X402.MemoPrefix),
		eventPublisher,
		refunds.Settings{
			Asset:         asset,
			Network:       cfg.X402.Network,
			ServerWallets: cfg.X402.ServerWallets,
			QuoteTTL:      cfg.Refunds.QuoteTTL,
			LockTTL:       cfg.Refunds.LockTTL,
		},
	)

	deps := paywall.Deps{
		Store:         st,
		Verifier:      facilitator,
		Notifier:      eventPublisher,
		Grants:        grants,
		Subscriptions: subscriptionService,
		Refunds:       refundService,
	}
	if cfg.Stripe.Enabled {
		deps.Gateway = gateway.NewStripeGateway(cfg.Stripe.APIKey)
	}
	if cfg.Credits.Enabled {
		deps.Ledger = gateway.NewCreditsClient(cfg.Credits.LedgerURL)
	}

	paywallService := paywall.NewService(deps, paywall.Settings{
		Asset:                 asset,
		Network:               cfg.X402.Network,
		RecipientTokenAccount: cfg.X402.PaymentAddress,
		MemoPrefix:            cfg.X402.MemoPrefix,
		Rounding:              rounding,
		QuoteTTL:              cfg.Pricing.QuoteTTL,
		CommitRetries:         cfg.Settlement.CommitRetries,
		CommitBackoff:         cfg.Settlement.CommitBackoff,
		CallbackTimeout:       cfg.Settlement.CallbackTimeout,
		X402Enabled:           cfg.X402.Enabled,
		StripeEnabled:         cfg.Stripe.Enabled,
		CreditsEnabled:        cfg.Credits.Enabled,
	})

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				expired, err := subscriptionService.ExpireOverdue(sweepCtx, time.Now().UTC())
				if err != nil {
					log.Printf("Subscription expiry sweep error: %v", err)
				}
				if expired > 0 {
					log.Printf("Expired %d overdue subscriptions", expired)
				}
			}
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(paywallService, refundService, subscriptionService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	sweepCancel()

	log.Println("Server exited")
}
