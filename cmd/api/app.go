package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"commitflow/api"
	"commitflow/auth"
	"commitflow/config"
	"commitflow/contract"
	"commitflow/db"
	"commitflow/document"
	"commitflow/evidence"
	"commitflow/logger"
	"commitflow/outbox"
	"commitflow/payment"
	"commitflow/provider"
	"commitflow/provider/mock"
	"commitflow/provider/stripe"
	"commitflow/sweeper"
	"commitflow/webhook"
)

var log = logger.NewSublogger("main")

// app holds the wired services shared by the subcommands.
type app struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	contracts *contract.Service
	payments  *payment.Service
	sweeper   *sweeper.Sweeper
	server    *api.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database.MigrateOnStart {
		if _, err := migrate(ctx, cfg); err != nil {
			return nil, err
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	store, err := newDocumentStore(ctx, cfg.Evidence)
	if err != nil {
		pool.Close()
		return nil, err
	}

	contracts := contract.NewService(pool, contract.NewRepository(pool), outbox.NewWriter()).
		WithDocumentStore(store).
		WithCompletionGrace(cfg.Lifecycle.CompletionGrace)
	payments := payment.NewService(pool, payment.NewRepository(), newProvider(cfg), contracts, cfg.Payment.Currency)
	contracts.WithRefunder(payments)

	var verifier *webhook.Verifier
	if cfg.Payment.WebhookSecret != "" {
		verifier = webhook.NewVerifier(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance)
	}

	relay := outbox.NewRelay(pool, outbox.NewLogPublisher(), cfg.Lifecycle.OutboxBatchSize, cfg.Lifecycle.OutboxMaxAttempts)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	server := api.NewServer(cfg.HTTP, api.Dependencies{
		Contracts:        contracts,
		Payments:         payments,
		Webhooks:         webhook.NewIngestor(verifier, payments, webhook.NewLedger(pool)),
		Auth:             authSvc,
		DB:               pool,
		Render:           document.Render,
		DocumentsEnabled: true,
	})

	return &app{
		cfg:       cfg,
		pool:      pool,
		contracts: contracts,
		payments:  payments,
		sweeper:   sweeper.New(cfg.Lifecycle, contracts, relay),
		server:    server,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func newProvider(cfg *config.Config) provider.Client {
	if cfg.Payment.Provider == "mock" {
		log.Warn("Using the in-memory payment provider, no money moves")
		return mock.New()
	}
	return stripe.NewClient(&cfg.Payment)
}

func newDocumentStore(ctx context.Context, cfg config.Evidence) (contract.DocumentStore, error) {
	if cfg.Endpoint == "" {
		log.Warn("No object storage endpoint configured, evidence is kept in memory")
		return evidence.NewMemoryStore("memory://" + cfg.Bucket), nil
	}
	store, err := evidence.NewMinioStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func migrate(ctx context.Context, cfg *config.Config) (int, error) {
	n, err := db.Migrate(ctx, cfg.Database.URL)
	if err != nil {
		return n, err
	}
	log.WithField("applied", n).Info("Database migrations applied")
	return n, nil
}
