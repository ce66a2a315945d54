// Package main is the entry point for the entitlement API server.
//
// It loads configuration, connects the Postgres pool and AWS clients, wires
// the workflow, issuance, and notification components, and serves HTTP until
// SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitle/internal/api/handlers"
	"entitle/internal/config"
	"entitle/internal/core"
	"entitle/internal/db"
	"entitle/internal/external"
	"entitle/internal/issuance"
	"entitle/internal/lifecycle"
	"entitle/internal/metrics"
	"entitle/internal/notify"
	"entitle/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("entitle API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	memberRepo := db.NewMemberRepository(pool)
	planRepo := db.NewPlanRepository(pool)
	entRepo := db.NewEntitlementRepository(pool, logger)

	// AWS clients for the notification queue and metric emission.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	var dispatcher notify.Dispatcher = notify.NopDispatcher{}
	if !cfg.Notify.Disabled && cfg.Notify.QueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		dispatcher = notify.NewSQSDispatcher(sqsClient, cfg.Notify.QueueURL, logger)
	}

	var recorder metrics.Recorder = metrics.NopRecorder{}
	if !cfg.Metrics.Disabled {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = metrics.NewCloudWatchRecorder(cwClient, cfg.Metrics.Namespace, logger)
	}

	dueCfg := dueDateConfig(cfg.Dues)

	// Domain services.
	wf := workflow.NewService(entRepo, memberRepo, planRepo, dispatcher, recorder, logger)
	engine := issuance.NewEngine(entRepo, memberRepo, dispatcher, recorder, dueCfg, cfg.Dues.BulkConcurrency, logger)

	// Optional hosted checkout.
	var checkout handlers.CheckoutSessionCreator
	if cfg.Billing.StripeEnabled() {
		httpClient := &http.Client{Timeout: 20 * time.Second}
		checkout = external.NewStripeClient(httpClient, external.StripeClientConfig{
			SecretKey:  cfg.Billing.StripeSecretKey.Unmask(),
			SuccessURL: cfg.Billing.CheckoutSuccessURL,
			CancelURL:  cfg.Billing.CheckoutCancelURL,
			Logger:     logger,
		})
	}

	srv, err := core.NewServer(logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, &dbProbe{pool: pool})

	subsHandler := handlers.NewSubscriptionsHandler(wf, checkout, planRepo, memberRepo, srv.Validator, logger)
	duesHandler := handlers.NewDuesHandler(wf, engine, srv.Validator, logger)

	registrars := []func(chi.Router){
		subsHandler.RegisterRoutes,
		duesHandler.RegisterRoutes,
	}
	if cfg.Billing.StripeEnabled() {
		webhookHandler := handlers.NewStripeWebhookHandler(
			&external.StripeVerifier{},
			wf,
			cfg.Billing.StripeWebhookSecret.Unmask(),
			logger,
		)
		registrars = append(registrars, webhookHandler.RegisterRoutes)
	}
	srv.MountV1(registrars...)

	logger.Info("HTTP server listening", "addr", ":"+cfg.Server.Port)
	return srv.ListenAndServe(ctx, ":"+cfg.Server.Port)
}

// dueDateConfig translates the environment-driven due-date settings into the
// lifecycle package's config, converting the month number to time.Month.
func dueDateConfig(d config.DuesConfig) lifecycle.DueDateConfig {
	return lifecycle.DueDateConfig{
		AnnualDueMonth: time.Month(d.AnnualDueMonth),
		AnnualDueDay:   d.AnnualDueDay,
		MonthlyDueDay:  d.MonthlyDueDay,
	}
}

// dbProbe reports database health for the /health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newLogger creates a structured JSON logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
