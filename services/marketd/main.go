package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nftmarket/core/events"
	"nftmarket/crypto"
	"nftmarket/gateway/middleware"
	"nftmarket/native/bank"
	"nftmarket/native/common"
	"nftmarket/native/marketplace"
	"nftmarket/native/registry"
	"nftmarket/observability/logging"
	telemetry "nftmarket/observability/otel"
	"nftmarket/services/marketd/audit"
	"nftmarket/services/marketd/config"
	"nftmarket/services/marketd/server"
	"nftmarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("marketd: load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "marketd",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("marketd: exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "marketd",
			Environment: cfg.Environment,
			Endpoint:    strings.TrimSpace(cfg.Telemetry.Endpoint),
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	parties, err := cfg.Marketplace.Resolve()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	auditStore, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, logger)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	stream := events.NewBroadcaster(cfg.Stream.History)
	emitter := events.Multi{stream, auditStore}

	assets := registry.New(db)
	assets.SetEmitter(emitter)
	ledger := bank.NewLedger(db)
	ledger.SetEmitter(emitter)
	payments, err := bank.NewEscrowPayments(ledger, parties.Vault)
	if err != nil {
		return err
	}
	authorizer := marketplace.NewStaticAuthorizer(parties.Admins...)
	engine, err := marketplace.NewEngine(marketplace.NewStore(db), assets, payments, authorizer, marketplace.Config{
		Vault:             parties.Vault,
		FeeRecipient:      parties.FeeRecipient,
		InitialListingFee: parties.ListingFee,
	})
	if err != nil {
		return err
	}
	engine.SetEmitter(emitter)
	engine.SetLogger(logger)
	pauses := common.NewPauses(marketplace.ModuleName)
	pauses.Set(marketplace.ModuleName, cfg.Marketplace.Paused)
	engine.SetPauses(pauses)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Options{
		Engine:     engine,
		Ledger:     ledger,
		Audit:      auditStore,
		Stream:     stream,
		Authorizer: authorizer,
		Auth: middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			HMACSecret:     cfg.Auth.Secret,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			AllowAnonymous: cfg.Auth.AllowAnonymousReads,
			ClockSkew:      cfg.Auth.ClockSkew.Duration,
		},
		RateLimits:   limits,
		CORS:         middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		PingInterval: cfg.Stream.PingInterval.Duration,
		LogRequests:  true,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("marketd: marketplace ready",
		slog.String("vault", crypto.FromIdentity(parties.Vault).String()),
		slog.String("fee_recipient", crypto.FromIdentity(parties.FeeRecipient).String()),
		slog.String("backend", cfg.Ledger.Backend),
		slog.String("audit_driver", cfg.Audit.Driver),
		logging.MaskField("audit_dsn", cfg.Audit.DSN),
		slog.Bool("paused", cfg.Marketplace.Paused))
	return srv.Run(ctx, cfg.ListenAddress, cfg.ShutdownTimeout.Duration)
}
