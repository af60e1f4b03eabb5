// Package main is the process entrypoint: it loads the operational
// config and the Constitution, constructs the components in dependency order,
// hands them to the Orchestrator, and serves the API surface until
// shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/account"
	"github.com/trueasset/alluse-core/internal/api"
	"github.com/trueasset/alluse-core/internal/atr"
	"github.com/trueasset/alluse-core/internal/audit"
	"github.com/trueasset/alluse-core/internal/broker"
	"github.com/trueasset/alluse-core/internal/config"
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/execution"
	"github.com/trueasset/alluse-core/internal/llms"
	"github.com/trueasset/alluse-core/internal/marketdata"
	"github.com/trueasset/alluse-core/internal/orchestrator"
	"github.com/trueasset/alluse-core/internal/protocol"
	"github.com/trueasset/alluse-core/internal/rules"
	"github.com/trueasset/alluse-core/internal/telemetry"
	"github.com/trueasset/alluse-core/internal/workers"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Operational config file (optional; env and defaults otherwise)")
	paper := flag.Bool("paper", true, "Use the paper broker and simulated feeds")
	capital := flag.Float64("capital", 300000, "Total capital split across the sleeves")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting alluse core",
		zap.String("listenAddr", cfg.ListenAddr),
		zap.String("dataDir", cfg.DataDir),
		zap.Bool("paper", *paper))

	// The Constitution: loaded once, immutable for the process run.
	raw, err := os.ReadFile(cfg.ConstitutionPath)
	if err != nil {
		logger.Fatal("failed to read constitution document", zap.Error(err))
	}
	cons, err := constitution.Load(raw)
	if err != nil {
		logger.Fatal("constitution rejected", zap.Error(err))
	}
	logger.Info("constitution loaded", zap.String("version", cons.Version()))

	// The audit log. Its version-stamped first record is appended by
	// the Orchestrator at Start.
	auditLog, err := audit.Open(logger, filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}
	defer auditLog.Close()

	// The ATR service over its ordered source fallback chain.
	var sources []atr.DataSource
	if *paper {
		sources = append(sources, atr.NewSimSource("sim-bars", 0.9))
	} else {
		sources = append(sources,
			atr.NewHTTPSource("primary-bars", envOr("ALLUSE_BARS_PRIMARY_URL", "http://127.0.0.1:9101"), 1.0),
			atr.NewHTTPSource("secondary-bars", envOr("ALLUSE_BARS_SECONDARY_URL", "http://127.0.0.1:9102"), 0.8),
		)
	}
	atrSvc := atr.New(logger, sources, cfg.ATRCacheTTL)

	// Market data over the feed fallback chain.
	var feeds []marketdata.Feed
	if *paper {
		feeds = append(feeds,
			marketdata.NewSimFeed("sim-primary", 500*time.Millisecond, nil),
			marketdata.NewSimFeed("sim-secondary", 500*time.Millisecond, nil),
		)
	} else {
		feeds = append(feeds,
			marketdata.NewWSFeed(logger, "primary", envOr("ALLUSE_FEED_PRIMARY_URL", "ws://127.0.0.1:9201/stream")),
			marketdata.NewWSFeed(logger, "secondary", envOr("ALLUSE_FEED_SECONDARY_URL", "ws://127.0.0.1:9202/stream")),
		)
	}
	mdManager := marketdata.New(logger, cons, auditLog, feeds)

	// Rules, protocol, and accounts in dependency order.
	rulesEngine := rules.New(logger, cons, auditLog)
	protocolEngine := protocol.New(logger, cons, atrSvc, auditLog)
	accounts := account.New(logger, cons, rulesEngine, auditLog)

	// Execution over the broker adapter.
	adapter := broker.NewPaper(logger, broker.DefaultPaperConfig())
	bus := events.New(logger, events.Config{
		Workers:   cfg.EventBusWorkers,
		QueueSize: cfg.EventBusQueueSize,
	})
	execEngine := execution.New(logger, execution.Config{
		SubmissionQueueSize: cfg.SubmissionQueueSize,
		DailyVolumeCap:      cfg.DailyVolumeCap,
		OrderTimeout:        cfg.OrderTimeout,
		SubmitDeadline:      cfg.OrderSubmitDeadline,
		DispatchInterval:    100 * time.Millisecond,
	}, cons, rulesEngine, auditLog, adapter, bus)

	pool := workers.New(logger, workers.Config{
		Name:          "core",
		NumWorkers:    cfg.WorkerPoolSize,
		QueueSize:     cfg.WorkerQueueSize,
		TaskTimeout:   30 * time.Second,
		DrainDeadline: cfg.DrainDeadline,
	})
	metrics := telemetry.New()

	var ladder *llms.Ladder
	if cfg.LLMSEnabled {
		ladder, err = llms.New(logger, cons, rulesEngine, accounts, auditLog)
		if err != nil {
			logger.Fatal("llms module misconfigured", zap.Error(err))
		}
	}

	orch := orchestrator.New(logger, orchestrator.Deps{
		Config:       cfg,
		Constitution: cons,
		AuditLog:     auditLog,
		ATRService:   atrSvc,
		MarketData:   mdManager,
		RulesEngine:  rulesEngine,
		Protocol:     protocolEngine,
		Accounts:     accounts,
		Execution:    execEngine,
		Broker:       adapter,
		Bus:          bus,
		Pool:         pool,
		Metrics:      metrics,
		Ladder:       ladder,
	})

	seedAccounts(logger, cons, accounts, decimal.NewFromFloat(*capital))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("orchestrator failed to start", zap.Error(err))
	}

	server := api.NewServer(logger, cfg.ListenAddr, orch, bus, metrics)
	if err := server.Run(ctx); err != nil {
		logger.Error("api server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.DrainDeadline)
	defer cancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("orchestrator stop failed", zap.Error(err))
	}
}

// seedAccounts creates the three root sleeve accounts, splitting the
// capital pool by each sleeve's allocation ratio. Ratio consistency is
// validated at Constitution load, so a bad document never reaches here.
func seedAccounts(logger *zap.Logger, cons *constitution.Constitution, accounts *account.Manager, total decimal.Decimal) {
	for _, sleeve := range []types.Sleeve{types.SleeveGen, types.SleeveRev, types.SleeveCom} {
		rulesFor, err := cons.Sleeve(constitution.Sleeve(sleeve))
		if err != nil {
			logger.Fatal("sleeve missing from constitution", zap.String("sleeve", string(sleeve)), zap.Error(err))
		}
		alloc := total.Mul(rulesFor.AllocationRatio)
		acc, err := accounts.CreateAccount(sleeve, "", alloc)
		if err != nil {
			logger.Fatal("failed to seed account", zap.String("sleeve", string(sleeve)), zap.Error(err))
		}
		logger.Info("seeded sleeve account",
			zap.String("sleeve", string(sleeve)),
			zap.String("accountId", acc.ID),
			zap.String("capital", alloc.String()))
	}
}

func setupLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
