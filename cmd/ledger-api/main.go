package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"carbon-ledger/settlement-backend/internal/accounts"
	"carbon-ledger/settlement-backend/internal/certificates"
	"carbon-ledger/settlement-backend/internal/config"
	"carbon-ledger/settlement-backend/internal/devices"
	"carbon-ledger/settlement-backend/internal/ledger"
	"carbon-ledger/settlement-backend/internal/marketplace"
	"carbon-ledger/settlement-backend/internal/oracle"
	"carbon-ledger/settlement-backend/internal/stats"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := gorm.Open(postgres.Open(cfg.Database.GetDatabaseURL()), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&accounts.Account{},
		&devices.Device{},
		&ledger.CarbonCredit{},
		&ledger.AuditEntry{},
		&stats.UserStats{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	// Separate read connection for the marketplace query layer.
	readDB, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		logger.Fatal("failed to connect read database", zap.Error(err))
	}
	defer readDB.Close()

	chain := oracle.NewClient(oracle.ClientConfig{
		BaseURL:             cfg.Oracle.BaseURL,
		RequestTimeout:      cfg.Oracle.RequestTimeout,
		ConfirmationTimeout: cfg.Oracle.ConfirmationTimeout,
		PollInterval:        cfg.Oracle.PollInterval,
		ContractAddress:     cfg.Oracle.ContractAddress,
	}, logger)

	store := ledger.NewGormStore(db)
	directory := accounts.NewGormDirectory(db)
	registry := devices.NewGormRegistry(db)
	statsService := stats.NewService(db, logger)

	issuance := ledger.NewIssuanceEngine(store, chain, directory, registry, statsService, logger, ledger.IssuanceConfig{
		CarbonFactor:        cfg.Ledger.CarbonFactor,
		ConfidenceThreshold: cfg.Ledger.ConfidenceThreshold,
		MintConfidence:      cfg.Ledger.MintConfidence,
	})
	transfer := ledger.NewTransferEngine(store, chain, directory, statsService, logger, ledger.TransferConfig{
		ConfidenceThreshold: cfg.Ledger.ConfidenceThreshold,
		MaxApplyAttempts:    cfg.Ledger.MaxApplyAttempts,
	})
	retirement := ledger.NewRetirementEngine(store, statsService, logger)

	ledgerService := ledger.NewService(issuance, transfer, retirement, store, chain, logger)
	certGenerator := certificates.NewGenerator(certificates.DefaultOptions())
	ledgerHandler := ledger.NewHandler(ledgerService, certGenerator, logger)

	marketplaceRepo := marketplace.NewPostgresRepository(readDB)
	marketplaceService := marketplace.NewService(marketplaceRepo, logger)
	marketplaceHandler := marketplace.NewHandler(marketplaceService, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := stats.NewReconciler(db, logger, cfg.Stats.ReconcileSchedule)
	if err := reconciler.Start(ctx); err != nil {
		logger.Fatal("failed to start stats reconciler", zap.Error(err))
	}
	defer reconciler.Stop()

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
	})

	v1 := router.Group("/api/v1")
	ledgerHandler.RegisterRoutes(v1)
	marketplaceHandler.RegisterRoutes(v1)

	server := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("ledger API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
