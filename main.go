package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/auth"
	"github.com/relaydesk-inc/followup-engine/pkg/config"
	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/crypto"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/handlers"
	"github.com/relaydesk-inc/followup-engine/pkg/middleware"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
	"github.com/relaydesk-inc/followup-engine/pkg/services"

	// Compiled-in tenant database drivers.
	_ "github.com/relaydesk-inc/followup-engine/pkg/connectors/mssql"
	_ "github.com/relaydesk-inc/followup-engine/pkg/connectors/postgres"
	_ "github.com/relaydesk-inc/followup-engine/pkg/connectors/sqlite"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("cron_enabled", cfg.Followup.CronEnabled))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Engine database + migrations
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	_ = sqlDB.Close()

	// Optional Redis dedupe cache
	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable; dedupe pre-check falls back to the database", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Credential encryption + tenant connection management
	cipher, err := crypto.NewCredentialCipher(cfg.CredentialsKey)
	if err != nil {
		return fmt.Errorf("initialize credential cipher: %w", err)
	}

	manager := connectors.NewManager(connectors.ManagerConfig{
		TTLMinutes:          cfg.Connector.ConnectionTTLMinutes,
		MaxPoolsPerBusiness: cfg.Connector.MaxPoolsPerBusiness,
		PoolMaxConns:        cfg.Connector.PoolMaxConns,
	}, logger)
	defer manager.Close()

	factory := connectors.NewClientFactory(manager, cipher, logger)

	// Repositories
	connectionRepo := repositories.NewConnectionRepository()
	mappingRepo := repositories.NewMappingRepository()
	ruleRepo := repositories.NewRuleRepository()
	deliveryRepo := repositories.NewDeliveryRepository()

	// Services
	connectionService := services.NewConnectionService(connectionRepo, factory, cipher, logger)
	mappingService := services.NewMappingService(mappingRepo, connectionRepo, factory, logger)
	ruleService := services.NewRuleService(ruleRepo, mappingRepo, logger)
	ledger := services.NewDeliveryLedger(deliveryRepo, redisClient, logger)

	senders := buildSenders(cfg, logger)
	engine := services.NewRuleEngine(db, ruleRepo, ledger, factory, senders, cfg, logger)

	scheduler := services.NewScheduler(engine, cfg, logger)
	if err := scheduler.Initialize(); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Auth
	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()

	authService := auth.NewAuthService(jwksClient, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)
	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(db, logger))

	// HTTP surface
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewMappingsHandler(mappingService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewRulesHandler(ruleService, engine, deliveryRepo, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewFollowupHandler(scheduler, logger).RegisterRoutes(mux, authMiddleware)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting followup-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Strings("drivers", driverNames()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildSenders wires each delivery channel to its provider. Without a
// configured webhook provider every channel uses the log sender, which is
// only suitable for development.
func buildSenders(cfg *config.Config, logger *zap.Logger) map[string]services.ChannelSender {
	var sender services.ChannelSender
	if cfg.Followup.WebhookSenderURL != "" {
		sender = services.NewWebhookSender(
			cfg.Followup.WebhookSenderURL,
			time.Duration(cfg.Followup.DispatchTimeoutSeconds)*time.Second,
			logger)
	} else {
		logger.Warn("No webhook sender configured; messages will be logged, not delivered")
		sender = services.NewLogSender(logger)
	}

	return map[string]services.ChannelSender{
		models.ChannelEmail:   sender,
		models.ChannelSMS:     sender,
		models.ChannelWebhook: sender,
	}
}

func driverNames() []string {
	infos := connectors.RegisteredDrivers()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Type
	}
	return names
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
