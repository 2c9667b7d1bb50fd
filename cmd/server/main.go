package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/polisource/be-refdata-approvals/internal/client"
	"github.com/polisource/be-refdata-approvals/internal/config"
	"github.com/polisource/be-refdata-approvals/internal/database"
	"github.com/polisource/be-refdata-approvals/internal/handler"
	"github.com/polisource/be-refdata-approvals/internal/logger"
	"github.com/polisource/be-refdata-approvals/internal/middleware"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Reference Data Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	sheetRepo := repository.NewSheetRepository(db)
	stagingRepo := repository.NewStagingRepository(db)
	masterRepo := repository.NewMasterRepository(db)
	stateRepo := repository.NewWorkflowStateRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	store := repository.NewStore(db, sheetRepo, stagingRepo, masterRepo, stateRepo, auditRepo)

	// Initialize workflow engine client
	engine := client.NewFlowableClient(client.Config{
		BaseURL:  cfg.Engine.BaseURL,
		Username: cfg.Engine.Username,
		Password: cfg.Engine.Password,
		Timeout:  cfg.Engine.Timeout,
	})
	log.Info().Str("engine_url", cfg.Engine.BaseURL).Msg("Workflow engine client initialized")

	// Initialize event publisher. An empty NATS URL runs the service without
	// event publishing.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, event publishing disabled")
	}
	events := client.NewEventPublisher(natsConn, log.Logger)

	// Initialize services
	stagingService := service.NewStagingService(store, engine, events, cfg.Engine.ProcessDefinition, log)
	approvalService := service.NewApprovalService(store, engine, events, log)
	migrationService := service.NewMigrationService(store, events, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(stagingService, approvalService, migrationService, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", httpHandler.Health)

	mux.HandleFunc("/api/v1/process/start", httpHandler.StartProcess)
	mux.HandleFunc("/api/v1/process/cancel", httpHandler.CancelProcess)
	mux.HandleFunc("/api/v1/stages/submit", httpHandler.SubmitStage)
	mux.HandleFunc("/api/v1/stages/approval-data", httpHandler.GetApprovalData)
	mux.HandleFunc("/api/v1/stages/reject", httpHandler.RejectStage)
	mux.HandleFunc("/api/v1/stages/back", httpHandler.GoBack)
	mux.HandleFunc("/api/v1/rows/approve", httpHandler.ApproveRow)
	mux.HandleFunc("/api/v1/sheets/approve-all", httpHandler.ApproveAllRows)
	mux.HandleFunc("/api/v1/sheets/approve", httpHandler.ApproveSheet)
	mux.HandleFunc("/api/v1/sheets", httpHandler.ListSheets)
	mux.HandleFunc("/api/v1/migration/run", httpHandler.RunMigration)
	mux.HandleFunc("/api/v1/audit", httpHandler.AuditTrail)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Principal(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
