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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/matheusmosca/ondc-callback-relay/ondc/delivery"
	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
	"github.com/matheusmosca/ondc-callback-relay/ondc/tasks"
	"github.com/matheusmosca/ondc-callback-relay/ondc/telemetry"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	providers, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down telemetry: %v", err)
		}
	}()

	repository, closeRepository, err := initRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize repository: %v", err)
	}
	defer closeRepository()

	reconciler, err := NewReconciler(cfg.ReconcileAxes)
	if err != nil {
		log.Fatalf("Failed to configure reconciliation: %v", err)
	}

	// Initialize dependencies
	validator := protocol.NewValidator(cfg.CancellationReasons, cfg.MaxRequestAge)
	runner := tasks.New("bap")
	processor := NewCallbackProcessor(repository, validator, reconciler, LogNotifier{})
	useCase := NewOrderUseCase(repository, validator, delivery.NewEngine(cfg.DeliveryPolicy()), runner, cfg)
	handler := NewOrderHandler(processor, useCase, cfg.Identity(), cfg.ServiceName, providers.Tracer.Tracer(cfg.ServiceName))

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	registerRoutes(r, handler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Printf("🚀 BAP Service %s listening on port %s | BPP: %s | Reconcile: %v", cfg.BapID, cfg.Port, cfg.BppURI, reconciler.Axes())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("🛑 Shutting down BAP Service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error draining tasks: %v (%d still running)", err, runner.InFlight())
	}
}

// initRepository retorna o repositório configurado e sua função de cleanup
func initRepository(ctx context.Context, cfg Config) (Repository, func(), error) {
	if cfg.Storage != "postgres" {
		log.Println("⚠️ Using in-memory order storage, records are lost on restart")
		return NewMemoryOrderRepository(), func() {}, nil
	}

	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	repository := NewPostgresOrderRepository(db)
	if err := repository.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository, func() { db.Close() }, nil
}

func initDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.PingContext(ctx); err == nil {
			log.Println("✅ Connected to bap database")
			return db, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}
