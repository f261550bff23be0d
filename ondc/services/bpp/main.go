package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
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

	// Initialize dependencies
	runner := tasks.New("bpp")
	useCase := NewOrderUseCase(
		repository,
		protocol.NewValidator(cfg.CancellationReasons, cfg.MaxRequestAge),
		NewDecisionEngine(cfg.ForceRejectItemID, cfg.ServiceablePincodes, cfg.NonCancellableStates),
		NewResponseBuilder(cfg),
		delivery.NewEngine(cfg.DeliveryPolicy()),
		runner,
		LogRefunder{},
	)
	handler := NewOrderHandler(useCase, cfg.Identity(), cfg.ServiceName, providers.Tracer.Tracer(cfg.ServiceName))

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
		log.Printf("🚀 BPP Service %s listening on port %s | Storage: %s", cfg.BppID, cfg.Port, cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("🛑 Shutting down BPP Service...")

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

	pool, err := initDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	repository := NewPostgresOrderRepository(pool)
	if err := repository.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository, pool.Close, nil
}

func initDB(ctx context.Context, db DatabaseConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(db.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to bpp database with connection pool")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}
