package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/matheusmosca/ondc-callback-relay/ondc/delivery"
	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// DatabaseConfig contém as configurações de conexão com o Postgres
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     string `validate:"numeric"`
	Name     string
}

// DSN monta a connection string do lib/pq
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name,
	)
}

// Config reúne toda a configuração do serviço BAP
type Config struct {
	Port        string `validate:"required,numeric"`
	ServiceName string `validate:"required"`
	BapID       string `validate:"required"`
	BapURI      string `validate:"required,url"`

	// Contraparte e defaults de context dos requests enviados
	BppID       string `validate:"required"`
	BppURI      string `validate:"required,url"`
	Domain      string `validate:"required"`
	Country     string `validate:"required"`
	City        string `validate:"required"`
	CoreVersion string `validate:"required"`
	RequestTTL  string

	ReconcileAxes       []string      `validate:"min=1,dive,oneof=items quote fulfillment"`
	CancellationReasons []string      `validate:"dive,numeric"`
	MaxRequestAge       time.Duration `validate:"gt=0"`

	DeliveryMaxAttempts    uint          `validate:"gte=1"`
	DeliveryInitialDelay   time.Duration `validate:"gt=0"`
	DeliveryAttemptTimeout time.Duration `validate:"gt=0"`

	Storage  string `validate:"oneof=memory postgres"`
	Database DatabaseConfig

	OTLPEndpoint    string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Identity é a identidade de protocolo do próprio BAP
func (c Config) Identity() protocol.Identity {
	return protocol.Identity{Role: protocol.RoleBAP, ID: c.BapID, URI: c.BapURI}
}

// DeliveryPolicy retorna a política de entrega dos requests enviados
func (c Config) DeliveryPolicy() delivery.Policy {
	return delivery.Policy{
		MaxAttempts:    c.DeliveryMaxAttempts,
		InitialDelay:   c.DeliveryInitialDelay,
		AttemptTimeout: c.DeliveryAttemptTimeout,
	}
}

// loadConfig lê as variáveis de ambiente e valida o resultado
func loadConfig() (Config, error) {
	var errs []error
	intEnv := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:        getEnv("PORT", "8082"),
		ServiceName: getEnv("SERVICE_NAME", "bap-service"),
		BapID:       getEnv("BAP_ID", "bap.example.com"),
		BapURI:      getEnv("BAP_URI", "http://localhost:8082"),

		BppID:       getEnv("BPP_ID", "bpp.example.com"),
		BppURI:      getEnv("BPP_URI", "http://localhost:8081"),
		Domain:      getEnv("DOMAIN", "ONDC:RET10"),
		Country:     getEnv("COUNTRY_CODE", "IND"),
		City:        getEnv("CITY_CODE", "std:080"),
		CoreVersion: getEnv("CORE_VERSION", "1.2.0"),
		RequestTTL:  getEnv("REQUEST_TTL", "PT30S"),

		ReconcileAxes:       getEnvList("RECONCILE_AXES", DefaultReconcileAxes),
		CancellationReasons: getEnvList("CANCELLATION_REASON_CODES", protocol.DefaultCancellationReasons),
		MaxRequestAge:       time.Duration(intEnv("MAX_REQUEST_AGE_SECONDS", 120)) * time.Second,

		DeliveryMaxAttempts:    uint(intEnv("DELIVERY_MAX_ATTEMPTS", int(delivery.DefaultMaxAttempts))),
		DeliveryInitialDelay:   time.Duration(intEnv("DELIVERY_INITIAL_DELAY_MS", 1000)) * time.Millisecond,
		DeliveryAttemptTimeout: time.Duration(intEnv("DELIVERY_ATTEMPT_TIMEOUT_MS", 8000)) * time.Millisecond,

		Storage: getEnv("STORAGE", "memory"),
		Database: DatabaseConfig{
			User:     getEnv("DATABASE_USER", "root"),
			Password: getEnv("DATABASE_PASSWORD", "pass"),
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnv("DATABASE_PORT", "5432"),
			Name:     getEnv("DATABASE_NAME", "bap_db"),
		},

		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		ShutdownTimeout: time.Duration(intEnv("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non negative integer, got %q", key, value)
	}
	return n, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
