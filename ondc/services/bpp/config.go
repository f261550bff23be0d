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

// StoreConfig descreve a loja usada como ponto de partida do fulfillment
type StoreConfig struct {
	LocationID string
	Name       string
	GPS        string `validate:"required"`
	Street     string
	Locality   string
	City       string
	State      string
	Country    string
	Pincode    string `validate:"required"`
	Phone      string `validate:"required"`
	Email      string `validate:"omitempty,email"`
}

// DatabaseConfig contém as configurações de conexão com o Postgres
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     string `validate:"numeric"`
	Name     string
}

// DSN monta a connection string do pgx
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Config reúne toda a configuração do serviço BPP
type Config struct {
	Port        string `validate:"required,numeric"`
	ServiceName string `validate:"required"`
	BppID       string `validate:"required"`
	BppURI      string `validate:"required,url"`

	ServiceablePincodes []string `validate:"dive,required"`
	ForceRejectItemID   string
	PreparationTime     time.Duration `validate:"gt=0"`
	DeliveryTime        time.Duration `validate:"gt=0,gtefield=PreparationTime"`
	EnableTracking      bool
	Store               StoreConfig

	CancellationReasons  []string      `validate:"dive,numeric"`
	NonCancellableStates []string      `validate:"dive,required"`
	MaxRequestAge        time.Duration `validate:"gt=0"`

	DeliveryMaxAttempts    uint          `validate:"gte=1"`
	DeliveryInitialDelay   time.Duration `validate:"gt=0"`
	DeliveryAttemptTimeout time.Duration `validate:"gt=0"`

	Storage  string `validate:"oneof=memory postgres"`
	Database DatabaseConfig

	OTLPEndpoint    string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// Identity é a identidade de protocolo do próprio BPP
func (c Config) Identity() protocol.Identity {
	return protocol.Identity{Role: protocol.RoleBPP, ID: c.BppID, URI: c.BppURI}
}

// DeliveryPolicy retorna a política de entrega de callbacks
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
		Port:        getEnv("PORT", "8081"),
		ServiceName: getEnv("SERVICE_NAME", "bpp-service"),
		BppID:       getEnv("BPP_ID", "bpp.example.com"),
		BppURI:      getEnv("BPP_URI", "http://localhost:8081"),

		ServiceablePincodes: getEnvList("SERVICEABLE_PINCODES", []string{"560001"}),
		ForceRejectItemID:   getEnv("FORCE_REJECT_ITEM_ID", "REJECT_ME"),
		PreparationTime:     time.Duration(intEnv("PREPARATION_MINUTES", 15)) * time.Minute,
		DeliveryTime:        time.Duration(intEnv("DEFAULT_DELIVERY_MINUTES", 60)) * time.Minute,
		EnableTracking:      getEnv("ENABLE_TRACKING", "false") == "true",
		Store: StoreConfig{
			LocationID: getEnv("STORE_LOCATION_ID", "store-location-1"),
			Name:       getEnv("STORE_NAME", ""),
			GPS:        getEnv("STORE_GPS", "12.9716,77.5946"),
			Street:     getEnv("STORE_STREET", ""),
			Locality:   getEnv("STORE_LOCALITY", ""),
			City:       getEnv("CITY_NAME", ""),
			State:      getEnv("STATE_NAME", ""),
			Country:    getEnv("COUNTRY_CODE", "IND"),
			Pincode:    getEnv("STORE_PINCODE", "560001"),
			Phone:      getEnv("STORE_PHONE", "9999999999"),
			Email:      getEnv("STORE_EMAIL", ""),
		},

		CancellationReasons:  getEnvList("CANCELLATION_REASON_CODES", protocol.DefaultCancellationReasons),
		NonCancellableStates: getEnvList("NON_CANCELLABLE_STATES", DefaultNonCancellableStates),
		MaxRequestAge:        time.Duration(intEnv("MAX_REQUEST_AGE_SECONDS", 120)) * time.Second,

		DeliveryMaxAttempts:    uint(intEnv("DELIVERY_MAX_ATTEMPTS", int(delivery.DefaultMaxAttempts))),
		DeliveryInitialDelay:   time.Duration(intEnv("DELIVERY_INITIAL_DELAY_MS", 1000)) * time.Millisecond,
		DeliveryAttemptTimeout: time.Duration(intEnv("DELIVERY_ATTEMPT_TIMEOUT_MS", 8000)) * time.Millisecond,

		Storage: getEnv("STORAGE", "memory"),
		Database: DatabaseConfig{
			User:     getEnv("DATABASE_USER", "root"),
			Password: getEnv("DATABASE_PASSWORD", "pass"),
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnv("DATABASE_PORT", "5432"),
			Name:     getEnv("DATABASE_NAME", "bpp_db"),
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

// getEnvList separa uma variável por vírgulas, descartando vazios
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
