// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ilpnet/connector/internal/validation"
)

// Config holds all connector configuration
type Config struct {
	// Node identity and server settings
	NodeID   string
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Ledger
	DatabaseURL  string // PostgreSQL connection string (optional, uses in-memory if not set)
	LedgerNumber uint32

	// Accounting
	TokenID            string
	DefaultCreditLimit string // big integer string, empty for unlimited
	CreditCeiling      string

	// Rate limiting / circuit breaker
	RateCapacity       float64
	RateRefillPerSec   float64
	ViolationThreshold int
	ViolationWindow    time.Duration
	BlockDuration      time.Duration
	AdaptiveRate       bool
	TrustedPeers       []string

	// Settlement
	SettlementPollInterval time.Duration
	SettlementThreshold    string        // big integer string, empty disables
	EVMRPCURL              string
	EVMChainID             int64
	EVMPrivateKey          string // hex, no 0x prefix
	XRPSigningKeyID        string
	XRPPrivateKey          string // 32-byte ed25519 seed, hex

	// Keys
	KeyBackend string // "local", "kms", "hsm"
	KMSBaseURL string
	KMSToken   string
	HSMModule  string
	HSMPin     string

	// Key rotation
	RotationEnabled    bool
	RotationInterval   int // days
	RotationOverlap    int // days
	RotationNotifyDays int // warn this many days before a rotation

	// Batch writer
	BatchSize     int
	FlushInterval time.Duration

	// Worker pool
	DecodeWorkers int
	MaxQueueSize  int

	// Telemetry
	TelemetryURL      string
	TelemetryBuffered bool

	// Alerts
	AlertWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	AlertEmailFrom  string
	AlertEmailTo    []string

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultTokenID          = "ILP"
	DefaultLedgerNumber     = 1
	DefaultRateCapacity     = 100
	DefaultRateRefill       = 100
	DefaultViolationThresh  = 5
	DefaultDecodeWorkers    = 8
	DefaultBatchSize        = 100
	DefaultRotationInterval   = 90
	DefaultRotationOverlap    = 7
	DefaultRotationNotifyDays = 14
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		NodeID:   os.Getenv("NODE_ID"), // Required, no default
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		LedgerNumber: uint32(getEnvInt64("LEDGER_NUMBER", DefaultLedgerNumber)),

		TokenID:            getEnv("TOKEN_ID", DefaultTokenID),
		DefaultCreditLimit: os.Getenv("DEFAULT_CREDIT_LIMIT"),
		CreditCeiling:      os.Getenv("CREDIT_CEILING"),

		RateCapacity:       getEnvFloat("RATE_CAPACITY", DefaultRateCapacity),
		RateRefillPerSec:   getEnvFloat("RATE_REFILL_PER_SEC", DefaultRateRefill),
		ViolationThreshold: int(getEnvInt64("VIOLATION_THRESHOLD", DefaultViolationThresh)),
		ViolationWindow:    getEnvDuration("VIOLATION_WINDOW", time.Minute),
		BlockDuration:      getEnvDuration("BLOCK_DURATION", 30*time.Second),
		AdaptiveRate:       getEnvBool("ADAPTIVE_RATE", true),
		TrustedPeers:       getEnvList("TRUSTED_PEERS"),

		SettlementPollInterval: getEnvDuration("SETTLEMENT_POLL_INTERVAL", 30*time.Second),
		SettlementThreshold:    os.Getenv("SETTLEMENT_THRESHOLD"),
		EVMRPCURL:              os.Getenv("EVM_RPC_URL"),
		EVMChainID:             getEnvInt64("EVM_CHAIN_ID", 0),
		EVMPrivateKey:          os.Getenv("EVM_PRIVATE_KEY"),
		XRPSigningKeyID:        os.Getenv("XRP_SIGNING_KEY_ID"),
		XRPPrivateKey:          os.Getenv("XRP_PRIVATE_KEY"),

		KeyBackend: getEnv("KEY_BACKEND", "local"),
		KMSBaseURL: os.Getenv("KMS_BASE_URL"),
		KMSToken:   os.Getenv("KMS_TOKEN"),
		HSMModule:  os.Getenv("HSM_MODULE"),
		HSMPin:     os.Getenv("HSM_PIN"),

		RotationEnabled:    getEnvBool("ROTATION_ENABLED", false),
		RotationInterval:   int(getEnvInt64("ROTATION_INTERVAL_DAYS", DefaultRotationInterval)),
		RotationOverlap:    int(getEnvInt64("ROTATION_OVERLAP_DAYS", DefaultRotationOverlap)),
		RotationNotifyDays: int(getEnvInt64("ROTATION_NOTIFY_DAYS", DefaultRotationNotifyDays)),

		BatchSize:     int(getEnvInt64("BATCH_SIZE", DefaultBatchSize)),
		FlushInterval: getEnvDuration("FLUSH_INTERVAL", 100*time.Millisecond),

		DecodeWorkers: int(getEnvInt64("DECODE_WORKERS", DefaultDecodeWorkers)),
		MaxQueueSize:  int(getEnvInt64("MAX_QUEUE_SIZE", 0)),

		TelemetryURL:      os.Getenv("TELEMETRY_URL"),
		TelemetryBuffered: getEnvBool("TELEMETRY_BUFFERED", true),

		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        int(getEnvInt64("SMTP_PORT", 587)),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		AlertEmailFrom:  os.Getenv("ALERT_EMAIL_FROM"),
		AlertEmailTo:    getEnvList("ALERT_EMAIL_TO"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required")
	}
	if c.RateCapacity <= 0 || c.RateRefillPerSec <= 0 {
		return fmt.Errorf("RATE_CAPACITY and RATE_REFILL_PER_SEC must be positive")
	}

	switch c.KeyBackend {
	case "local":
	case "kms":
		if c.KMSBaseURL == "" {
			return fmt.Errorf("KMS_BASE_URL is required for the kms key backend")
		}
	case "hsm":
		if c.HSMModule == "" {
			return fmt.Errorf("HSM_MODULE is required for the hsm key backend")
		}
	default:
		return fmt.Errorf("KEY_BACKEND must be local, kms, or hsm, got %q", c.KeyBackend)
	}

	if c.EVMRPCURL != "" {
		key := strings.TrimPrefix(c.EVMPrivateKey, "0x")
		if len(key) != 64 || !validation.IsValidHex(key) {
			return fmt.Errorf("EVM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.EVMChainID == 0 {
			return fmt.Errorf("EVM_CHAIN_ID is required when EVM_RPC_URL is set")
		}
	}

	if c.RotationEnabled {
		if c.RotationOverlap >= c.RotationInterval {
			return fmt.Errorf("ROTATION_OVERLAP_DAYS must be shorter than ROTATION_INTERVAL_DAYS")
		}
		if c.RotationNotifyDays <= 0 {
			return fmt.Errorf("ROTATION_NOTIFY_DAYS must be positive when rotation is enabled")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
