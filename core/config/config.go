package config

import (
	"fmt"
	"os"
	"strconv"

	"mindops.dev/sidecar/core/db"
)

// Config holds all application configuration.
type Config struct {
	// Env is the environment name (development, staging, production)
	Env string

	// Port is the HTTP server port
	Port string

	// DB holds database configuration
	DB db.Config

	// OTel holds OpenTelemetry exporter configuration
	OTel OTelConfig

	// Redis holds the ingest stream connection configuration
	Redis RedisConfig

	// HTTP holds the ambient control-surface configuration
	HTTP HTTPConfig

	// Guardrails bounds the pipeline's retry/timeout behavior and the
	// reflector's default lease TTL
	Guardrails GuardrailsConfig

	// ObserverLLM configures the ChatObserverAdapter's structured-output client
	ObserverLLM ObserverLLMConfig

	// Reflector configures the detached reflector worker's lock/lease identity
	Reflector ReflectorConfig
}

// ObserverLLMConfig configures common/llm.Client for the ChatObserverAdapter.
type ObserverLLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Provider    string
	ProfileID   string
	Temperature float64
}

// Enabled reports whether an API key has been configured.
func (c ObserverLLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// ReflectorConfig identifies the reflector worker's lock/lease ownership and
// tick behavior.
type ReflectorConfig struct {
	ScopeID        string
	LockPath       string
	MaxJobsPerTick int
	TickInterval   int // milliseconds
}

// OTelConfig configures the OTLP exporters in common/otel.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether an OTLP endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// RedisConfig configures the ingest stream consumer (internal/ingest).
type RedisConfig struct {
	Addr        string
	Stream      string
	Group       string
	Consumer    string
	BlockMillis int
}

// HTTPConfig configures the ambient gin control surface.
type HTTPConfig struct {
	AdminKey string
}

// GuardrailsConfig maps directly onto model.Guardrails; kept as a distinct
// config type so env-var parsing stays in this package.
type GuardrailsConfig struct {
	MaxRetries          int
	PerAttemptTimeoutMS int64
	ReflectorLeaseTTLMS int64
}

// Load loads configuration from environment variables. It provides sensible
// defaults for development.
func Load() Config {
	return Config{
		Env:  getEnv("SIDECAR_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		DB: db.Config{
			DSN:      buildDSN(),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "mind-sidecar"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Stream:      getEnv("REDIS_TURN_STREAM", "sidecar:turns"),
			Group:       getEnv("REDIS_TURN_GROUP", "sidecar-observer"),
			Consumer:    getEnv("REDIS_TURN_CONSUMER", hostnameOrFallback("sidecar-consumer")),
			BlockMillis: getEnvInt("REDIS_BLOCK_MS", 5_000),
		},
		HTTP: HTTPConfig{
			AdminKey: getEnv("SIDECAR_ADMIN_KEY", ""),
		},
		Guardrails: GuardrailsConfig{
			MaxRetries:          getEnvInt("OBSERVER_MAX_RETRIES", 2),
			PerAttemptTimeoutMS: int64(getEnvInt("OBSERVER_ATTEMPT_TIMEOUT_MS", 20_000)),
			ReflectorLeaseTTLMS: int64(getEnvInt("REFLECTOR_LEASE_TTL_MS", 30_000)),
		},
		ObserverLLM: ObserverLLMConfig{
			APIKey:      getEnv("OBSERVER_LLM_API_KEY", ""),
			BaseURL:     getEnv("OBSERVER_LLM_BASE_URL", ""),
			Model:       getEnv("OBSERVER_LLM_MODEL", "gpt-4o-mini"),
			Provider:    getEnv("OBSERVER_LLM_PROVIDER", "openai"),
			ProfileID:   getEnv("OBSERVER_LLM_PROFILE_ID", "default"),
			Temperature: getEnvFloat("OBSERVER_LLM_TEMPERATURE", 0.2),
		},
		Reflector: ReflectorConfig{
			ScopeID:        getEnv("REFLECTOR_SCOPE_ID", "default"),
			LockPath:       getEnv("REFLECTOR_LOCK_PATH", "/tmp/sidecar-reflector.lock"),
			MaxJobsPerTick: getEnvInt("REFLECTOR_MAX_JOBS_PER_TICK", 10),
			TickInterval:   getEnvInt("REFLECTOR_TICK_INTERVAL_MS", 2_000),
		},
	}
}

// buildDSN constructs the database connection string from individual env vars.
func buildDSN() string {
	host := getEnv("DATABASE_HOST", "localhost")
	port := getEnv("DATABASE_PORT", "5432")
	user := getEnv("DATABASE_USER", "postgres")
	password := getEnv("DATABASE_PASSWORD", "postgres")
	name := getEnv("DATABASE_NAME", "sidecar")
	sslMode := getEnv("DATABASE_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslMode,
	)
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func hostnameOrFallback(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
