package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Scoring engine and analysis pipeline
	Engine   EngineConfig   `json:"engine"`
	Pipeline PipelineConfig `json:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`

	// Worker settings
	AsyncWorker bool     `json:"asyncWorker"`
	TenantIDs   []string `json:"tenantIds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig holds scoring engine settings.
type EngineConfig struct {
	// Timezone used for hour-of-day checks (IANA name, "Local" or "UTC").
	Timezone string `json:"timezone"`

	// Placeholder receiver country reported in result metadata.
	DefaultCountry string `json:"defaultCountry"`

	// Optional MaxMind country database for IP-based country lookup.
	GeoIPPath string `json:"geoipPath"`

	// Max DFS frames explored per circular flow search.
	CycleBudget int `json:"cycleBudget"`
}

// Location resolves the configured timezone.
func (c EngineConfig) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PipelineConfig holds analysis pipeline settings.
type PipelineConfig struct {
	HistoryWindow time.Duration `json:"historyWindow"` // optional cap; 0 loads the full history
	RecentWindow  time.Duration `json:"recentWindow"`
	GraphDepth    int           `json:"graphDepth"` // counterparty hops loaded for cycle detection
	HistoryTTL    time.Duration `json:"historyTtl"`
	AnalysisTTL   time.Duration `json:"analysisTtl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	ExporterType string  `json:"exporterType"` // otlp, none
	Endpoint     string  `json:"endpoint"`
	Insecure     bool    `json:"insecure"`
	SampleRatio  float64 `json:"sampleRatio"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			Timezone:       "Local",
			DefaultCountry: "US",
			CycleBudget:    200000,
		},
		Pipeline: PipelineConfig{
			RecentWindow:  24 * time.Hour,
			GraphDepth:    4,
			HistoryTTL:    60 * time.Second,
			AnalysisTTL:   300 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.ExporterType = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	cfg.AsyncWorker = true
	return cfg
}

// LoadConfig builds the configuration from a .env file (if present) and
// KESTREL_* environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if Tier(os.Getenv("KESTREL_TIER")) == TierPro {
		cfg = ProConfig()
	}

	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Engine.Timezone = getEnv("KESTREL_TIMEZONE", cfg.Engine.Timezone)
	cfg.Engine.DefaultCountry = strings.ToUpper(getEnv("KESTREL_DEFAULT_COUNTRY", cfg.Engine.DefaultCountry))
	cfg.Engine.GeoIPPath = getEnv("KESTREL_GEOIP_DB", cfg.Engine.GeoIPPath)
	cfg.Engine.CycleBudget = getEnvInt("KESTREL_CYCLE_BUDGET", cfg.Engine.CycleBudget)

	cfg.Pipeline.HistoryWindow = getEnvDuration("KESTREL_HISTORY_WINDOW", cfg.Pipeline.HistoryWindow)
	cfg.Pipeline.RecentWindow = getEnvDuration("KESTREL_RECENT_WINDOW", cfg.Pipeline.RecentWindow)
	cfg.Pipeline.GraphDepth = getEnvInt("KESTREL_GRAPH_DEPTH", cfg.Pipeline.GraphDepth)
	cfg.Pipeline.HistoryTTL = getEnvDuration("KESTREL_HISTORY_TTL", cfg.Pipeline.HistoryTTL)
	cfg.Pipeline.AnalysisTTL = getEnvDuration("KESTREL_ANALYSIS_TTL", cfg.Pipeline.AnalysisTTL)

	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("KESTREL_REDIS_DB", cfg.Cache.RedisDB)

	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)

	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing.Enabled = getEnvBool("KESTREL_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("KESTREL_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	if cfg.Tracing.Endpoint != "" && cfg.Tracing.ExporterType == "" {
		cfg.Tracing.ExporterType = "otlp"
	}

	cfg.Metrics.Enabled = getEnvBool("KESTREL_METRICS", cfg.Metrics.Enabled)
	cfg.AsyncWorker = getEnvBool("KESTREL_ASYNC_WORKER", cfg.AsyncWorker)
	if tenants := os.Getenv("KESTREL_TENANTS"); tenants != "" {
		cfg.TenantIDs = nil
		for _, t := range strings.Split(tenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.TenantIDs = append(cfg.TenantIDs, t)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if _, err := c.Engine.Location(); err != nil {
		return err
	}
	if len(c.Engine.DefaultCountry) != 2 {
		return fmt.Errorf("default country must be a 2-letter code, got %q", c.Engine.DefaultCountry)
	}
	if c.Pipeline.HistoryWindow < 0 {
		return fmt.Errorf("history window must not be negative")
	}
	if c.Pipeline.RecentWindow <= 0 || (c.Pipeline.HistoryWindow > 0 && c.Pipeline.HistoryWindow < c.Pipeline.RecentWindow) {
		return fmt.Errorf("history window %s must cover recent window %s", c.Pipeline.HistoryWindow, c.Pipeline.RecentWindow)
	}
	if c.Pipeline.GraphDepth < 0 {
		return fmt.Errorf("graph depth must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
