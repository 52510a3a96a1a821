package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser         string
	DBPass         string
	DBHost         string
	DBPort         string
	DBName         string
	SSLMode        string
	RedisHost      string
	RedisPort      string
	NatsHost       string
	NatsPort       string
	ApiPort        string
	BusProvider    string
	GRPCHost       string
	GRPCPort       string
	GRPCListenPort string
	BusBufferSize  int
	WorkerProvider string

	AllowedOrigins []string
	JWTSecret      string

	AIAPIKey    string
	AIBaseURL   string
	AIModel     string
	AIMaxTokens int

	RelayPassthrough bool
	RelayCacheTTL    time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	InitialCredits int64
	RetryBaseDelay time.Duration
	LogDevelopment bool
}

// New loads and validates configuration from environment variables.
// The AI key and JWT secret are required so the relay and sessions fail at
// startup rather than on the first request.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:         os.Getenv("CINECREDIT_POSTGRES_USER"),
		DBPass:         os.Getenv("CINECREDIT_POSTGRES_PASSWORD"),
		DBHost:         os.Getenv("CINECREDIT_POSTGRES_HOST"),
		DBPort:         getEnv("CINECREDIT_POSTGRES_PORT", "5432"),
		DBName:         os.Getenv("CINECREDIT_POSTGRES_DB"),
		SSLMode:        getEnv("CINECREDIT_POSTGRES_SSLMODE", "disable"),
		RedisHost:      os.Getenv("CINECREDIT_REDIS_HOST"),
		RedisPort:      getEnv("CINECREDIT_REDIS_PORT", "6379"),
		NatsHost:       os.Getenv("CINECREDIT_NATS_HOST"),
		NatsPort:       getEnv("CINECREDIT_NATS_PORT", "4222"),
		GRPCHost:       os.Getenv("CINECREDIT_GRPC_HOST"),
		GRPCPort:       os.Getenv("CINECREDIT_GRPC_PORT"),
		GRPCListenPort: getEnv("CINECREDIT_GRPC_LISTEN_PORT", "50051"),
		BusProvider:    getEnv("CINECREDIT_BUS_PROVIDER", "nats"),
		ApiPort:        getEnv("CINECREDIT_API_PORT", "3001"),
		BusBufferSize:  getEnvInt("CINECREDIT_BUS_BUFFER_SIZE", 1024),
		WorkerProvider: os.Getenv("CINECREDIT_WORKER_PROVIDER"),

		AllowedOrigins: splitList(getEnv("CINECREDIT_ALLOWED_ORIGINS", "*")),
		JWTSecret:      os.Getenv("CINECREDIT_JWT_SECRET"),

		AIAPIKey:    os.Getenv("CINECREDIT_AI_API_KEY"),
		AIBaseURL:   getEnv("CINECREDIT_AI_BASE_URL", "https://api.openai.com/v1"),
		AIModel:     getEnv("CINECREDIT_AI_MODEL", "gpt-3.5-turbo-16k"),
		AIMaxTokens: getEnvInt("CINECREDIT_AI_MAX_TOKENS", 500),

		RelayPassthrough: os.Getenv("CINECREDIT_RELAY_PASSTHROUGH") == "true",
		RelayCacheTTL:    time.Duration(getEnvInt("CINECREDIT_RELAY_CACHE_TTL", 0)) * time.Second,

		RateLimitRPS:   getEnvFloat("CINECREDIT_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("CINECREDIT_RATE_LIMIT_BURST", 20),

		InitialCredits: int64(getEnvInt("CINECREDIT_INITIAL_CREDITS", 50)),
		RetryBaseDelay: time.Duration(getEnvInt("CINECREDIT_RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		LogDevelopment: os.Getenv("CINECREDIT_LOG_DEVELOPMENT") == "true",
	}

	// Required: relay and sessions
	if cfg.AIAPIKey == "" {
		return nil, fmt.Errorf("missing required env: CINECREDIT_AI_API_KEY")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required env: CINECREDIT_JWT_SECRET")
	}

	if err := cfg.validateStores(); err != nil {
		return nil, err
	}

	if cfg.InitialCredits < 0 {
		return nil, fmt.Errorf("CINECREDIT_INITIAL_CREDITS must not be negative")
	}

	return cfg, nil
}

// NewMigrate loads only what cmd/migrate needs.
func NewMigrate() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("CINECREDIT_POSTGRES_USER"),
		DBPass:  os.Getenv("CINECREDIT_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("CINECREDIT_POSTGRES_HOST"),
		DBPort:  getEnv("CINECREDIT_POSTGRES_PORT", "5432"),
		DBName:  os.Getenv("CINECREDIT_POSTGRES_DB"),
		SSLMode: getEnv("CINECREDIT_POSTGRES_SSLMODE", "disable"),
	}
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required env for database: CINECREDIT_POSTGRES_USER/HOST/DB")
	}
	return cfg, nil
}

func (c *Config) validateStores() error {
	// Required: database
	if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("missing required env for database: CINECREDIT_POSTGRES_USER/HOST/DB")
	}

	// Required: redis
	if c.RedisHost == "" {
		return fmt.Errorf("missing required env for redis: CINECREDIT_REDIS_HOST")
	}

	if c.BusProvider != "nats" && c.BusProvider != "grpc" {
		return fmt.Errorf("invalid bus provider %q, must be 'nats' or 'grpc'", c.BusProvider)
	}

	// Worker provider defaults to the bus provider.
	if c.WorkerProvider == "" {
		c.WorkerProvider = c.BusProvider
	}
	if c.WorkerProvider != "nats" && c.WorkerProvider != "grpc" {
		return fmt.Errorf("invalid worker provider %q, must be 'nats' or 'grpc'", c.WorkerProvider)
	}
	if c.BusProvider == "grpc" && (c.GRPCHost == "" || c.GRPCPort == "") {
		return fmt.Errorf("missing required env for grpc bus: CINECREDIT_GRPC_HOST/PORT")
	}
	if (c.BusProvider == "nats" || c.WorkerProvider == "nats") && c.NatsHost == "" {
		return fmt.Errorf("missing required env for nats: CINECREDIT_NATS_HOST")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

func (c *Config) GRPCListenAddr() string {
	return ":" + c.GRPCListenPort
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

// BusAddr returns the connection address for the configured bus provider.
func (c *Config) BusAddr() string {
	if c.BusProvider == "nats" {
		return c.NatsAddr()
	}
	return c.GRPCAddr()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
