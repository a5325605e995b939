package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string        `env:"APP_ENV"`
	Addr               string        `env:"API_ADDR" validate:"required"`
	LogLevel           string        `env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	DatabaseURL        string        `env:"DATABASE_URL" validate:"omitempty,url"`
	LedgerMaxRecords   int           `env:"LEDGER_MAX_RECORDS" validate:"min=1"`
	AdminUser          string        `env:"ADMIN_USER"`
	GitHubAPIURL       string        `env:"GITHUB_API_URL" validate:"omitempty,url"`
	IdentityCacheTTL   time.Duration `env:"IDENTITY_CACHE_TTL" validate:"gte=0"`
	IdentityCacheSize  int           `env:"IDENTITY_CACHE_SIZE" validate:"min=1"`
	RateLimitRedisAddr string        `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string        `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int           `env:"RATE_LIMIT_REDIS_DB" validate:"min=0"`
	RateLimits         RateLimitConfig
	FrontendURL        string        `env:"FRONTEND_URL"`
	Deployer           DeployerConfig
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		LedgerMaxRecords:   GetInt("LEDGER_MAX_RECORDS", 1000),
		AdminUser:          GetString("ADMIN_USER", ""),
		GitHubAPIURL:       GetString("GITHUB_API_URL", ""),
		IdentityCacheTTL:   GetDuration("IDENTITY_CACHE_TTL", 5*time.Minute),
		IdentityCacheSize:  GetInt("IDENTITY_CACHE_SIZE", 512),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimits:         LoadRateLimitConfig(),
		FrontendURL:        GetString("FRONTEND_URL", "http://localhost:5173"),
		Deployer:           LoadDeployerConfig(),
	}
}

// RateLimitConfig bounds requests per caller for each class of route. A limit
// of zero disables limiting for that class.
type RateLimitConfig struct {
	Deploys       int           `env:"RATE_LIMIT_DEPLOYS" validate:"min=0"`
	Writes        int           `env:"RATE_LIMIT_WRITES" validate:"min=0"`
	Reads         int           `env:"RATE_LIMIT_READS" validate:"min=0"`
	Streams       int           `env:"RATE_LIMIT_STREAMS" validate:"min=0"`
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" validate:"gt=0"`
	StreamsWindow time.Duration `env:"RATE_LIMIT_STREAMS_WINDOW" validate:"gt=0"`
}

// LoadRateLimitConfig reads the per-class limits.
func LoadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Deploys:       GetInt("RATE_LIMIT_DEPLOYS", 10),
		Writes:        GetInt("RATE_LIMIT_WRITES", 60),
		Reads:         GetInt("RATE_LIMIT_READS", 120),
		Streams:       GetInt("RATE_LIMIT_STREAMS", 30),
		Window:        GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		StreamsWindow: GetDuration("RATE_LIMIT_STREAMS_WINDOW", 30*time.Second),
	}
}
