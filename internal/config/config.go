package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tikslop/videogen-gateway/internal/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration for the gateway process.
type Config struct {
	// Listen port; defaults to 8080
	Port string

	// Product identity
	ProductName     string
	MaintenanceMode bool
	MaxNodes        int

	// Upstream credentials
	HFToken     string
	SecretToken string
	TextModel   string

	// Video worker pool, in round-robin order, empty entries filtered out
	VideoEndpoints []string

	AdminAccounts []string

	// Optional
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	// Identity service
	SkipAuth        bool
	DevelopmentMode bool
	Auth0Domain     string
	Auth0Audience   string

	// Connection-level admission control
	RateLimitWsIp   string
	RateLimitWsUser string

	// Optional OpenTelemetry tracing; no-op when empty
	OtelCollectorAddr string

	StaticDir string
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an aggregated error naming every missing/malformed variable at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.ProductName = getEnvOrDefault("PRODUCT_NAME", "videogen")
	cfg.MaintenanceMode = parseBoolish(os.Getenv("MAINTENANCE_MODE"))

	cfg.MaxNodes = 8
	if v := os.Getenv("MAX_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("MAX_NODES must be a positive integer (got '%s')", v))
		} else {
			cfg.MaxNodes = n
		}
	}

	cfg.HFToken = os.Getenv("HF_TOKEN")
	cfg.SecretToken = os.Getenv("SECRET_TOKEN")
	if cfg.SecretToken == "" {
		errs = append(errs, "SECRET_TOKEN is required to gate /api/metrics")
	}
	cfg.TextModel = getEnvOrDefault("TEXT_MODEL", "meta-llama/Llama-3.1-8B-Instruct")

	var endpoints []string
	for i := 1; i <= 8; i++ {
		url := os.Getenv(fmt.Sprintf("VIDEO_ROUND_ROBIN_SERVER_%d", i))
		if url != "" {
			endpoints = append(endpoints, url)
		}
	}
	if len(endpoints) > cfg.MaxNodes {
		endpoints = endpoints[:cfg.MaxNodes]
	}
	cfg.VideoEndpoints = endpoints

	if raw := os.Getenv("ADMIN_ACCOUNTS"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				cfg.AdminAccounts = append(cfg.AdminAccounts, a)
			}
		}
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")

	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.StaticDir = getEnvOrDefault("STATIC_DIR", "build/web")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// AllowedOriginsList splits the comma-separated ALLOWED_ORIGINS value,
// trimming whitespace and dropping empty entries, defaulting to localhost
// for local development when unset.
func (c *Config) AllowedOriginsList() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func parseBoolish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("product_name", cfg.ProductName),
		zap.Bool("maintenance_mode", cfg.MaintenanceMode),
		zap.Int("max_nodes", cfg.MaxNodes),
		zap.Int("video_endpoints", len(cfg.VideoEndpoints)),
		zap.String("hf_token", redactSecret(cfg.HFToken)),
		zap.String("secret_token", redactSecret(cfg.SecretToken)),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
	)
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
