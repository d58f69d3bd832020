// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory event log if not set)
	DatabaseURL string

	// Tracing (optional, tracing disabled if not set)
	OTLPEndpoint string

	// Risk and emergency
	EmergencyThresholdBps uint64
	StalenessThreshold    time.Duration
	ReconcileInterval     time.Duration

	// Vault
	ManagementFeeBps  uint64
	PerformanceFeeBps uint64
	FeeRecipient      string
	AssetDecimals     int32

	// Access
	APIKeys      map[string]string        // raw key -> principal address
	RoleGrants   map[access.Role][]string // role -> principal addresses
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin without credentials
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultEmergencyThresholdBps = 9000
	DefaultStalenessThreshold    = time.Hour
	DefaultReconcileInterval     = time.Minute
	DefaultAssetDecimals         = 6
	DefaultRateLimitRPM          = 600

	maxBps               = 10000
	maxManagementFeeBps  = 200
	maxPerformanceFeeBps = 2000
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	apiKeys, err := ParseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}
	grants, err := ParseRoleGrants(os.Getenv("ROLE_GRANTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EmergencyThresholdBps: uint64(getEnvInt64("EMERGENCY_THRESHOLD_BPS", DefaultEmergencyThresholdBps)),
		StalenessThreshold:    getEnvDuration("STALENESS_THRESHOLD", DefaultStalenessThreshold),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ManagementFeeBps:      uint64(getEnvInt64("MANAGEMENT_FEE_BPS", 0)),
		PerformanceFeeBps:     uint64(getEnvInt64("PERFORMANCE_FEE_BPS", 0)),
		FeeRecipient:          strings.ToLower(strings.TrimSpace(os.Getenv("FEE_RECIPIENT"))),
		AssetDecimals:         int32(getEnvInt64("ASSET_DECIMALS", DefaultAssetDecimals)),
		APIKeys:               apiKeys,
		RoleGrants:            grants,
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:           splitNonEmpty(os.Getenv("CORS_ORIGINS"), ","),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.EmergencyThresholdBps == 0 || c.EmergencyThresholdBps > maxBps {
		return fmt.Errorf("EMERGENCY_THRESHOLD_BPS must be in 1..%d, got %d", maxBps, c.EmergencyThresholdBps)
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("STALENESS_THRESHOLD must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ManagementFeeBps > maxManagementFeeBps {
		return fmt.Errorf("MANAGEMENT_FEE_BPS must be at most %d", maxManagementFeeBps)
	}
	if c.PerformanceFeeBps > maxPerformanceFeeBps {
		return fmt.Errorf("PERFORMANCE_FEE_BPS must be at most %d", maxPerformanceFeeBps)
	}
	if (c.ManagementFeeBps > 0 || c.PerformanceFeeBps > 0) && c.FeeRecipient == "" {
		return fmt.Errorf("FEE_RECIPIENT is required when fees are set")
	}
	if c.FeeRecipient != "" && !validation.IsValidAddress(c.FeeRecipient) {
		return fmt.Errorf("FEE_RECIPIENT must be a valid address")
	}
	if c.AssetDecimals < 0 || c.AssetDecimals > 18 {
		return fmt.Errorf("ASSET_DECIMALS must be in 0..18")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
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

// ACL builds the role table from RoleGrants.
func (c *Config) ACL() *access.ACL {
	return access.FromGrants(c.RoleGrants)
}

// ParseAPIKeys parses "sk_key=0xaddr,sk_other=0xaddr".
func ParseAPIKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range splitNonEmpty(s, ",") {
		raw, addr, ok := strings.Cut(pair, "=")
		raw, addr = strings.TrimSpace(raw), strings.TrimSpace(addr)
		if !ok || raw == "" {
			return nil, fmt.Errorf("API_KEYS: entry %q is not key=address", pair)
		}
		norm, valid := validation.NormalizeAddress(addr)
		if !valid {
			return nil, fmt.Errorf("API_KEYS: %q is not a valid address", addr)
		}
		if _, dup := keys[raw]; dup {
			return nil, fmt.Errorf("API_KEYS: duplicate key for %s", norm)
		}
		keys[raw] = norm
	}
	return keys, nil
}

// ParseRoleGrants parses "admin=0xa|0xb;emergency=0xc". Addresses are
// lower-cased and de-duplicated per role.
func ParseRoleGrants(s string) (map[access.Role][]string, error) {
	grants := make(map[access.Role][]string)
	for _, entry := range splitNonEmpty(s, ";") {
		name, list, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("ROLE_GRANTS: entry %q is not role=address|address", entry)
		}
		role, err := access.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("ROLE_GRANTS: %w", err)
		}
		seen := make(map[string]bool)
		for _, a := range grants[role] {
			seen[a] = true
		}
		for _, addr := range splitNonEmpty(list, "|") {
			norm, valid := validation.NormalizeAddress(addr)
			if !valid {
				return nil, fmt.Errorf("ROLE_GRANTS: %q is not a valid address", addr)
			}
			if !seen[norm] {
				seen[norm] = true
				grants[role] = append(grants[role], norm)
			}
		}
		sort.Strings(grants[role])
	}
	return grants, nil
}

// Helper functions

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
