package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/access"
)

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "EMERGENCY_THRESHOLD_BPS", "STALENESS_THRESHOLD", "API_KEYS", "ROLE_GRANTS", "ENV", "MANAGEMENT_FEE_BPS", "PERFORMANCE_FEE_BPS", "FEE_RECIPIENT"} {
		setEnv(t, k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, uint64(DefaultEmergencyThresholdBps), cfg.EmergencyThresholdBps)
	assert.Equal(t, DefaultStalenessThreshold, cfg.StalenessThreshold)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, int32(DefaultAssetDecimals), cfg.AssetDecimals)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoad_FromEnv(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "staging")
	setEnv(t, "EMERGENCY_THRESHOLD_BPS", "9200")
	setEnv(t, "STALENESS_THRESHOLD", "15m")
	setEnv(t, "RECONCILE_INTERVAL", "30s")
	setEnv(t, "MANAGEMENT_FEE_BPS", "100")
	setEnv(t, "PERFORMANCE_FEE_BPS", "1000")
	setEnv(t, "FEE_RECIPIENT", addrA)
	setEnv(t, "API_KEYS", "sk_guardian000000000000="+addrB)
	setEnv(t, "ROLE_GRANTS", "emergency="+addrB+";admin="+addrA)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint64(9200), cfg.EmergencyThresholdBps)
	assert.Equal(t, 15*time.Minute, cfg.StalenessThreshold)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, uint64(100), cfg.ManagementFeeBps)
	assert.Equal(t, addrB, cfg.APIKeys["sk_guardian000000000000"])

	acl := cfg.ACL()
	assert.True(t, acl.HasRole(addrB, access.RoleEmergency))
	assert.True(t, acl.HasRole(addrA, access.RoleAdmin))
	assert.False(t, acl.HasRole(addrA, access.RoleEmergency))
}

func TestLoad_BadRoleGrants(t *testing.T) {
	setEnv(t, "ROLE_GRANTS", "superuser="+addrA)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLE_GRANTS")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			EmergencyThresholdBps: 9000,
			StalenessThreshold:    time.Hour,
			ReconcileInterval:     time.Minute,
			AssetDecimals:         6,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero threshold", func(c *Config) { c.EmergencyThresholdBps = 0 }, "EMERGENCY_THRESHOLD_BPS"},
		{"threshold above scale", func(c *Config) { c.EmergencyThresholdBps = 10001 }, "EMERGENCY_THRESHOLD_BPS"},
		{"threshold at scale", func(c *Config) { c.EmergencyThresholdBps = 10000 }, ""},
		{"zero staleness", func(c *Config) { c.StalenessThreshold = 0 }, "STALENESS_THRESHOLD"},
		{"zero interval", func(c *Config) { c.ReconcileInterval = 0 }, "RECONCILE_INTERVAL"},
		{"management fee", func(c *Config) { c.ManagementFeeBps = 201; c.FeeRecipient = addrA }, "MANAGEMENT_FEE_BPS"},
		{"performance fee", func(c *Config) { c.PerformanceFeeBps = 2001; c.FeeRecipient = addrA }, "PERFORMANCE_FEE_BPS"},
		{"fee without recipient", func(c *Config) { c.ManagementFeeBps = 100 }, "FEE_RECIPIENT is required"},
		{"bad recipient", func(c *Config) { c.FeeRecipient = "0xfees" }, "FEE_RECIPIENT must be"},
		{"decimals", func(c *Config) { c.AssetDecimals = 19 }, "ASSET_DECIMALS"},
		{"production without keys", func(c *Config) { c.Env = "production" }, "API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys(" sk_a=" + addrA + " , sk_b=0x2222222222222222222222222222222222222222,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sk_a": addrA, "sk_b": addrB}, keys)

	for _, bad := range []string{"sk_a", "=" + addrA, "sk_a=0xnope", "sk_a=" + addrA + ",sk_a=" + addrB} {
		_, err := ParseAPIKeys(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseRoleGrants(t *testing.T) {
	grants, err := ParseRoleGrants("allocator=" + addrB + "|" + addrA + "; Allocator=" + addrA + ";feed_writer=" + addrA)
	require.NoError(t, err)
	assert.Equal(t, []string{addrA, addrB}, grants[access.RoleAllocator])
	assert.Equal(t, []string{addrA}, grants[access.RoleFeedWriter])

	_, err = ParseRoleGrants("admin")
	assert.Error(t, err)
	_, err = ParseRoleGrants("admin=0xbad")
	assert.Error(t, err)
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "90s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
}
