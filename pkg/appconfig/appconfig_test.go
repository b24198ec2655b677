package appconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t, "ONCHAIN_LOCK_TTL_SEC", "SECURITY_CACHE_TTL_S", "RULES_REFINER")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Onchain.LockTTLSec)
	require.Equal(t, 300, cfg.Security.CacheTTLS)
	require.Equal(t, "lexicon", cfg.Refine.RulesRefiner)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	os.Setenv("ONCHAIN_LOCK_TTL_SEC", "90")
	t.Cleanup(func() { os.Unsetenv("ONCHAIN_LOCK_TTL_SEC") })

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90, cfg.Onchain.LockTTLSec)
}

func TestStoreConfig_ConnectionStringPrefersPostgresURL(t *testing.T) {
	cfg := StoreConfig{PostgresURL: "postgres://a", DatabaseURL: "postgres://b"}
	require.Equal(t, "postgres://a", cfg.ConnectionString())

	cfg2 := StoreConfig{DatabaseURL: "postgres://b"}
	require.Equal(t, "postgres://b", cfg2.ConnectionString())
}

func TestRulesConfig_OnchainRulesEnabled(t *testing.T) {
	require.True(t, RulesConfig{OnchainRules: "on"}.OnchainRulesEnabled())
	require.False(t, RulesConfig{OnchainRules: "off"}.OnchainRulesEnabled())
	require.False(t, RulesConfig{}.OnchainRulesEnabled())
}

func TestSocialConfig_HandlesSplitsCSV(t *testing.T) {
	cfg := SocialConfig{KOLHandles: "alice, bob ,, carol"}
	require.Equal(t, []string{"alice", "bob", "carol"}, cfg.Handles())
}

func TestGetenv_FallsBackWhenUnset(t *testing.T) {
	clearEnv(t, "SOME_UNSET_VAR")
	require.Equal(t, "fallback", Getenv("SOME_UNSET_VAR", "fallback"))
}
