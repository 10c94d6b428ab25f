package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ChainMCP/internal/cache"
	xerrors "ChainMCP/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chainmcp.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3": {"rpc_url": "http://localhost:8545", "chain_config": "chain.yaml"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, filepath.Join(dir, "chain.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "alerts.jsonl"), cfg.Storage.Alerts.Path)
	assert.Equal(t, "memory", cfg.Storage.Alerts.Driver)
	assert.Equal(t, 10, cfg.Subscription.MaxReconnectAttempts)
	assert.Equal(t, 5.0, cfg.PriceStream.MoveThresholdPercent)
	assert.Equal(t, 100000.0, cfg.PriceStream.WhaleThresholdUSD)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.BackoffMultiplier)
	assert.Equal(t, time.Minute, cfg.BreakerResetTimeout())

	require.Len(t, cfg.Resilience.RateLimits, 2)
	assert.Equal(t, "coingecko", cfg.Resilience.RateLimits[1].Bucket)
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	path := writeConfig(t, `{"resilience": {"retry": {"max_retries": 0}}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RetryPolicy().MaxRetries)
}

func TestCacheConfigsMergeOverrides(t *testing.T) {
	path := writeConfig(t, `{"caches": [
		{"name": "prices", "ttl_seconds": 15},
		{"name": "gasPrice", "ttl_seconds": 5, "sweep_seconds": 2}
	]}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	byName := map[string]cache.Config{}
	for _, c := range cfg.CacheConfigs() {
		byName[c.Name] = c
	}
	assert.Equal(t, 15*time.Second, byName[cache.Prices].DefaultTTL)
	assert.Equal(t, 10*time.Second, byName[cache.BlockchainInfo].DefaultTTL)
	assert.Equal(t, 5*time.Second, byName["gasPrice"].DefaultTTL)
	assert.Equal(t, 2*time.Second, byName["gasPrice"].SweepInterval)
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	cases := map[string]string{
		"negative retries":  `{"resilience": {"retry": {"max_retries": -1}}}`,
		"bucket without id": `{"resilience": {"rate_limits": [{"max_requests": 1, "window_ms": 1000}]}}`,
		"empty window":      `{"resilience": {"rate_limits": [{"bucket": "rpc", "max_requests": 1}]}}`,
		"mysql without dsn": `{"storage": {"alerts": {"driver": "mysql"}}}`,
		"unknown driver":    `{"storage": {"alerts": {"driver": "sqlite"}}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
			assert.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
		})
	}
}

func TestLoadReportsIOAndSyntaxErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	_, err = Load(writeConfig(t, `{"server": `))
	assert.Error(t, err)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv(EnvPath, "/etc/chainmcp.json")
	assert.Equal(t, "/etc/chainmcp.json", PathFromEnv())
}

func TestAuthSettingsResolvesSecretEnv(t *testing.T) {
	t.Setenv("CHAINMCP_TEST_KEY", " from-env ")
	path := writeConfig(t, `{"auth": {"mode": "api_key", "keys": [
		{"name": "ops", "secret": "inline", "secret_env": "CHAINMCP_TEST_KEY"},
		{"name": "reader", "secret": "plain", "tools": ["get_balance"]}
	]}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	settings := cfg.AuthSettings()
	assert.Equal(t, "api_key", string(settings.Mode))
	require.Len(t, settings.Keys, 2)
	assert.Equal(t, "from-env", settings.Keys[0].Secret)
	assert.Equal(t, "plain", settings.Keys[1].Secret)
	assert.Equal(t, []string{"get_balance"}, settings.Keys[1].Tools)
}
