package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
exchange:
  name: azbit
  base_url: https://gateway.example.test
  api_key: file-key
  api_secret: file-secret
pair: TKN/USDT
store:
  ledger_path: /tmp/ledger.db
notify:
  webhook_url: https://hooks.example.test/spotmm
command:
  amount_to_confirm_usd: 250
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, "azbit", cfg.Exchange.Name)
	assert.Equal(t, "TKN/USDT", cfg.Pair)
	assert.Equal(t, float64(250), cfg.Command.AmountToConfirmUSD)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys fall back to defaults.
	assert.Equal(t, "data/params.json", cfg.Store.ParamsPath)
	assert.Equal(t, "text", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("SPOTMM_API_KEY", "env-key")
	t.Setenv("SPOTMM_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "env-secret", cfg.Exchange.APISecret)
}

func TestValidateCatchesMissingFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	require.NoError(t, err)

	cfg.Pair = ""
	require.Error(t, cfg.Validate())

	cfg, err = Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	cfg.Exchange.APISecret = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPOTMM_API_SECRET")

	cfg, err = Load(writeConfig(t, testYAML))
	require.NoError(t, err)
	cfg.Logging.Level = "verbose"
	require.Error(t, cfg.Validate())
}
