package taskpay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskpay.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
[ledger]
rpc_url = "https://sepolia.base.org"
contract_address = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
authority = "0x1111111111111111111111111111111111111111"
private_key_env = "TASKPAY_PRIVATE_KEY"

[verify]
max_attempts = 8
interval_ms = 250
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sepolia.base.org", cfg.Ledger.RPCURL)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", cfg.Ledger.ContractAddress)
	assert.Equal(t, "TASKPAY_PRIVATE_KEY", cfg.Ledger.PrivateKeyEnv)

	policy := cfg.Verify.Policy()
	assert.Equal(t, 8, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.Interval)
}

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	path := writeConfigFile(t, `
[ledger]
rpc_url = "https://sepolia.base.org"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract_address")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestVerifyConfig_PolicyDefaults(t *testing.T) {
	policy := VerifyConfig{}.Policy()
	assert.Equal(t, DefaultVerifyPolicy, policy)

	// Partial overrides keep the other default.
	policy = VerifyConfig{MaxAttempts: 3}.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, DefaultVerifyPolicy.Interval, policy.Interval)
}
