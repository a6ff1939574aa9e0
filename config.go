package taskpay

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the TOML configuration for a settlement deployment.
type Config struct {
	Ledger LedgerConfig `toml:"ledger"`
	Verify VerifyConfig `toml:"verify"`
}

// LedgerConfig locates the external ledger and the signing authority.
type LedgerConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ContractAddress string `toml:"contract_address"`
	Authority       string `toml:"authority"`
	// PrivateKeyEnv names the environment variable holding the authority's
	// hex private key. The key itself never appears in the config file.
	PrivateKeyEnv string `toml:"private_key_env"`
}

// VerifyConfig bounds the authorize-verification poll.
type VerifyConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	IntervalMS  int `toml:"interval_ms"`
}

// Policy converts the config into a RetryPolicy, applying defaults for
// unset fields.
func (v VerifyConfig) Policy() RetryPolicy {
	policy := DefaultVerifyPolicy
	if v.MaxAttempts > 0 {
		policy.MaxAttempts = v.MaxAttempts
	}
	if v.IntervalMS > 0 {
		policy.Interval = time.Duration(v.IntervalMS) * time.Millisecond
	}
	return policy
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required ledger fields.
func (c *Config) Validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("config: ledger.rpc_url is required")
	}
	if c.Ledger.ContractAddress == "" {
		return fmt.Errorf("config: ledger.contract_address is required")
	}
	if c.Ledger.Authority == "" {
		return fmt.Errorf("config: ledger.authority is required")
	}
	return nil
}
