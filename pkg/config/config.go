// Copyright 2025 Certen Protocol
//
// Rollup Node Configuration Loader
//
// This package provides configuration loading for the rollup operator
// node: process-level settings from environment variables, chain-level
// rollup parameters from a YAML file.

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level configuration for the rollup node.
type Config struct {
	// Storage
	DataDir string

	// L1 connectivity
	L1RPCURL          string
	L1PollIntervalSec int

	// P2P block sync
	P2PListenAddr string
	P2PSeedPeers  []string

	// Observability
	MetricsAddr string

	// Postgres secondary index (optional; empty URL disables it)
	IndexerDatabaseURL string

	// Worker threads
	Threads         int
	BlockingThreads int

	LogLevel string
}

// Load reads process-level configuration from environment variables.
// Chain-level parameters (finality, staking, cycle budgets) come from
// the YAML rollup config instead; see LoadRollupConfig.
func Load() (*Config, error) {
	threads := getEnvInt("OPTIROLL_THREADS", runtime.NumCPU())
	blocking := getEnvInt("OPTIROLL_BLOCKING_THREADS", maxInt(4, threads))

	cfg := &Config{
		DataDir:            getEnv("DATA_DIR", "./data"),
		L1RPCURL:           getEnv("L1_RPC_URL", ""),
		L1PollIntervalSec:  getEnvInt("L1_POLL_INTERVAL", 3),
		P2PListenAddr:      getEnv("P2P_LISTEN_ADDR", "0.0.0.0:9555"),
		P2PSeedPeers:       splitList(getEnv("P2P_SEED_PEERS", "")),
		MetricsAddr:        getEnv("METRICS_ADDR", "0.0.0.0:9090"),
		IndexerDatabaseURL: getEnv("INDEXER_DATABASE_URL", ""),
		Threads:            threads,
		BlockingThreads:    blocking,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Validate checks that required process configuration is present.
func (c *Config) Validate() error {
	var errs []string
	if c.L1RPCURL == "" {
		errs = append(errs, "L1_RPC_URL is required but not set")
	}
	if c.Threads < 1 {
		errs = append(errs, "OPTIROLL_THREADS must be at least 1")
	}
	if c.BlockingThreads < 1 {
		errs = append(errs, "OPTIROLL_BLOCKING_THREADS must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RollupConfig holds the chain-level parameters every node on one rollup
// must agree on. Nothing in the repository hashes it: the
// rollup_config_hash in the global state is not derived from this struct.
type RollupConfig struct {
	RollupTypeHash Hash32 `yaml:"rollup_type_hash"`

	// Finality. Mode "blocks" finalizes by block count, "timestamp" by
	// elapsed milliseconds.
	FinalityMode     string `yaml:"finality_mode"`
	FinalityBlocks   uint64 `yaml:"finality_blocks"`
	FinalityDuration uint64 `yaml:"finality_duration_ms"`

	// Checkpoint granularity: "per_item" or "combined".
	CheckpointMode string `yaml:"checkpoint_mode"`

	// Challenge economics.
	RequiredStakingCapacity uint64 `yaml:"required_staking_capacity"`
	RewardBurnRate          uint8  `yaml:"reward_burn_rate"` // percent burned, 0-100

	// Execution budgets.
	MaxCyclesPerTx    uint64 `yaml:"max_cycles_per_tx"`
	MaxCyclesPerBlock uint64 `yaml:"max_cycles_per_block"`

	// Mem-pool bounds.
	MaxInPoolTxs           int    `yaml:"max_in_pool_txs"`
	MaxInPoolWithdrawals   int    `yaml:"max_in_pool_withdrawals"`
	MaxPackagedTxs         int    `yaml:"max_packaged_txs"`
	MaxPackagedWithdrawals int    `yaml:"max_packaged_withdrawals"`
	MaxWithdrawalCapacity  uint64 `yaml:"max_withdrawal_capacity"`

	// Script type hashes identifying the L1 contracts of this deployment.
	DepositScriptTypeHash    Hash32 `yaml:"deposit_script_type_hash"`
	WithdrawalScriptTypeHash Hash32 `yaml:"withdrawal_script_type_hash"`
	StakeScriptTypeHash      Hash32 `yaml:"stake_script_type_hash"`
	ChallengeScriptTypeHash  Hash32 `yaml:"challenge_script_type_hash"`

	// Lock code hashes selecting the signature scheme of a sending
	// account.
	EthLockCodeHash     Hash32 `yaml:"eth_lock_code_hash"`
	Ed25519LockCodeHash Hash32 `yaml:"ed25519_lock_code_hash"`
	BLSLockCodeHash     Hash32 `yaml:"bls_lock_code_hash"`

	// Validator type hashes selecting the VM backend of a receiving
	// account.
	MetaValidatorTypeHash Hash32 `yaml:"meta_validator_type_hash"`
	SUDTValidatorTypeHash Hash32 `yaml:"sudt_validator_type_hash"`
	EVMValidatorTypeHash  Hash32 `yaml:"evm_validator_type_hash"`
}

// Hash32 is a 32-byte value expressed in YAML as a 0x-prefixed hex string.
type Hash32 [32]byte

// UnmarshalYAML decodes a 0x-prefixed 64-digit hex string.
func (h *Hash32) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("config: invalid hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("config: hash %q is %d bytes, want 32", s, len(raw))
	}
	copy(h[:], raw)
	return nil
}

// MarshalYAML encodes as a 0x-prefixed hex string.
func (h Hash32) MarshalYAML() (interface{}, error) {
	return "0x" + hex.EncodeToString(h[:]), nil
}

// LoadRollupConfig reads and validates the YAML rollup parameter file.
func LoadRollupConfig(path string) (*RollupConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rollup config: %w", err)
	}
	var rc RollupConfig
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("config: parse rollup config: %w", err)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Validate checks the chain-level parameters for internal consistency.
func (rc *RollupConfig) Validate() error {
	var errs []string
	switch rc.FinalityMode {
	case "blocks":
		if rc.FinalityBlocks == 0 {
			errs = append(errs, "finality_blocks must be positive in blocks mode")
		}
	case "timestamp":
		if rc.FinalityDuration == 0 {
			errs = append(errs, "finality_duration_ms must be positive in timestamp mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("finality_mode must be \"blocks\" or \"timestamp\", got %q", rc.FinalityMode))
	}
	switch rc.CheckpointMode {
	case "per_item", "combined":
	default:
		errs = append(errs, fmt.Sprintf("checkpoint_mode must be \"per_item\" or \"combined\", got %q", rc.CheckpointMode))
	}
	if rc.RewardBurnRate > 100 {
		errs = append(errs, "reward_burn_rate is a percentage and must be <= 100")
	}
	if rc.MaxCyclesPerBlock < rc.MaxCyclesPerTx {
		errs = append(errs, "max_cycles_per_block must be at least max_cycles_per_tx")
	}
	if len(errs) > 0 {
		return fmt.Errorf("rollup config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExampleRollupConfig returns a fully-populated config suitable for
// `generate-example-config`.
func ExampleRollupConfig() *RollupConfig {
	return &RollupConfig{
		FinalityMode:            "blocks",
		FinalityBlocks:          10000,
		CheckpointMode:          "per_item",
		RequiredStakingCapacity: 10_000_00000000,
		RewardBurnRate:          50,
		MaxCyclesPerTx:          100_000_000,
		MaxCyclesPerBlock:       7_000_000_000,
		MaxInPoolTxs:            6000,
		MaxInPoolWithdrawals:    3000,
		MaxPackagedTxs:          1000,
		MaxPackagedWithdrawals:  100,
		MaxWithdrawalCapacity:   1_000_000_00000000,
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
