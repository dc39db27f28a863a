package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Roles struct {
		Seller   string `json:"seller"`
		Verifier string `json:"verifier"`
		Lender   string `json:"lender"`
	} `json:"roles"`
	Escrow struct {
		BalancePolicy string `json:"balancePolicy"`
	} `json:"escrow"`
	Limits struct {
		RequestsPerSecond float64 `json:"requestsPerSecond"`
		Burst             int     `json:"burst"`
		MaxBodyBytes      int64   `json:"maxBodyBytes"`
	} `json:"limits"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		ReceiptTimeoutMs      int `json:"receiptTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Escrow    string `json:"escrow"`
	Contracts struct {
		TitleRegistry   string `json:"TitleRegistry"`
		SettlementToken string `json:"SettlementToken"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Database   DatabaseConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort             int
	AuthClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
	BalancePolicy        string
	RequestsPerSecond    float64
	Burst                int
	MaxBodyBytes         int64
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
}

// DatabaseConfig selects the Postgres stores when a DSN is set.
type DatabaseConfig struct {
	DSN string
}

type LogConfig struct {
	Env   string
	Level string
	File  string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	window := seedCfg.Timeouts.IdempotencyWindowSecs
	if window <= 0 {
		window = 86400
	}
	rps := seedCfg.Limits.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := seedCfg.Limits.Burst
	if burst <= 0 {
		burst = 10
	}
	maxBody := seedCfg.Limits.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		AuthClockSkew:        time.Duration(envOrInt("AUTH_CLOCK_SKEW_SECONDS", 300)) * time.Second,
		IdempotencyWindow:    time.Duration(window) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "titlescrow-idem.json")),
		DLQPath:              envOr("DLQ_PATH", filepath.Join(os.TempDir(), "titlescrow-dlq")),
		BalancePolicy:        envOr("BALANCE_POLICY", seedCfg.Escrow.BalancePolicy),
		RequestsPerSecond:    rps,
		Burst:                burst,
		MaxBodyBytes:         maxBody,
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
		RPCTimeout:     millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second),
		ReceiptTimeout: millisOr(seedCfg.Timeouts.ReceiptTimeoutMs, 2*time.Minute),
	}

	cfg := &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Database:   DatabaseConfig{DSN: envOr("DATABASE_URL", "")},
		Log: LogConfig{
			Env:   envOr("APP_ENV", "development"),
			Level: envOr("LOG_LEVEL", "info"),
			File:  envOr("LOG_FILE", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the addresses the service cannot run without. The lender is
// optional; the contract addresses are only required once a signing key is set.
func (c *AppConfig) Validate() error {
	if err := requireAddress("roles.seller", c.Seed.Roles.Seller); err != nil {
		return err
	}
	if err := requireAddress("roles.verifier", c.Seed.Roles.Verifier); err != nil {
		return err
	}
	if c.Seed.Roles.Lender != "" && !common.IsHexAddress(c.Seed.Roles.Lender) {
		return fmt.Errorf("config: roles.lender %q is not an address", c.Seed.Roles.Lender)
	}
	if c.Chain.PrivateKey == "" {
		if c.Deployment.Escrow != "" && !common.IsHexAddress(c.Deployment.Escrow) {
			return fmt.Errorf("config: escrow %q is not an address", c.Deployment.Escrow)
		}
		return nil
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("config: chain rpc url is required with a private key")
	}
	if err := requireAddress("contracts.TitleRegistry", c.Deployment.Contracts.TitleRegistry); err != nil {
		return err
	}
	return requireAddress("contracts.SettlementToken", c.Deployment.Contracts.SettlementToken)
}

// SellerAddress etc. assume Validate has passed.
func (c *AppConfig) SellerAddress() common.Address {
	return common.HexToAddress(c.Seed.Roles.Seller)
}

func (c *AppConfig) VerifierAddress() common.Address {
	return common.HexToAddress(c.Seed.Roles.Verifier)
}

func (c *AppConfig) LenderAddress() common.Address {
	if c.Seed.Roles.Lender == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Seed.Roles.Lender)
}

func requireAddress(field, value string) error {
	if value == "" {
		return fmt.Errorf("config: %s is required", field)
	}
	if !common.IsHexAddress(value) || common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("config: %s %q is not an address", field, value)
	}
	return nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
