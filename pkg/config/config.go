// Package config loads the gateway's runtime configuration from environment
// variables plus an optional YAML file for the tabular keys (rate limits,
// exchange rates, per-method cycle costs) that don't fit a flat env var.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Config holds every gateway runtime configuration key.
type Config struct {
	// Network configuration
	PrimaryChain     string
	SecondaryChains  []string
	ConsensusThreshold float64

	// Server
	ListenAddr  string
	MetricsAddr string

	// Timeouts
	ModelTimeout       time.Duration
	ChainTimeout       time.Duration
	SecondaryAnchorTimeout time.Duration
	MarketplaceTimeout time.Duration

	// Cache
	CacheTTL time.Duration

	// Quota
	RateLimits map[string]RateLimit

	// Reward
	RewardBase         string
	RewardToken        string
	MinQualityThreshold float64

	// Settlement
	SettlementInterval time.Duration

	// Cross-currency
	ExchangeRates map[string]map[string]float64

	// Cycle cost per explanation method
	MethodCycleRate map[string]uint64

	// Chain client
	ChainMaxRetries  int
	ChainPoolSize    int

	// ChainEndpoints maps a network name to the base URL an httpadapter
	// client should dial for it. A network with no entry here falls back
	// to simadapter so local development never requires live endpoints.
	ChainEndpoints map[string]string

	// Ethereum-specific chain config (only consulted if PrimaryChain or a
	// secondary chain is named "Ethereum").
	EthereumRPCURL     string
	EthereumPrivateKey string

	// Model canister the Explanation Engine dispatches to.
	ModelCanisterBaseURL string

	// LedgerHMACKeyHex authenticates the append-only payment/task chains.
	// If empty, gateway.New loads (or generates and persists) one under
	// KVDataDir.
	LedgerHMACKeyHex string

	// Marketplace
	MarketplaceBaseURL string
	MarketplaceAPIKey  string

	// Firestore mirror (ambient, optional)
	FirestoreEnabled  bool
	FirebaseProjectID string
	FirebaseCredentialsFile string

	// Postgres mirror (ambient, optional)
	DatabaseURL string

	// Local KV path for the append-only payment/task log
	KVDataDir string

	LogLevel string
}

// RateLimit is the per-tier request quota enforced by the Quota Gate.
type RateLimit struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Concurrent      int `yaml:"concurrent"`
}

// Default returns a Config populated with the gateway's baseline defaults.
func Default() *Config {
	return &Config{
		PrimaryChain:       "ICP",
		SecondaryChains:    []string{"Cardano", "TON"},
		ConsensusThreshold: 0.66,

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		ModelTimeout:           60 * time.Second,
		ChainTimeout:           30 * time.Second,
		SecondaryAnchorTimeout: 5 * time.Second,
		MarketplaceTimeout:     15 * time.Second,

		CacheTTL: 300 * time.Second,

		RateLimits: map[string]RateLimit{
			"community":    {RequestsPerHour: 100, Concurrent: 4},
			"professional": {RequestsPerHour: 10_000, Concurrent: 64},
			"enterprise":   {RequestsPerHour: 1_000_000, Concurrent: 1024},
		},

		RewardBase:          "10",
		RewardToken:         "MASUMI",
		MinQualityThreshold: 0.7,

		SettlementInterval: 24 * time.Hour,

		ExchangeRates: map[string]map[string]float64{
			"ICP":     {"MASUMI": 50.0},
			"MASUMI":  {"ICP": 0.02},
		},

		// Keyed by the canonical method names used on the wire.
		MethodCycleRate: map[string]uint64{
			"SHAP":      1_000_000,
			"LIME":      800_000,
			"Gradient":  1_200_000,
			"Attention": 1_500_000,
			"Custom":    500_000,
		},

		ChainMaxRetries: 3,
		ChainPoolSize:   32,
		ChainEndpoints:  map[string]string{},

		ModelCanisterBaseURL: getEnv("MODEL_CANISTER_URL", "http://localhost:8090"),

		KVDataDir: getEnv("GATEWAY_DATA_DIR", "./data"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}
}

// Load builds a Config from defaults, an optional YAML file (for the
// tabular keys), and environment variable overrides, then validates it.
//
// CRITICAL: this only reads GATEWAY_* and the specific names below. Callers
// that need additional overrides should edit the YAML file, not add new
// environment variables to this function.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := cfg.mergeYAML(yamlPath); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeBadConfig, "failed to load config file", err)
		}
	}

	cfg.PrimaryChain = getEnv("PRIMARY_CHAIN", cfg.PrimaryChain)
	cfg.ListenAddr = getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", strings.TrimPrefix(cfg.ListenAddr, "0.0.0.0:"))
	cfg.ConsensusThreshold = getEnvFloat("CONSENSUS_THRESHOLD", cfg.ConsensusThreshold)
	cfg.MinQualityThreshold = getEnvFloat("MIN_QUALITY_THRESHOLD", cfg.MinQualityThreshold)
	cfg.RewardToken = getEnv("REWARD_TOKEN", cfg.RewardToken)
	cfg.RewardBase = getEnv("REWARD_BASE", cfg.RewardBase)
	cfg.MarketplaceBaseURL = getEnv("MARKETPLACE_BASE_URL", cfg.MarketplaceBaseURL)
	cfg.MarketplaceAPIKey = getEnv("MARKETPLACE_API_KEY", cfg.MarketplaceAPIKey)
	cfg.ModelCanisterBaseURL = getEnv("MODEL_CANISTER_URL", cfg.ModelCanisterBaseURL)
	cfg.EthereumRPCURL = getEnv("ETHEREUM_RPC_URL", cfg.EthereumRPCURL)
	cfg.EthereumPrivateKey = getEnv("ETHEREUM_PRIVATE_KEY", cfg.EthereumPrivateKey)
	cfg.LedgerHMACKeyHex = getEnv("GATEWAY_LEDGER_HMAC_KEY", cfg.LedgerHMACKeyHex)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.FirestoreEnabled = getEnvBool("FIRESTORE_ENABLED", cfg.FirestoreEnabled)
	cfg.FirebaseProjectID = getEnv("FIREBASE_PROJECT_ID", cfg.FirebaseProjectID)
	cfg.FirebaseCredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", cfg.FirebaseCredentialsFile)
	cfg.KVDataDir = getEnv("GATEWAY_DATA_DIR", cfg.KVDataDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// yamlFile mirrors the tabular configuration keys that are awkward as
// environment variables: rate_limits, exchange_rates, method_cycle_rate.
type yamlFile struct {
	SecondaryChains []string                         `yaml:"secondary_chains"`
	RateLimits      map[string]RateLimit              `yaml:"rate_limits"`
	ExchangeRates   map[string]map[string]float64     `yaml:"exchange_rates"`
	MethodCycleRate map[string]uint64                 `yaml:"method_cycle_rate"`
	ChainEndpoints  map[string]string                 `yaml:"chain_endpoints"`
}

func (c *Config) mergeYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	if len(f.SecondaryChains) > 0 {
		c.SecondaryChains = f.SecondaryChains
	}
	if len(f.RateLimits) > 0 {
		c.RateLimits = f.RateLimits
	}
	if len(f.ExchangeRates) > 0 {
		c.ExchangeRates = f.ExchangeRates
	}
	if len(f.MethodCycleRate) > 0 {
		c.MethodCycleRate = f.MethodCycleRate
	}
	if len(f.ChainEndpoints) > 0 {
		c.ChainEndpoints = f.ChainEndpoints
	}
	return nil
}

// Validate checks internal consistency and returns a BadConfig error
// describing the first problem found.
func (c *Config) Validate() error {
	if c.ConsensusThreshold < 0.5 || c.ConsensusThreshold > 1.0 {
		return xerrors.New(xerrors.CodeBadConfig, "consensus_threshold must be in [0.5, 1.0]")
	}
	if c.PrimaryChain == "" {
		return xerrors.New(xerrors.CodeBadConfig, "primary_chain is required")
	}
	for _, name := range c.SecondaryChains {
		if name == c.PrimaryChain {
			return xerrors.New(xerrors.CodeBadConfig, "primary_chain cannot also be listed as a secondary chain")
		}
	}
	if c.MinQualityThreshold < 0 || c.MinQualityThreshold > 1 {
		return xerrors.New(xerrors.CodeBadConfig, "min_quality_threshold must be in [0,1]")
	}
	for tier, rl := range c.RateLimits {
		if rl.RequestsPerHour <= 0 || rl.Concurrent <= 0 {
			return xerrors.New(xerrors.CodeBadConfig, fmt.Sprintf("rate limit for tier %q must be positive", tier))
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
