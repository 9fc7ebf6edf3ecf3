// Package gateway composes every component into one GatewayContext, the
// single object threaded through the inbound library surface
// (explain_task, explain_custom, list_models, verify_proof, get_balance,
// get_performance_metrics) and the background refresh/settlement loops.
// There are no package-level singletons; everything a caller needs is
// reached through the struct New returns and threaded explicitly into
// handlers and background workers.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/chainclient/ethadapter"
	"github.com/eladmint/ziggurat-gateway/pkg/chainclient/httpadapter"
	"github.com/eladmint/ziggurat-gateway/pkg/chainclient/simadapter"
	"github.com/eladmint/ziggurat-gateway/pkg/config"
	"github.com/eladmint/ziggurat-gateway/pkg/explain"
	"github.com/eladmint/ziggurat-gateway/pkg/kvdb"
	"github.com/eladmint/ziggurat-gateway/pkg/marketplace"
	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/mirror"
	"github.com/eladmint/ziggurat-gateway/pkg/payment"
	"github.com/eladmint/ziggurat-gateway/pkg/payment/kvstore"
	"github.com/eladmint/ziggurat-gateway/pkg/payment/pgstore"
	"github.com/eladmint/ziggurat-gateway/pkg/quota"
	"github.com/eladmint/ziggurat-gateway/pkg/registry"
	"github.com/eladmint/ziggurat-gateway/pkg/reward"
	"github.com/eladmint/ziggurat-gateway/pkg/task"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/verification"
)

// Context bundles every wired component. All of its fields are safe for
// concurrent use; callers pass *Context around rather than reaching for
// ambient state.
type Context struct {
	Config *config.Config
	Logger *log.Logger

	DB       dbm.DB
	Chains   map[types.Network]chainclient.Chain
	Registry *registry.Cache
	Engine   *explain.Engine
	Verifier *verification.Bridge
	Quota    *quota.Gate
	Market   *marketplace.Client
	Ledger   *payment.Ledger
	Tasks    *task.Bridge
	Mirror   *mirror.Mirror // nil when disabled
	Metrics  *metrics.Registry

	pgClient *pgstore.Client // nil when no DATABASE_URL is configured
}

// New wires every component from cfg. It opens the on-disk KV store, so it
// should be called once per process.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Context, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Gateway] ", log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.KVDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("gateway: failed to create data directory %s: %w", cfg.KVDataDir, err)
	}

	db, err := dbm.NewGoLevelDB("gateway-ledger", cfg.KVDataDir)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to open ledger database: %w", err)
	}
	kv := kvdb.NewAdapter(db)

	var hmacKey []byte
	if cfg.LedgerHMACKeyHex != "" {
		hmacKey, err = hex.DecodeString(strings.TrimSpace(cfg.LedgerHMACKeyHex))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("gateway: decode configured ledger hmac key: %w", err)
		}
	} else {
		hmacKey, err = loadOrGenerateHMACKey(cfg.KVDataDir, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	chains := buildChains(cfg)
	primary, ok := chains[types.Network(cfg.PrimaryChain)]
	if !ok {
		db.Close()
		return nil, fmt.Errorf("gateway: no chain client built for configured primary chain %q", cfg.PrimaryChain)
	}

	metricsReg := metrics.New()

	reg := registry.New(primary, cfg.CacheTTL, log.New(log.Writer(), "[ModelRegistry] ", log.LstdFlags))
	reg.StartRefreshLoop(ctx)

	modelClient := explain.NewHTTPClient(cfg.ModelCanisterBaseURL, cfg.ModelTimeout)
	engine := explain.New(modelClient, reg, cfg.CacheTTL).WithMetrics(metricsReg)

	verifier := verification.New(verification.Config{
		ConsensusThreshold: cfg.ConsensusThreshold,
		SecondaryTimeout:   cfg.SecondaryAnchorTimeout,
		CacheResults:       true,
		Logger:             log.New(log.Writer(), "[VerificationBridge] ", log.LstdFlags),
	}).WithMetrics(metricsReg)

	quotaGate := quota.New(tierLimits(cfg.RateLimits)).WithMetrics(metricsReg)

	mkt := marketplace.New(cfg.MarketplaceBaseURL, cfg.MarketplaceAPIKey, cfg.MarketplaceTimeout).WithMetrics(metricsReg)

	primaryStore := kvstore.New(kv, hmacKey)
	var ledgerStore payment.Store = primaryStore

	var pgClient *pgstore.Client
	if cfg.DatabaseURL != "" {
		pgClient, err = pgstore.NewClient(cfg.DatabaseURL, cfg.ChainPoolSize, 2, 300, 3600,
			pgstore.WithLogger(log.New(log.Writer(), "[PaymentMirror] ", log.LstdFlags)))
		if err != nil {
			logger.Printf("payment mirror database unavailable, running without it: %v", err)
			pgClient = nil
		} else {
			ledgerStore = dualPaymentStore{primary: primaryStore, mirror: pgstore.NewStore(pgClient), logger: logger}
		}
	}

	rewardBase, err := reward.ParseDecimal(cfg.RewardBase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: invalid reward_base %q: %w", cfg.RewardBase, err)
	}

	ledger := payment.New(ledgerStore, chains, payment.RateTable(cfg.ExchangeRates), payment.MethodRates(cfg.MethodCycleRate), types.Network(cfg.PrimaryChain))

	taskStore := task.NewStore(kv, hmacKey)
	bridge := task.New(task.Config{
		MinQualityThreshold: cfg.MinQualityThreshold,
		RewardBase:          rewardBase,
		RewardToken:         cfg.RewardToken,
	}, taskStore, quotaGate, mkt, engine, verifier, ledger, log.New(log.Writer(), "[TaskBridge] ", log.LstdFlags)).WithMetrics(metricsReg)

	var stateMirror *mirror.Mirror
	if cfg.FirestoreEnabled {
		mirrorClient, err := mirror.NewClient(ctx, &mirror.ClientConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
			Enabled:         true,
			Logger:          log.New(log.Writer(), "[Mirror] ", log.LstdFlags),
		})
		if err != nil {
			logger.Printf("state mirror unavailable, running without it: %v", err)
		} else {
			stateMirror = mirror.New(mirror.Config{Client: mirrorClient, Logger: log.New(log.Writer(), "[Mirror] ", log.LstdFlags)})
			bridge.WithObserver(stateMirror.MirrorTask)
			ledger.WithObserver(stateMirror.MirrorPayment)
		}
	}

	return &Context{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Chains:   chains,
		Registry: reg,
		Engine:   engine,
		Verifier: verifier,
		Quota:    quotaGate,
		Market:   mkt,
		Ledger:   ledger,
		Tasks:    bridge,
		Mirror:   stateMirror,
		Metrics:  metricsReg,
		pgClient: pgClient,
	}, nil
}

// Close releases every resource New opened.
func (c *Context) Close() error {
	if c.Mirror != nil {
		c.Mirror.Stop()
	}
	if c.pgClient != nil {
		_ = c.pgClient.Close()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// buildChains constructs a Chain client for the primary chain and every
// secondary chain named in cfg. A network with a configured endpoint uses
// httpadapter (or ethadapter for "Ethereum"); otherwise it falls back to
// simadapter so the gateway runs without live chain endpoints configured.
func buildChains(cfg *config.Config) map[types.Network]chainclient.Chain {
	retry := chainclient.RetryPolicy{MaxAttempts: cfg.ChainMaxRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

	names := append([]string{cfg.PrimaryChain}, cfg.SecondaryChains...)
	chains := make(map[types.Network]chainclient.Chain, len(names))
	for _, name := range names {
		key := types.Network(name)
		if _, exists := chains[key]; exists {
			continue
		}
		chains[key] = buildChain(name, cfg, retry)
	}
	return chains
}

func buildChain(name string, cfg *config.Config, retry chainclient.RetryPolicy) chainclient.Chain {
	if strings.EqualFold(name, "Ethereum") && cfg.EthereumRPCURL != "" {
		client, err := ethadapter.New(cfg.EthereumRPCURL, cfg.EthereumPrivateKey, retry)
		if err == nil {
			return client
		}
		log.Printf("gateway: failed to build ethereum adapter, falling back to simulation: %v", err)
		return simadapter.New(name, 50*time.Millisecond)
	}
	if endpoint, ok := cfg.ChainEndpoints[name]; ok && endpoint != "" {
		return httpadapter.New(name, endpoint, cfg.ChainTimeout, retry)
	}
	return simadapter.New(name, 50*time.Millisecond)
}

// tierLimits converts config's string-keyed, lowercase-tier rate limit
// table into the types.Tier-keyed table quota.New expects. Config files are
// written by operators who think in lowercase tier names; the rest of the
// gateway works in the capitalized types.Tier constants.
func tierLimits(limits map[string]config.RateLimit) map[types.Tier]quota.Limit {
	lookup := map[string]types.Tier{
		"community":    types.TierCommunity,
		"professional": types.TierProfessional,
		"enterprise":   types.TierEnterprise,
	}
	out := make(map[types.Tier]quota.Limit, len(limits))
	for key, rl := range limits {
		tier, ok := lookup[strings.ToLower(key)]
		if !ok {
			continue
		}
		out[tier] = quota.Limit{RequestsPerHour: rl.RequestsPerHour, Concurrent: rl.Concurrent}
	}
	return out
}

// loadOrGenerateHMACKey loads the ledger chain's authentication key from
// <dataDir>/ledger_hmac_key.hex, generating and persisting a new random one
// on first run.
func loadOrGenerateHMACKey(dataDir string, logger *log.Logger) ([]byte, error) {
	keyPath := filepath.Join(dataDir, "ledger_hmac_key.hex")

	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("gateway: decode ledger hmac key from %s: %w", keyPath, err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("gateway: generate ledger hmac key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("gateway: save ledger hmac key to %s: %w", keyPath, err)
	}
	logger.Printf("generated new ledger hmac key at %s", keyPath)
	return key, nil
}

// dualPaymentStore writes every payment to the primary kvstore chain (the
// source of truth verification reads from) and mirrors it to pgstore for
// SQL-side reporting. Mirror failures are logged, never propagated — the
// append-only chain remains the sole source of truth.
type dualPaymentStore struct {
	primary *kvstore.Store
	mirror  *pgstore.Store
	logger  *log.Logger
}

func (d dualPaymentStore) Append(p types.Payment) error {
	if err := d.primary.Append(p); err != nil {
		return err
	}
	if err := d.mirror.Append(p); err != nil {
		d.logger.Printf("payment mirror write failed for %s: %v", p.PaymentID, err)
	}
	return nil
}

func (d dualPaymentStore) FindBySource(kind types.PaymentKind, sourceID string) (*types.Payment, bool, error) {
	return d.primary.FindBySource(kind, sourceID)
}

func (d dualPaymentStore) Get(paymentID string) (*types.Payment, bool, error) {
	return d.primary.Get(paymentID)
}

func (d dualPaymentStore) UpdateStatus(paymentID string, status types.PaymentStatus, txHash string, settledAt int64) error {
	if err := d.primary.UpdateStatus(paymentID, status, txHash, settledAt); err != nil {
		return err
	}
	if err := d.mirror.UpdateStatus(paymentID, status, txHash, settledAt); err != nil {
		d.logger.Printf("payment mirror status update failed for %s: %v", paymentID, err)
	}
	return nil
}

func (d dualPaymentStore) ListPending() ([]types.Payment, error) { return d.primary.ListPending() }

func (d dualPaymentStore) ListByRecipient(recipient string) ([]types.Payment, error) {
	return d.primary.ListByRecipient(recipient)
}

func (d dualPaymentStore) ListBySender(sender string) ([]types.Payment, error) {
	return d.primary.ListBySender(sender)
}
