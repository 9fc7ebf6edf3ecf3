// Package verification anchors a canonical explanation payload on the
// primary chain, fans the same payload out to the secondary chains, and
// decides consensus as the fraction of chains that hold it: the primary
// counts once its store succeeds, a secondary once it stores and verifies it.
// A secondary failure never invalidates a successful primary anchor.
package verification

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// ChainResult is the per-chain outcome of a verification attempt.
type ChainResult struct {
	Network  string
	Verified bool
	TxID     string
	Error    string
	RTT      time.Duration
}

// Result is the aggregate outcome of verifying one proof hash across a set
// of chains.
type Result struct {
	ProofHash          [32]byte
	BlockchainVerified bool // primary succeeded
	PrimaryChain       string
	PrimaryTxID        string
	ConsensusAchieved  bool
	VerifiedCount      int
	TotalCount         int
	ConsensusPercentage float64
	PerChain           []ChainResult
}

// Bridge performs the primary-anchor + secondary-fan-out + consensus
// algorithm.
type Bridge struct {
	threshold      float64
	secondaryTimeout time.Duration
	logger         *log.Logger

	cacheEnabled bool
	cache        sync.Map // [32]byte -> *Result

	metrics *metrics.Registry // nil when instrumentation is disabled
}

// Config configures a Bridge.
type Config struct {
	ConsensusThreshold float64
	SecondaryTimeout   time.Duration
	CacheResults       bool
	Logger             *log.Logger
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[VerificationBridge] ", log.LstdFlags)
	}
	threshold := cfg.ConsensusThreshold
	if threshold == 0 {
		threshold = 0.66
	}
	timeout := cfg.SecondaryTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{
		threshold:        threshold,
		secondaryTimeout: timeout,
		logger:           logger,
		cacheEnabled:     cfg.CacheResults,
	}
}

// WithMetrics attaches a metrics registry; anchor outcomes, latencies, and
// consensus ratios are recorded against it.
func (b *Bridge) WithMetrics(m *metrics.Registry) *Bridge {
	b.metrics = m
	return b
}

func (b *Bridge) observeAnchor(network string, verified bool, rtt time.Duration) {
	if b.metrics == nil {
		return
	}
	outcome := "ok"
	if !verified {
		outcome = "error"
	}
	b.metrics.ChainAnchors.WithLabelValues(network, outcome).Inc()
	b.metrics.ChainLatency.WithLabelValues(network).Observe(rtt.Seconds())
}

// Verify runs the full algorithm: store canonicalBytes on primary, fan out
// to secondaries in parallel (bounded by b.secondaryTimeout each), and
// compute consensus. A cached result for proofHash is returned verbatim
// since proofs are immutable once anchored.
func (b *Bridge) Verify(ctx context.Context, proofHash [32]byte, canonicalBytes []byte, primary chainclient.Chain, secondaries []chainclient.Chain) (*Result, error) {
	if b.cacheEnabled {
		if v, ok := b.cache.Load(proofHash); ok {
			return v.(*Result), nil
		}
	}

	primaryStart := time.Now()
	primaryStore, err := primary.Store(ctx, canonicalBytes, "")
	primaryRTT := time.Since(primaryStart)
	b.observeAnchor(primary.Network(), err == nil, primaryRTT)
	if err != nil {
		res := &Result{
			ProofHash:          proofHash,
			BlockchainVerified: false,
			TotalCount:         1 + len(secondaries),
			PerChain: []ChainResult{{
				Network: primary.Network(), Verified: false, Error: err.Error(), RTT: primaryRTT,
			}},
		}
		return res, xerrors.Wrap(xerrors.CodePrimaryAnchorFailed, "primary chain anchor failed", err)
	}

	perChain := make([]ChainResult, 1+len(secondaries))
	perChain[0] = ChainResult{Network: primary.Network(), Verified: true, TxID: primaryStore.TxID, RTT: primaryRTT}

	var mu sync.Mutex
	verifiedCount := 1 // primary always counts as verified

	g, gctx := errgroup.WithContext(ctx)
	for i, secondary := range secondaries {
		i, secondary := i, secondary
		g.Go(func() error {
			result := b.verifySecondary(gctx, secondary, proofHash, canonicalBytes)
			b.observeAnchor(result.Network, result.Verified, result.RTT)
			mu.Lock()
			perChain[i+1] = result
			if result.Verified {
				verifiedCount++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-chain errors are captured in ChainResult, never aborted

	total := 1 + len(secondaries)
	percentage := float64(verifiedCount) / float64(total)
	if b.metrics != nil {
		b.metrics.ConsensusRatio.Observe(percentage)
	}
	res := &Result{
		ProofHash:           proofHash,
		BlockchainVerified:  true,
		PrimaryChain:        primary.Network(),
		PrimaryTxID:         primaryStore.TxID,
		ConsensusAchieved:   percentage >= b.threshold,
		VerifiedCount:       verifiedCount,
		TotalCount:          total,
		ConsensusPercentage: percentage,
		PerChain:            perChain,
	}

	if b.cacheEnabled {
		b.cache.Store(proofHash, res)
	}
	return res, nil
}

// verifySecondary stores then immediately verifies on one secondary chain,
// within a per-chain timeout. A chain counts as verified iff both calls
// succeed and the returned payload round-trips to proofHash.
func (b *Bridge) verifySecondary(ctx context.Context, chain chainclient.Chain, proofHash [32]byte, canonicalBytes []byte) ChainResult {
	ctx, cancel := context.WithTimeout(ctx, b.secondaryTimeout)
	defer cancel()

	start := time.Now()
	storeResult, err := chain.Store(ctx, canonicalBytes, "")
	if err != nil {
		return ChainResult{Network: chain.Network(), Verified: false, Error: err.Error(), RTT: time.Since(start)}
	}
	verifyResult, err := chain.Verify(ctx, proofHash)
	rtt := time.Since(start)
	if err != nil {
		return ChainResult{Network: chain.Network(), Verified: false, TxID: storeResult.TxID, Error: err.Error(), RTT: rtt}
	}
	if !verifyResult.Valid || len(verifyResult.Payload) == 0 {
		return ChainResult{Network: chain.Network(), Verified: false, TxID: storeResult.TxID, Error: "verify returned invalid/empty payload", RTT: rtt}
	}
	roundTrip := sha256.Sum256(verifyResult.Payload)
	if roundTrip != proofHash {
		return ChainResult{Network: chain.Network(), Verified: false, TxID: storeResult.TxID, Error: "returned payload does not hash to proof_hash", RTT: rtt}
	}
	return ChainResult{Network: chain.Network(), Verified: true, TxID: storeResult.TxID, RTT: rtt}
}
