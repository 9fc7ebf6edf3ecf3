package task

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/chainclient/simadapter"
	"github.com/eladmint/ziggurat-gateway/pkg/explain"
	"github.com/eladmint/ziggurat-gateway/pkg/marketplace"
	"github.com/eladmint/ziggurat-gateway/pkg/payment"
	"github.com/eladmint/ziggurat-gateway/pkg/payment/kvstore"
	"github.com/eladmint/ziggurat-gateway/pkg/quota"
	"github.com/eladmint/ziggurat-gateway/pkg/registry"
	"github.com/eladmint/ziggurat-gateway/pkg/reward"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/verification"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// modelStub implements explain.ModelClient with a fixed canned result and a
// dispatch counter.
type modelStub struct {
	calls  int64
	result explain.RawResult
}

func (m *modelStub) Explain(ctx context.Context, modelID string, input map[string]interface{}, method types.Method) (explain.RawResult, error) {
	atomic.AddInt64(&m.calls, 1)
	return m.result, nil
}

func (m *modelStub) Models(ctx context.Context) ([]*types.ModelDescriptor, error) { return nil, nil }

func (m *modelStub) Health(ctx context.Context) (explain.CanisterHealth, error) {
	return explain.CanisterHealth{Status: "ok"}, nil
}

// marketStub tracks which marketplace endpoints were hit.
type marketStub struct {
	claims, completions, rewardClaims int64
	claimedBy                         string // non-empty => claim returns 409 with this holder
}

func (m *marketStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/claim"):
			if m.claimedBy != "" {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{"claimed_by": m.claimedBy})
				return
			}
			atomic.AddInt64(&m.claims, 1)
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/complete"):
			atomic.AddInt64(&m.completions, 1)
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/reward"):
			atomic.AddInt64(&m.rewardClaims, 1)
			_ = json.NewEncoder(w).Encode(marketplace.RewardResponse{Amount: "24.500000", Token: "MASUMI"})
		case strings.HasSuffix(r.URL.Path, "/reputation"):
			_ = json.NewEncoder(w).Encode(map[string]float64{"reputation": 0.5})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type fixture struct {
	bridge   *Bridge
	model    *modelStub
	market   *marketStub
	ledger   *payment.Ledger
	payStore *kvstore.Store
	primary  *simadapter.Client
	opts     ProcessOptions
}

func newFixture(t *testing.T, model *modelStub, market *marketStub) *fixture {
	t.Helper()

	srv := httptest.NewServer(market.handler())
	t.Cleanup(srv.Close)

	primary := simadapter.New("ICP", 0)
	secondaries := []chainclient.Chain{simadapter.New("Cardano", 0), simadapter.New("TON", 0)}

	descriptors := []*types.ModelDescriptor{{
		ModelID:                "credit-risk-v1",
		SupportedMethods:       []types.Method{types.MethodSHAP},
		MaxInputBytes:          4096,
		CostPerInferenceCycles: 1_000_000,
	}}
	raw, err := json.Marshal(descriptors)
	if err != nil {
		t.Fatalf("marshal descriptors: %v", err)
	}
	if _, err := primary.Store(context.Background(), raw, registry.ModelStorageID); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	quiet := log.New(log.Writer(), "", 0)
	reg := registry.New(primary, time.Minute, quiet)
	engine := explain.New(model, reg, time.Minute)
	verifier := verification.New(verification.Config{ConsensusThreshold: 0.66, SecondaryTimeout: time.Second, CacheResults: true, Logger: quiet})
	gate := quota.New(map[types.Tier]quota.Limit{types.TierCommunity: {RequestsPerHour: 100, Concurrent: 4}})
	mkt := marketplace.New(srv.URL, "", time.Second)

	payStore := kvstore.New(newMemKV(), []byte("test-hmac-key"))
	chains := map[types.Network]chainclient.Chain{types.NetworkICP: primary}
	ledger := payment.New(payStore, chains, nil, nil, types.NetworkICP)

	base, err := reward.ParseDecimal("10")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	bridge := New(Config{MinQualityThreshold: 0.7, RewardBase: base, RewardToken: "MASUMI"},
		NewStore(newMemKV(), []byte("test-hmac-key")), gate, mkt, engine, verifier, ledger, quiet)

	return &fixture{
		bridge:   bridge,
		model:    model,
		market:   market,
		ledger:   ledger,
		payStore: payStore,
		primary:  primary,
		opts: ProcessOptions{
			Method:          types.MethodSHAP,
			ModelID:         "credit-risk-v1",
			Tier:            types.TierCommunity,
			Complexity:      types.ComplexityMedium,
			Verify:          true,
			PrimaryChain:    primary,
			SecondaryChains: secondaries,
		},
	}
}

func goodModelResult() explain.RawResult {
	reasoning := strings.TrimSpace(strings.Repeat("Credit score carries most predictive weight in this decision outcome. ", 5))
	return explain.RawResult{
		Reasoning:         reasoning,
		Confidence:        0.88,
		FeatureImportance: map[string]float64{"credit_score": 0.65, "income": 0.35},
		DecisionPath:      []string{"load features", "evaluate credit score", "evaluate income"},
		ProcessingTimeMs:  750,
		CostCycles:        1_500_000,
	}
}

func TestProcessExplainableTaskHappyPath(t *testing.T) {
	f := newFixture(t, &modelStub{result: goodModelResult()}, &marketStub{})
	input := map[string]interface{}{"credit_score": 720, "income": 85000}

	rec, err := f.bridge.ProcessExplainableTask(context.Background(), "T1", "agent-1", input, fixtureOptsWithPath(f))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Status != types.TaskRewarded {
		t.Fatalf("expected Rewarded, got %s (quality %v, low_quality %v)", rec.Status, rec.QualityScore, rec.LowQuality)
	}
	if rec.RewardID == "" {
		t.Fatalf("expected a reward payment id on the record")
	}
	if !rec.BlockchainVerified {
		t.Fatalf("expected the explanation anchored on the primary chain")
	}
	if !strings.HasPrefix(rec.ProofHash, "sha256:") {
		t.Fatalf("expected a sha256-prefixed proof id, got %q", rec.ProofHash)
	}

	p, ok, err := f.payStore.FindBySource(types.PaymentTaskReward, "T1")
	if err != nil || !ok {
		t.Fatalf("expected exactly one TaskReward payment for T1: ok=%v err=%v", ok, err)
	}
	if p.Kind != types.PaymentTaskReward || p.Recipient != "agent-1" {
		t.Fatalf("unexpected reward payment: %+v", p)
	}
}

func fixtureOptsWithPath(f *fixture) ProcessOptions {
	opts := f.opts
	opts.IncludeDecisionPath = true
	return opts
}

func TestProcessExplainableTaskIsIdempotent(t *testing.T) {
	f := newFixture(t, &modelStub{result: goodModelResult()}, &marketStub{})
	input := map[string]interface{}{"credit_score": 720}

	first, err := f.bridge.ProcessExplainableTask(context.Background(), "T4", "agent-1", input, fixtureOptsWithPath(f))
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	second, err := f.bridge.ProcessExplainableTask(context.Background(), "T4", "agent-1", input, fixtureOptsWithPath(f))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if first.Status != types.TaskRewarded || second.Status != types.TaskRewarded {
		t.Fatalf("expected both calls to end Rewarded, got %s then %s", first.Status, second.Status)
	}
	if first.RewardID != second.RewardID {
		t.Fatalf("expected the same reward id, got %q then %q", first.RewardID, second.RewardID)
	}
	if got := atomic.LoadInt64(&f.model.calls); got != 1 {
		t.Fatalf("expected exactly one model call, got %d", got)
	}
	if got := atomic.LoadInt64(&f.market.rewardClaims); got != 1 {
		t.Fatalf("expected at-most-once reward claim, got %d", got)
	}
}

func TestProcessExplainableTaskSubThresholdSkipsReward(t *testing.T) {
	model := &modelStub{result: explain.RawResult{Confidence: 0.40}}
	market := &marketStub{}
	f := newFixture(t, model, market)

	opts := f.opts
	opts.Verify = false
	rec, err := f.bridge.ProcessExplainableTask(context.Background(), "T2", "agent-1", map[string]interface{}{"credit_score": 500}, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.Status != types.TaskSubmitted || !rec.LowQuality {
		t.Fatalf("expected Submitted with low_quality=true, got %s low_quality=%v", rec.Status, rec.LowQuality)
	}
	if got := atomic.LoadInt64(&market.rewardClaims); got != 0 {
		t.Fatalf("expected no reward claim for a sub-threshold explanation, got %d", got)
	}
	if _, ok, _ := f.payStore.FindBySource(types.PaymentTaskReward, "T2"); ok {
		t.Fatalf("expected no TaskReward payment for a sub-threshold explanation")
	}
}

func TestProcessExplainableTaskDeniedWhenClaimedByAnotherAgent(t *testing.T) {
	f := newFixture(t, &modelStub{result: goodModelResult()}, &marketStub{claimedBy: "agent-2"})

	_, err := f.bridge.ProcessExplainableTask(context.Background(), "T3", "agent-1", map[string]interface{}{"a": 1}, f.opts)
	if !xerrors.Is(err, xerrors.CodeClaimDenied) {
		t.Fatalf("expected ClaimDenied, got %v", err)
	}
	if got := atomic.LoadInt64(&f.model.calls); got != 0 {
		t.Fatalf("expected no model call after a denied claim, got %d", got)
	}
}

func TestProcessExplainableTaskContinuesWhenAlreadyClaimedBySelf(t *testing.T) {
	f := newFixture(t, &modelStub{result: goodModelResult()}, &marketStub{claimedBy: "agent-1"})

	rec, err := f.bridge.ProcessExplainableTask(context.Background(), "T5", "agent-1", map[string]interface{}{"credit_score": 720}, fixtureOptsWithPath(f))
	if err != nil {
		t.Fatalf("expected an already-claimed-by-self task to continue, got %v", err)
	}
	if rec.Status != types.TaskRewarded {
		t.Fatalf("expected Rewarded, got %s", rec.Status)
	}
}
