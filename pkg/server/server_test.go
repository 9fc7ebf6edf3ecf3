package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/config"
	"github.com/eladmint/ziggurat-gateway/pkg/gateway"
	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/payment"
	"github.com/eladmint/ziggurat-gateway/pkg/payment/kvstore"
	"github.com/eladmint/ziggurat-gateway/pkg/proofhash"
	"github.com/eladmint/ziggurat-gateway/pkg/registry"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// memKV is a trivial in-memory kvdb.KV, kept package-local to avoid a
// test-only cross-package dependency.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}
func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}
func (m *memKV) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}
func (m *memKV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	snap := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snap[k] = m.data[k]
	}
	m.mu.Unlock()
	for _, k := range keys {
		if err := fn([]byte(k), snap[k]); err != nil {
			return err
		}
	}
	return nil
}

// fakeChain is a minimal chainclient.Chain used to back the registry and
// verify_proof tests without a live network.
type fakeChain struct {
	network       string
	registryPayload []byte
	verifyValid   bool
	verifyPayload []byte
}

func (f *fakeChain) Network() string { return f.network }
func (f *fakeChain) Health(ctx context.Context) (chainclient.Health, error) {
	return chainclient.Health{}, nil
}
func (f *fakeChain) Store(ctx context.Context, payload []byte, idHint string) (chainclient.StoreResult, error) {
	return chainclient.StoreResult{TxID: "tx-" + f.network}, nil
}
func (f *fakeChain) Fetch(ctx context.Context, storageID string) ([]byte, error) {
	return f.registryPayload, nil
}
func (f *fakeChain) Verify(ctx context.Context, proofHash [32]byte) (chainclient.VerifyResult, error) {
	return chainclient.VerifyResult{Valid: f.verifyValid, Payload: f.verifyPayload}, nil
}
func (f *fakeChain) BatchStore(ctx context.Context, items [][]byte) []chainclient.BatchResult {
	return nil
}
func (f *fakeChain) Stats() chainclient.Stats { return chainclient.Stats{} }

func testGatewayContext(t *testing.T) *gateway.Context {
	t.Helper()
	primary := &fakeChain{network: "ICP", registryPayload: []byte(`[]`)}
	store := kvstore.New(newMemKV(), []byte("hmac-key"))
	ledger := payment.New(store, map[types.Network]chainclient.Chain{"ICP": primary},
		payment.RateTable{}, payment.MethodRates{"SHAP": 10}, "ICP")

	return &gateway.Context{
		Config: &config.Config{
			PrimaryChain:    "ICP",
			SecondaryChains: []string{},
		},
		Chains:   map[types.Network]chainclient.Chain{"ICP": primary},
		Registry: registry.New(primary, time.Hour, nil),
		Ledger:   ledger,
		Metrics:  metrics.New(),
	}
}

func TestHandleListModels(t *testing.T) {
	gw := testGatewayContext(t)
	h := NewHandlers(gw)

	req := httptest.NewRequest(http.MethodGet, "/v1/list_models", nil)
	rec := httptest.NewRecorder()
	h.HandleListModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["models"]; !ok {
		t.Fatalf("expected a models key in the response, got %+v", body)
	}
}

func TestHandleListModelsRejectsNonGet(t *testing.T) {
	gw := testGatewayContext(t)
	h := NewHandlers(gw)
	req := httptest.NewRequest(http.MethodPost, "/v1/list_models", nil)
	rec := httptest.NewRecorder()
	h.HandleListModels(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleGetBalanceRequiresUser(t *testing.T) {
	gw := testGatewayContext(t)
	h := NewHandlers(gw)
	req := httptest.NewRequest(http.MethodGet, "/v1/get_balance", nil)
	rec := httptest.NewRecorder()
	h.HandleGetBalance(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a user param, got %d", rec.Code)
	}
}

func TestHandleGetBalanceReturnsBalances(t *testing.T) {
	gw := testGatewayContext(t)
	if _, err := gw.Ledger.RecordRewardPayout(types.RewardRecord{
		TaskID: "task-1", Total: "5.000000", Token: "ZIGG",
	}, "agent-xyz"); err != nil {
		t.Fatalf("seed payout failed: %v", err)
	}

	h := NewHandlers(gw)
	req := httptest.NewRequest(http.MethodGet, "/v1/get_balance?user=agent-xyz", nil)
	rec := httptest.NewRecorder()
	h.HandleGetBalance(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Balances map[string]string `json:"balances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The seeded payout is still Pending (never settled), so Balance
	// correctly reports nothing yet.
	if len(body.Balances) != 0 {
		t.Fatalf("expected no settled balance yet, got %+v", body.Balances)
	}
}

func TestHandleGetPerformanceMetrics(t *testing.T) {
	gw := testGatewayContext(t)
	h := NewHandlers(gw)
	req := httptest.NewRequest(http.MethodGet, "/v1/get_performance_metrics", nil)
	rec := httptest.NewRecorder()
	h.HandleGetPerformanceMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHandleVerifyProofAggregatesPerChainResults(t *testing.T) {
	payload := []byte("the canonical explanation bytes")
	digest := mustHash(t, payload)

	good := &fakeChain{network: "ICP", verifyValid: true, verifyPayload: payload}
	bad := &fakeChain{network: "Cardano", verifyValid: false}

	gw := testGatewayContext(t)
	gw.Chains = map[types.Network]chainclient.Chain{"ICP": good, "Cardano": bad}
	gw.Config.PrimaryChain = "ICP"
	gw.Config.SecondaryChains = []string{"Cardano"}

	h := NewHandlers(gw)
	body := strings.NewReader(`{"proof_hash":"` + proofhash.ProofID(digest) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/verify_proof", body)
	rec := httptest.NewRecorder()
	h.HandleVerifyProof(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp verifyProofResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalCount != 2 || resp.VerifiedCount != 1 {
		t.Fatalf("expected 1/2 verified, got %d/%d", resp.VerifiedCount, resp.TotalCount)
	}
}

func TestHandleVerifyProofRejectsBadHash(t *testing.T) {
	gw := testGatewayContext(t)
	h := NewHandlers(gw)
	req := httptest.NewRequest(http.MethodPost, "/v1/verify_proof", strings.NewReader(`{"proof_hash":"not-valid"}`))
	rec := httptest.NewRecorder()
	h.HandleVerifyProof(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed proof hash, got %d", rec.Code)
	}
}

func mustHash(t *testing.T, payload []byte) [32]byte {
	t.Helper()
	return sha256.Sum256(payload)
}
