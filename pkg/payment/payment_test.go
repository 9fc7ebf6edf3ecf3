package payment

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/payment/kvstore"
	"github.com/eladmint/ziggurat-gateway/pkg/reward"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// memKV is a minimal in-memory kvdb.KV for exercising the ledger against a
// real kvstore.Store without a cometbft-db dependency in the test binary.
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
	keys := make([]string, 0)
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.data[k]
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn([]byte(k), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func newTestLedger(chains map[types.Network]chainclient.Chain) *Ledger {
	store := kvstore.New(newMemKV(), []byte("test-hmac-key"))
	rates := RateTable{"CYCLES": {"USD": 0.002}, "ICP": {"MASUMI": 50.0}}
	methodRates := MethodRates{"SHAP": 10, "LIME": 8}
	return New(store, chains, rates, methodRates, "ethereum")
}

func TestRecordAIUsageIsIdempotent(t *testing.T) {
	l := newTestLedger(nil)
	p1, err := l.RecordAIUsage("agent-1", 2_500_000, types.MethodSHAP, "src-1")
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	p2, err := l.RecordAIUsage("agent-1", 2_500_000, types.MethodSHAP, "src-1")
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if p1.PaymentID != p2.PaymentID {
		t.Fatalf("expected idempotent replay to return the same payment id")
	}
	// ceil(2_500_000 / 1_000_000) = 3, rate=10 => 30.000000
	if p1.Amount != "30.000000" {
		t.Fatalf("expected amount 30.000000, got %s", p1.Amount)
	}
}

func TestRecordRewardPayoutRejectsDuplicate(t *testing.T) {
	l := newTestLedger(nil)
	rec := types.RewardRecord{TaskID: "task-1", Total: "15.500000", Token: "ZIGG"}
	_, err := l.RecordRewardPayout(rec, "wallet-1")
	if err != nil {
		t.Fatalf("first payout failed: %v", err)
	}
	_, err = l.RecordRewardPayout(rec, "wallet-1")
	if err == nil {
		t.Fatalf("expected duplicate reward payout to error")
	}
}

func TestCrossChainTransferConvertsAndPairs(t *testing.T) {
	l := newTestLedger(nil)
	amount := reward.FromInt64(100)
	debit, credit, err := l.CrossChainTransfer("CYCLES", "USD", amount, "user-1", "xfer-1")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if debit.Currency != "CYCLES" || credit.Currency != "USD" {
		t.Fatalf("expected debit in CYCLES and credit in USD, got %s/%s", debit.Currency, credit.Currency)
	}
	if credit.Amount != "0.200000" {
		t.Fatalf("expected converted amount 0.200000, got %s", credit.Amount)
	}
}

func TestCrossChainTransferUnknownRate(t *testing.T) {
	l := newTestLedger(nil)
	_, _, err := l.CrossChainTransfer("CYCLES", "EUR", reward.FromInt64(1), "user-1", "xfer-2")
	if err == nil {
		t.Fatalf("expected error for unconfigured exchange rate")
	}
}

// fakeChain settles every item successfully and is used to exercise SettleBatch.
type fakeChain struct{ network string }

func (f *fakeChain) Network() string { return f.network }
func (f *fakeChain) Health(ctx context.Context) (chainclient.Health, error) {
	return chainclient.Health{}, nil
}
func (f *fakeChain) Store(ctx context.Context, payload []byte, idHint string) (chainclient.StoreResult, error) {
	return chainclient.StoreResult{TxID: "tx"}, nil
}
func (f *fakeChain) Fetch(ctx context.Context, storageID string) ([]byte, error) { return nil, nil }
func (f *fakeChain) Verify(ctx context.Context, proofHash [32]byte) (chainclient.VerifyResult, error) {
	return chainclient.VerifyResult{}, nil
}
func (f *fakeChain) BatchStore(ctx context.Context, items [][]byte) []chainclient.BatchResult {
	out := make([]chainclient.BatchResult, len(items))
	for i := range items {
		out[i] = chainclient.BatchResult{Result: chainclient.StoreResult{TxID: "tx"}}
	}
	return out
}
func (f *fakeChain) Stats() chainclient.Stats { return chainclient.Stats{} }

func TestSettleBatchMarksPaymentsSettled(t *testing.T) {
	chains := map[types.Network]chainclient.Chain{"ethereum": &fakeChain{network: "ethereum"}}
	l := newTestLedger(chains)

	p := types.Payment{
		PaymentID: "pay-settle-1",
		Kind:      types.PaymentAIUsage,
		SourceID:  "src-settle",
		Amount:    "10.000000",
		Currency:  "CYCLES",
		Recipient: "gateway",
		Sender:    "agent-2",
		Chain:     "ethereum",
		Status:    types.PaymentPending,
		CreatedAt: types.Now(),
	}
	if err := l.store.Append(p); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := l.SettleBatch(); err != nil {
		t.Fatalf("settle batch failed: %v", err)
	}

	got, ok, err := l.store.Get(p.PaymentID)
	if err != nil || !ok {
		t.Fatalf("expected payment to be found: ok=%v err=%v", ok, err)
	}
	if got.Status != types.PaymentSettled {
		t.Fatalf("expected payment to be settled, got status %s", got.Status)
	}
}

func TestSettleBatchFailsUnroutedPayments(t *testing.T) {
	l := newTestLedger(nil)
	p := types.Payment{
		PaymentID: "pay-settle-2",
		Kind:      types.PaymentAIUsage,
		SourceID:  "src-settle-2",
		Amount:    "5.000000",
		Currency:  "CYCLES",
		Recipient: "gateway",
		Sender:    "agent-3",
		Chain:     "unconfigured-chain",
		Status:    types.PaymentPending,
		CreatedAt: types.Now(),
	}
	if err := l.store.Append(p); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := l.SettleBatch(); err != nil {
		t.Fatalf("settle batch failed: %v", err)
	}
	got, ok, err := l.store.Get(p.PaymentID)
	if err != nil || !ok {
		t.Fatalf("expected payment to be found: ok=%v err=%v", ok, err)
	}
	if got.Status != types.PaymentFailed {
		t.Fatalf("expected payment with no configured chain to be marked failed, got %s", got.Status)
	}
}

func TestBalanceOnlyCountsSettled(t *testing.T) {
	l := newTestLedger(nil)
	// The payer's AIUsage debit is Pending until settlement, so it must not
	// show up in the balance yet.
	if _, err := l.RecordAIUsage("agent-3", 1_000_000, types.MethodSHAP, "src-balance"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	balances, err := l.Balance("agent-3")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("expected no balance while the debit is pending, got %+v", balances)
	}
}

func TestBalanceSubtractsSettledDebits(t *testing.T) {
	chains := map[types.Network]chainclient.Chain{"ethereum": &fakeChain{network: "ethereum"}}
	l := newTestLedger(chains)

	if _, err := l.RecordAIUsage("agent-4", 2_500_000, types.MethodSHAP, "src-debit"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := l.SettleBatch(); err != nil {
		t.Fatalf("settle batch failed: %v", err)
	}

	balances, err := l.Balance("agent-4")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if got := balances["CYCLES"].String(); got != "-30.000000" {
		t.Fatalf("expected the settled usage debit reflected as -30.000000 CYCLES, got %s", got)
	}
}

func TestBalanceReflectsCrossChainTransferNetChange(t *testing.T) {
	chains := map[types.Network]chainclient.Chain{"ethereum": &fakeChain{network: "ethereum"}}
	l := newTestLedger(chains)

	one, err := reward.ParseDecimal("1.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	debit, credit, err := l.CrossChainTransfer("ICP", "MASUMI", one, "user-7", "xfer-bal")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if debit.Status != types.PaymentPending || credit.Status != types.PaymentPending {
		t.Fatalf("expected both payments Pending before settlement, got %s/%s", debit.Status, credit.Status)
	}

	if err := l.SettleBatch(); err != nil {
		t.Fatalf("settle batch failed: %v", err)
	}

	balances, err := l.Balance("user-7")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if got := balances["MASUMI"].String(); got != "50.000000" {
		t.Fatalf("expected the settled credit of 50 MASUMI, got %s", got)
	}
	if got := balances["ICP"].String(); got != "-1.000000" {
		t.Fatalf("expected the settled debit of 1 ICP subtracted, got %s", got)
	}
}
