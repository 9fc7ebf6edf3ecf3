// Package payment is the append-only payment ledger: unified payment
// records, cross-currency conversion, and batch settlement over each
// chain's batch store. Records never leave Settled or Failed.
package payment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/reward"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Store is the append-only persistence contract a Ledger writes through;
// pkg/payment/kvstore and pkg/payment/pgstore both implement it.
type Store interface {
	Append(p types.Payment) error
	FindBySource(kind types.PaymentKind, sourceID string) (*types.Payment, bool, error)
	Get(paymentID string) (*types.Payment, bool, error)
	UpdateStatus(paymentID string, status types.PaymentStatus, txHash string, settledAt int64) error
	ListPending() ([]types.Payment, error)
	ListByRecipient(recipient string) ([]types.Payment, error)
	ListBySender(sender string) ([]types.Payment, error)
}

// RateTable is the configured pairwise currency conversion table, treated
// as ground truth without any inversion check.
type RateTable map[string]map[string]float64

// MethodRates maps an explanation method to its cycles-to-currency rate.
type MethodRates map[string]uint64

// Ledger is the single-writer payment ledger; appends are globally
// serialized, matching a single-writer queue resource model.
type Ledger struct {
	mu    sync.Mutex
	store Store
	chains map[types.Network]chainclient.Chain

	rates       RateTable
	methodRates MethodRates

	// settlementChain is the network newly recorded payments are routed to
	// for SettleBatch; the gateway's configured primary chain.
	settlementChain types.Network

	// observer, when set, receives a copy of every appended or settled
	// payment. It must not block.
	observer func(types.Payment)
}

// New creates a Ledger backed by store, with the given chain adapters (for
// settlement), conversion tables, and the network new payments route to at
// settlement time.
func New(store Store, chains map[types.Network]chainclient.Chain, rates RateTable, methodRates MethodRates, settlementChain types.Network) *Ledger {
	return &Ledger{store: store, chains: chains, rates: rates, methodRates: methodRates, settlementChain: settlementChain}
}

// WithObserver attaches a non-blocking observer notified on every appended
// or settled payment.
func (l *Ledger) WithObserver(fn func(types.Payment)) *Ledger {
	l.observer = fn
	return l
}

func (l *Ledger) notify(p types.Payment) {
	if l.observer != nil {
		l.observer(p)
	}
}

// RecordAIUsage records a usage charge: amount =
// ceil(cycles / 1_000_000) * rate[method]. Idempotent on (kind, source_id).
func (l *Ledger) RecordAIUsage(user string, cycles uint64, method types.Method, sourceID string) (types.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok, err := l.store.FindBySource(types.PaymentAIUsage, sourceID); err != nil {
		return types.Payment{}, err
	} else if ok {
		return *existing, nil
	}

	rate := l.methodRates[string(method)]
	units := uint64(math.Ceil(float64(cycles) / 1_000_000))
	amount := reward.FromInt64(int64(units)).Mul(reward.FromInt64(int64(rate)))

	p := types.Payment{
		PaymentID: uuid.NewString(),
		Kind:      types.PaymentAIUsage,
		SourceID:  sourceID,
		Amount:    amount.String(),
		Currency:  "CYCLES",
		Recipient: "gateway",
		Sender:    user,
		Chain:     l.settlementChain,
		Status:    types.PaymentPending,
		CreatedAt: types.Now(),
	}
	if err := l.store.Append(p); err != nil {
		return types.Payment{}, err
	}
	l.notify(p)
	return p, nil
}

// RecordRewardPayout implements record_reward_payout: a TaskReward payment
// keyed idempotently by task_id so claim_reward is at-most-once.
func (l *Ledger) RecordRewardPayout(rec types.RewardRecord, agentWallet string) (types.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok, err := l.store.FindBySource(types.PaymentTaskReward, rec.TaskID); err != nil {
		return types.Payment{}, err
	} else if ok {
		return *existing, xerrors.New(xerrors.CodeDuplicateReward, "reward already recorded for task "+rec.TaskID)
	}

	p := types.Payment{
		PaymentID: uuid.NewString(),
		Kind:      types.PaymentTaskReward,
		SourceID:  rec.TaskID,
		Amount:    rec.Total,
		Currency:  rec.Token,
		Recipient: agentWallet,
		Sender:    "reward_pool",
		Chain:     l.settlementChain,
		Status:    types.PaymentPending,
		CreatedAt: types.Now(),
	}
	if err := l.store.Append(p); err != nil {
		return types.Payment{}, err
	}
	l.notify(p)
	return p, nil
}

// CrossChainTransfer implements cross_chain_transfer: converts amount using
// the configured rate table and appends paired debit/credit payments, both
// Pending and enqueued for settlement.
func (l *Ledger) CrossChainTransfer(fromCcy, toCcy string, amount reward.Decimal, user, sourceID string) (debit, credit types.Payment, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok, ferr := l.store.FindBySource(types.PaymentCrossChainDebit, sourceID); ferr != nil {
		return types.Payment{}, types.Payment{}, ferr
	} else if ok {
		creditExisting, _, _ := l.store.FindBySource(types.PaymentCrossChainCredit, sourceID)
		if creditExisting != nil {
			return *existing, *creditExisting, nil
		}
		return *existing, types.Payment{}, nil
	}

	rate, ok := l.rates[fromCcy][toCcy]
	if !ok {
		return types.Payment{}, types.Payment{}, xerrors.New(xerrors.CodeBadConfig, fmt.Sprintf("no exchange rate configured for %s -> %s", fromCcy, toCcy))
	}
	converted := amount.Mul(reward.FromFloat64(rate))

	debit = types.Payment{
		PaymentID:           uuid.NewString(),
		Kind:                types.PaymentCrossChainDebit,
		SourceID:            sourceID,
		Amount:              amount.String(),
		Currency:            fromCcy,
		Sender:              user,
		Recipient:           "settlement",
		SourcePlatform:      fromCcy,
		DestinationPlatform: toCcy,
		Chain:               l.settlementChain,
		Status:              types.PaymentPending,
		CreatedAt:           types.Now(),
	}
	credit = types.Payment{
		PaymentID:           uuid.NewString(),
		Kind:                types.PaymentCrossChainCredit,
		SourceID:            sourceID,
		Amount:              converted.String(),
		Currency:            toCcy,
		Sender:              "settlement",
		Recipient:           user,
		SourcePlatform:      fromCcy,
		DestinationPlatform: toCcy,
		Chain:               l.settlementChain,
		Status:              types.PaymentPending,
		CreatedAt:           types.Now(),
	}
	if err := l.store.Append(debit); err != nil {
		return types.Payment{}, types.Payment{}, err
	}
	if err := l.store.Append(credit); err != nil {
		return types.Payment{}, types.Payment{}, err
	}
	l.notify(debit)
	l.notify(credit)
	return debit, credit, nil
}

// Balance implements balance(user): per currency, settled credits received
// by user minus settled debits user paid out. A payment with user on both
// sides contributes once to each sum and nets to zero.
func (l *Ledger) Balance(user string) (map[string]reward.Decimal, error) {
	credits, err := l.store.ListByRecipient(user)
	if err != nil {
		return nil, err
	}
	debits, err := l.store.ListBySender(user)
	if err != nil {
		return nil, err
	}
	balances := make(map[string]reward.Decimal)
	accumulate := func(payments []types.Payment, apply func(bal, amt reward.Decimal) reward.Decimal) {
		for _, p := range payments {
			if p.Status != types.PaymentSettled {
				continue
			}
			amt, err := reward.ParseDecimal(p.Amount)
			if err != nil {
				continue
			}
			balances[p.Currency] = apply(balances[p.Currency], amt)
		}
	}
	accumulate(credits, reward.Decimal.Add)
	accumulate(debits, reward.Decimal.Sub)
	return balances, nil
}

// EarningsByToken aggregates settled TaskReward payments for agentID,
// grouped by token.
func (l *Ledger) EarningsByToken(agentID string) (map[string]reward.Decimal, error) {
	payments, err := l.store.ListByRecipient(agentID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]reward.Decimal)
	for _, p := range payments {
		if p.Kind != types.PaymentTaskReward || p.Status != types.PaymentSettled {
			continue
		}
		amt, err := reward.ParseDecimal(p.Amount)
		if err != nil {
			continue
		}
		out[p.Currency] = out[p.Currency].Add(amt)
	}
	return out, nil
}

// SettleBatch groups pending payments by chain and calls each Chain's
// BatchStore, marking each payment Settled or Failed individually. One
// failure in the batch never blocks the rest.
func (l *Ledger) SettleBatch() error {
	pending, err := l.store.ListPending()
	if err != nil {
		return err
	}
	byChain := make(map[types.Network][]types.Payment)
	for _, p := range pending {
		byChain[p.Chain] = append(byChain[p.Chain], p)
	}

	// Deterministic chain processing order for reproducible test runs.
	chainNames := make([]types.Network, 0, len(byChain))
	for c := range byChain {
		chainNames = append(chainNames, c)
	}
	sort.Slice(chainNames, func(i, j int) bool { return chainNames[i] < chainNames[j] })

	for _, network := range chainNames {
		payments := byChain[network]
		chain, ok := l.chains[network]
		if !ok {
			for _, p := range payments {
				now := types.Now()
				_ = l.store.UpdateStatus(p.PaymentID, types.PaymentFailed, "", now)
				p.Status = types.PaymentFailed
				p.SettledAt = now
				l.notify(p)
			}
			continue
		}
		items := make([][]byte, len(payments))
		for i, p := range payments {
			items[i] = []byte(p.PaymentID + ":" + p.Amount + ":" + p.Currency)
		}
		results := chain.BatchStore(context.Background(), items)
		for i, res := range results {
			p := payments[i]
			now := types.Now()
			if res.Err != nil {
				_ = l.store.UpdateStatus(p.PaymentID, types.PaymentFailed, "", now)
				p.Status = types.PaymentFailed
			} else {
				_ = l.store.UpdateStatus(p.PaymentID, types.PaymentSettled, res.Result.TxID, now)
				p.Status = types.PaymentSettled
				p.TxHash = res.Result.TxID
			}
			p.SettledAt = now
			l.notify(p)
		}
	}
	return nil
}
