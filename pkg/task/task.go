// Package task is the task bridge: the six-state task lifecycle state
// machine (Available, Claimed, Submitted, Rewarded, Failed, Expired) and
// the claim → explain → verify → score → submit → reward orchestration.
// Each step's result is persisted before advancing, so re-entering a task
// at any step resumes rather than repeats.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/explain"
	"github.com/eladmint/ziggurat-gateway/pkg/marketplace"
	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/payment"
	"github.com/eladmint/ziggurat-gateway/pkg/proofhash"
	"github.com/eladmint/ziggurat-gateway/pkg/quality"
	"github.com/eladmint/ziggurat-gateway/pkg/quota"
	"github.com/eladmint/ziggurat-gateway/pkg/reward"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/verification"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Config bundles the Task Bridge's tunables: reward/quality thresholds and
// retry limits.
type Config struct {
	MinQualityThreshold float64
	RewardBase          reward.Decimal
	RewardToken         string
	SubmitMaxAttempts   int // defaults to 3
}

// ProcessOptions carries the per-call knobs process_explainable_task needs
// beyond (task_id, input): which method/model to dispatch to, whether to
// run the Verification Bridge, and the task's complexity bucket for the
// Reward Calculator.
type ProcessOptions struct {
	Method                 types.Method
	ModelID                string
	Tier                   types.Tier
	Complexity             types.Complexity
	IncludeCounterfactuals int
	IncludeDecisionPath    bool
	Verify                 bool
	PrimaryChain           chainclient.Chain
	SecondaryChains        []chainclient.Chain
}

// Bridge orchestrates process_explainable_task over the Quota Gate,
// Marketplace Client, Explanation Engine, Verification Bridge, Quality
// Scorer, Reward Calculator, and Payment Ledger.
type Bridge struct {
	cfg Config

	store       *Store
	quotaGate   *quota.Gate
	marketplace *marketplace.Client
	engine      *explain.Engine
	verifier    *verification.Bridge
	ledger      *payment.Ledger

	// locks gives each task_id its own mutex, lazily created, so
	// per-task state transitions are strictly serialized without
	// serializing unrelated tasks against each other.
	locks sync.Map // task_id -> *sync.Mutex

	logger  *log.Logger
	metrics *metrics.Registry // nil when instrumentation is disabled

	// observer, when set, receives a copy of every persisted task record.
	// It must not block: observers are fire-and-forget consumers like the
	// Firestore state mirror.
	observer func(types.TaskRecord)
}

// New creates a Bridge. logger may be nil, in which case a default
// *log.Logger is created matching per-component convention.
func New(cfg Config, store *Store, quotaGate *quota.Gate, mkt *marketplace.Client, engine *explain.Engine, verifier *verification.Bridge, ledger *payment.Ledger, logger *log.Logger) *Bridge {
	if cfg.SubmitMaxAttempts <= 0 {
		cfg.SubmitMaxAttempts = 3
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TaskBridge] ", log.LstdFlags)
	}
	return &Bridge{
		cfg:         cfg,
		store:       store,
		quotaGate:   quotaGate,
		marketplace: mkt,
		engine:      engine,
		verifier:    verifier,
		ledger:      ledger,
		logger:      logger,
	}
}

// WithMetrics attaches a metrics registry; state transitions, quality
// scores, and paid rewards are recorded against it.
func (b *Bridge) WithMetrics(m *metrics.Registry) *Bridge {
	b.metrics = m
	return b
}

func (b *Bridge) observeTransition(from, to types.TaskStatus) {
	if b.metrics != nil {
		b.metrics.TaskTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// WithObserver attaches a non-blocking observer notified on every persisted
// state change.
func (b *Bridge) WithObserver(fn func(types.TaskRecord)) *Bridge {
	b.observer = fn
	return b
}

func (b *Bridge) notify(rec types.TaskRecord) {
	if b.observer != nil {
		b.observer(rec)
	}
}

func (b *Bridge) lockFor(taskID string) *sync.Mutex {
	v, _ := b.locks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// terminal reports whether status is one the state machine never leaves.
func terminal(status types.TaskStatus) bool {
	switch status {
	case types.TaskRewarded, types.TaskFailed, types.TaskExpired:
		return true
	}
	return false
}

// ProcessExplainableTask runs the task's full processing flow. Re-entering with the
// same (task_id, input) after a prior partial run resumes from the
// persisted state rather than repeating completed steps; re-entering after
// a terminal state returns that state unchanged.
func (b *Bridge) ProcessExplainableTask(ctx context.Context, taskID, agentID string, input map[string]interface{}, opts ProcessOptions) (*types.TaskRecord, error) {
	lock := b.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := b.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec = &types.TaskRecord{TaskID: taskID, Status: types.TaskAvailable, UpdatedAt: types.Now()}
	}
	if terminal(rec.Status) {
		return rec, nil
	}

	// Step 1: quota check.
	decision, err := b.quotaGate.Acquire(ctx, agentID, opts.Tier)
	if err != nil {
		return rec, err
	}
	defer decision.Release()

	// Step 2: claim, idempotent on (task_id, agent_id).
	switch rec.Status {
	case types.TaskAvailable:
		if err := b.marketplace.Claim(ctx, taskID, agentID); err != nil {
			alreadyOurs := xerrors.Is(err, xerrors.CodeConflict) && claimedByAgent(err, agentID)
			if !alreadyOurs {
				if xerrors.Is(err, xerrors.CodeConflict) {
					return nil, xerrors.New(xerrors.CodeClaimDenied, "task "+taskID+" already claimed by another agent")
				}
				return rec, err
			}
			// AlreadyClaimed by this agent: idempotent, continue processing.
		}
		rec.Status = types.TaskClaimed
		rec.AgentID = agentID
		rec.UpdatedAt = types.Now()
		if err := b.store.Save(*rec); err != nil {
			return rec, err
		}
		b.observeTransition(types.TaskAvailable, types.TaskClaimed)
		b.notify(*rec)
	case types.TaskClaimed:
		if rec.AgentID != agentID {
			return nil, xerrors.New(xerrors.CodeClaimDenied, "task "+taskID+" claimed by a different agent")
		}
	case types.TaskSubmitted:
		// Envelope already submitted; only the reward claim may still be
		// outstanding. Fall through to the reward step below.
		return b.finishReward(ctx, rec, agentID, opts)
	}

	// Step 3: explain, cached under task_id so a retried call after a
	// crash resumes without a second model call.
	exp, err := b.engine.Explain(ctx, input, opts.Method, opts.ModelID, explain.Options{
		CacheKey:               "task:" + taskID,
		IncludeCounterfactuals: opts.IncludeCounterfactuals,
		IncludeDecisionPath:    opts.IncludeDecisionPath,
	})
	if err != nil {
		// Network/timeout on steps 3-5 is retryable; task remains Claimed.
		return rec, err
	}

	digest, err := proofhash.Hash(exp)
	if err != nil {
		return rec, xerrors.Wrap(xerrors.CodeBadConfig, "failed to hash explanation", err)
	}
	exp.ProofHash = proofhash.ProofID(digest)

	// Step 4: optional verification.
	var verResult *verification.Result
	if opts.Verify && opts.PrimaryChain != nil {
		canonical, err := proofhash.Canonicalize(exp)
		if err != nil {
			return rec, xerrors.Wrap(xerrors.CodeBadConfig, "failed to canonicalize explanation", err)
		}
		verResult, err = b.verifier.Verify(ctx, digest, canonical, opts.PrimaryChain, opts.SecondaryChains)
		if err != nil {
			return rec, err
		}
		exp.BlockchainVerified = verResult.BlockchainVerified
		exp.PrimaryChain = types.Network(verResult.PrimaryChain)
		exp.TransactionID = verResult.PrimaryTxID
	}

	// Step 5: score.
	qm := quality.Score(exp, len(exp.Counterfactuals) > 0, exp.BlockchainVerified)
	eligible := float64(qm.Overall) >= b.cfg.MinQualityThreshold
	if b.metrics != nil {
		b.metrics.QualityScore.Observe(float64(qm.Overall))
	}

	// Step 6: submit completion, attempted up to SubmitMaxAttempts times.
	envelope := marketplace.Envelope{
		Explanation:        exp,
		VerificationResult: verResult,
		QualityMetrics:     qm,
		ProcessingTimeMs:   exp.ProcessingTimeMs,
	}
	if err := b.submitWithRetry(ctx, taskID, envelope); err != nil {
		rec.Status = types.TaskFailed
		rec.FailReason = err.Error()
		rec.UpdatedAt = types.Now()
		_ = b.store.Save(*rec)
		b.observeTransition(types.TaskClaimed, types.TaskFailed)
		b.notify(*rec)
		return rec, err
	}

	rec.Status = types.TaskSubmitted
	rec.ProofHash = exp.ProofHash
	rec.LowQuality = !eligible
	rec.QualityScore = qm.Overall
	rec.BlockchainVerified = exp.BlockchainVerified
	rec.ProcessingTimeMs = exp.ProcessingTimeMs
	rec.UpdatedAt = types.Now()
	if err := b.store.Save(*rec); err != nil {
		return rec, err
	}
	b.observeTransition(types.TaskClaimed, types.TaskSubmitted)
	b.notify(*rec)

	if !eligible {
		return rec, nil
	}
	return b.finishReward(ctx, rec, agentID, opts)
}

// submitWithRetry reuses chainclient.Retry's escalating-backoff loop for
// the marketplace submit_completion call: it makes up to SubmitMaxAttempts
// attempts in total, stopping at once on a non-retryable error, before the
// task fails.
func (b *Bridge) submitWithRetry(ctx context.Context, taskID string, envelope marketplace.Envelope) error {
	policy := chainclient.RetryPolicy{MaxAttempts: b.cfg.SubmitMaxAttempts, BaseDelay: chainclient.DefaultRetryPolicy().BaseDelay, MaxDelay: chainclient.DefaultRetryPolicy().MaxDelay}
	_, err := chainclient.Retry(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, b.marketplace.SubmitCompletion(ctx, taskID, envelope)
	})
	return err
}

// finishReward performs step 7: claim the reward (if not already claimed)
// and record the payout, using the quality score, verification outcome and
// processing time persisted on rec by the Submitted transition above (so a
// resumed task computes the same reward whether it reaches finishReward
// inline or after a crash). A failed reward claim alone never fails the
// task — the envelope is already submitted — so errors here are logged and
// swallowed rather than returned.
func (b *Bridge) finishReward(ctx context.Context, rec *types.TaskRecord, agentID string, opts ProcessOptions) (*types.TaskRecord, error) {
	if rec.RewardID != "" {
		rec.Status = types.TaskRewarded
		return rec, nil
	}
	if rec.LowQuality {
		return rec, nil
	}

	reputation, err := b.marketplace.GetReputation(ctx, agentID)
	if err != nil {
		b.logger.Printf("task %s: failed to fetch reputation for %s, using neutral default: %v", rec.TaskID, agentID, err)
		reputation = 0.5
	}

	rewardResp, err := b.marketplace.ClaimReward(ctx, rec.TaskID)
	if err != nil {
		b.logger.Printf("task %s: reward claim failed, envelope remains submitted: %v", rec.TaskID, err)
		return rec, nil
	}

	in := reward.Input{
		TaskID:           rec.TaskID,
		AgentID:          agentID,
		Base:             b.cfg.RewardBase,
		Token:            firstNonEmpty(rewardResp.Token, b.cfg.RewardToken),
		Overall:          rec.QualityScore,
		Complexity:       opts.Complexity,
		OnChainVerified:  rec.BlockchainVerified,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		Reputation:       reputation,
		ComputedAt:       types.Now(),
	}
	result := reward.Compute(in)
	if !result.Eligible {
		return rec, nil
	}
	rewardRecord := reward.ToRecord(in, result)

	p, err := b.ledger.RecordRewardPayout(rewardRecord, agentID)
	if err != nil && !xerrors.Is(err, xerrors.CodeDuplicateReward) {
		b.logger.Printf("task %s: failed to record reward payout: %v", rec.TaskID, err)
		return rec, nil
	}

	rec.RewardID = p.PaymentID
	rec.Status = types.TaskRewarded
	rec.UpdatedAt = types.Now()
	if err := b.store.Save(*rec); err != nil {
		return rec, err
	}
	b.observeTransition(types.TaskSubmitted, types.TaskRewarded)
	b.notify(*rec)
	if b.metrics != nil {
		b.metrics.RewardsPaid.WithLabelValues(in.Token).Inc()
	}
	return rec, nil
}

// claimedByAgent inspects a CodeConflict error's raw response body for a
// "claimed_by" field matching agentID, so a retried claim from the agent
// that already holds the task is treated as idempotent rather than denied.
func claimedByAgent(err error, agentID string) bool {
	xe, ok := err.(*xerrors.Error)
	if !ok || xe.Detail == "" {
		return false
	}
	var body struct {
		ClaimedBy string `json:"claimed_by"`
	}
	if jsonErr := json.Unmarshal([]byte(xe.Detail), &body); jsonErr != nil {
		return false
	}
	return body.ClaimedBy == agentID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ExpireStale transitions every Available or Claimed task whose deadline
// has passed to Expired. The gateway's background loop calls it
// periodically.
func (b *Bridge) ExpireStale(now int64) (int, error) {
	count := 0
	for _, status := range []types.TaskStatus{types.TaskAvailable, types.TaskClaimed} {
		records, err := b.store.ListByStatus(status)
		if err != nil {
			return count, err
		}
		for _, rec := range records {
			if rec.Deadline == 0 || rec.Deadline > now {
				continue
			}
			lock := b.lockFor(rec.TaskID)
			lock.Lock()
			rec.Status = types.TaskExpired
			rec.UpdatedAt = now
			err := b.store.Save(rec)
			lock.Unlock()
			if err != nil {
				return count, fmt.Errorf("task: failed to expire %s: %w", rec.TaskID, err)
			}
			b.observeTransition(status, types.TaskExpired)
			b.notify(rec)
			count++
		}
	}
	return count, nil
}
