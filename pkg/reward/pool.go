package reward

import (
	"log"
	"sync"

	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Pool is the optional alternative reward path: a fixed budget divided
// across a known number of tasks. Distributions that would overdraw the
// budget are rejected; the pool is terminal once the remainder drops below
// the minimum payable amount.
type Pool struct {
	mu              sync.Mutex
	budget          Decimal
	remainingBudget Decimal
	numTasks        int
	minQuality      float64
	minPayable      Decimal
	distributed     map[string]Decimal // task_id -> amount, for idempotency
	logger          *log.Logger
}

// PoolConfig holds a pool's `{budget, num_tasks, min_quality}`.
type PoolConfig struct {
	Budget     Decimal
	NumTasks   int
	MinQuality float64
	MinPayable Decimal
	Logger     *log.Logger
}

// NewPool creates a Pool with avg_reward = budget / num_tasks implicitly
// available via AverageReward.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[RewardPool] ", log.LstdFlags)
	}
	return &Pool{
		budget:          cfg.Budget,
		remainingBudget: cfg.Budget,
		numTasks:        cfg.NumTasks,
		minQuality:      cfg.MinQuality,
		minPayable:      cfg.MinPayable,
		distributed:     make(map[string]Decimal),
		logger:          logger,
	}
}

// AverageReward returns budget / num_tasks.
func (p *Pool) AverageReward() Decimal {
	if p.numTasks <= 0 {
		return Zero()
	}
	return p.budget.Mul(FromFloat64(1.0 / float64(p.numTasks)))
}

// Distribute subtracts amount from the remaining budget for taskID,
// rejecting distributions that would emit more than the budget, and is
// idempotent per task_id (a repeat call for the same task returns the
// previously recorded amount without subtracting twice).
func (p *Pool) Distribute(taskID string, amount Decimal) (Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.distributed[taskID]; ok {
		return prev, nil
	}
	if amount.Cmp(p.remainingBudget) > 0 {
		return Zero(), xerrors.New(xerrors.CodeBadConfig, "reward pool distribution exceeds remaining budget")
	}
	p.remainingBudget = p.remainingBudget.Sub(amount)
	p.distributed[taskID] = amount
	return amount, nil
}

// Terminal reports whether the pool's remaining budget has fallen below
// the configured minimum payable amount.
func (p *Pool) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingBudget.Cmp(p.minPayable) < 0
}

// RemainingBudget returns a snapshot of the remaining budget.
func (p *Pool) RemainingBudget() Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingBudget
}

// MinQuality returns the pool's minimum quality eligibility cutoff.
func (p *Pool) MinQuality() float64 { return p.minQuality }
