// Package quota is a sliding-window per-{agent_id, tier} rate limiter with
// concurrency limits and upgrade hints. Per-agent decisions are serialized
// FIFO using one buffered channel per agent as a mutex-with-queueing, so
// two concurrent requests from the same agent cannot both take the last
// remaining unit.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// WindowSeconds is the fixed sliding-window length used for rate limiting.
const WindowSeconds = 3600

// Limit is the per-tier quota: requests/hour and max concurrent in-flight.
type Limit struct {
	RequestsPerHour int
	Concurrent      int
}

// upgradeHints names the next tier up, for RateLimited's actionable hint.
var upgradeHints = map[types.Tier]string{
	types.TierCommunity:    "Professional",
	types.TierProfessional: "Enterprise",
	types.TierEnterprise:   "",
}

type agentState struct {
	lock      chan struct{} // capacity 1; FIFO mutex-with-queueing
	window    []int64       // unix-ms timestamps of accepted requests, ascending
	inFlight  int
}

// Gate is the process-wide quota tracker, keyed by agent_id; the tier for
// an agent is supplied per-call since it is a property of the caller's
// account, not of the gate itself.
type Gate struct {
	limits map[types.Tier]Limit

	mu     sync.Mutex
	agents map[string]*agentState

	metrics *metrics.Registry // nil when instrumentation is disabled
}

// New creates a Gate with the given per-tier limits.
func New(limits map[types.Tier]Limit) *Gate {
	return &Gate{limits: limits, agents: make(map[string]*agentState)}
}

// WithMetrics attaches a metrics registry; rejections and in-flight counts
// are recorded against it.
func (g *Gate) WithMetrics(m *metrics.Registry) *Gate {
	g.metrics = m
	return g
}

func (g *Gate) state(agentID string) *agentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.agents[agentID]
	if !ok {
		s = &agentState{lock: make(chan struct{}, 1)}
		s.lock <- struct{}{}
		g.agents[agentID] = s
	}
	return s
}

// Decision is the outcome of a successful Acquire; Release must be called
// exactly once when the request completes, to free the concurrency slot.
type Decision struct {
	gate  *Gate
	state *agentState
	tier  types.Tier
}

// Release frees the concurrency slot this Decision reserved.
func (d Decision) Release() {
	d.gate.mu.Lock()
	d.state.inFlight--
	d.gate.mu.Unlock()
	if d.gate.metrics != nil {
		d.gate.metrics.QuotaInFlight.WithLabelValues(string(d.tier)).Dec()
	}
}

// Acquire performs the FIFO-serialized admission check for agentID at tier.
// On success it records the request in the sliding window and reserves a
// concurrency slot (released via the returned Decision). On rejection it
// returns a RateLimited error carrying retry_after, remaining, and an
// upgrade hint; no state is modified.
func (g *Gate) Acquire(ctx context.Context, agentID string, tier types.Tier) (Decision, error) {
	limit, ok := g.limits[tier]
	if !ok {
		return Decision{}, xerrors.New(xerrors.CodeBadConfig, "no rate limit configured for tier "+string(tier))
	}
	st := g.state(agentID)

	select {
	case <-st.lock:
	case <-ctx.Done():
		return Decision{}, xerrors.Wrap(xerrors.CodeCancelled, "context cancelled waiting for quota turn", ctx.Err())
	}
	defer func() { st.lock <- struct{}{} }()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	cutoff := now - WindowSeconds*1000
	st.window = trimWindow(st.window, cutoff)

	if len(st.window) >= limit.RequestsPerHour {
		retryAfter := int((st.window[0] + WindowSeconds*1000 - now) / 1000)
		if retryAfter < 0 {
			retryAfter = 0
		}
		if g.metrics != nil {
			g.metrics.QuotaRejections.WithLabelValues(string(tier)).Inc()
		}
		return Decision{}, xerrors.RateLimited(retryAfter, 0, upgradeHints[tier])
	}
	if st.inFlight >= limit.Concurrent {
		if g.metrics != nil {
			g.metrics.QuotaRejections.WithLabelValues(string(tier)).Inc()
		}
		return Decision{}, xerrors.RateLimited(1, limit.RequestsPerHour-len(st.window), upgradeHints[tier])
	}

	st.window = append(st.window, now)
	st.inFlight++
	if g.metrics != nil {
		g.metrics.QuotaInFlight.WithLabelValues(string(tier)).Inc()
	}
	return Decision{gate: g, state: st, tier: tier}, nil
}

func trimWindow(window []int64, cutoff int64) []int64 {
	i := 0
	for i < len(window) && window[i] < cutoff {
		i++
	}
	return window[i:]
}

// Remaining reports how many requests the agent may still make in the
// current window at the given tier, without consuming one.
func (g *Gate) Remaining(agentID string, tier types.Tier) int {
	limit, ok := g.limits[tier]
	if !ok {
		return 0
	}
	st := g.state(agentID)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixMilli()
	st.window = trimWindow(st.window, now-WindowSeconds*1000)
	remaining := limit.RequestsPerHour - len(st.window)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
