package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/eladmint/ziggurat-gateway/pkg/commitment"
	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/registry"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Options holds per-request explanation options.
type Options struct {
	IncludeCounterfactuals int // 0 means "none requested"
	IncludeDecisionPath    bool
	CacheKey               string // overrides the derived cache key when set
}

// cacheEntry is a TTL'd, cached Explanation.
type cacheEntry struct {
	explanation *types.Explanation
	expiresAt   time.Time
}

// Engine routes explanation requests: model resolution, dispatch,
// normalization, and caching. Per-cache-key in-flight calls are coalesced
// with singleflight so concurrent callers share one model call.
type Engine struct {
	client   ModelClient
	registry *registry.Cache
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group

	metrics *metrics.Registry // nil when instrumentation is disabled
}

// New creates an Engine.
func New(client ModelClient, reg *registry.Cache, ttl time.Duration) *Engine {
	return &Engine{
		client:   client,
		registry: reg,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
	}
}

// WithMetrics attaches a metrics registry; request counts, durations, and
// cache hits are recorded against it.
func (e *Engine) WithMetrics(m *metrics.Registry) *Engine {
	e.metrics = m
	return e
}

// CanonicalCacheKey derives the (model_id, method, canonical_hash(input))
// cache key.
func CanonicalCacheKey(modelID string, method types.Method, input map[string]interface{}) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeBadConfig, "failed to encode input for cache key", err)
	}
	canon, err := commitment.CanonicalizeJSON(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeBadConfig, "failed to canonicalize input", err)
	}
	return modelID + "|" + string(method) + "|" + commitment.HashHex(canon), nil
}

// Explain performs the full dispatch: resolve a model, check the cache,
// coalesce concurrent in-flight calls for the same key, call the canister,
// normalize, and cache the result.
func (e *Engine) Explain(ctx context.Context, input map[string]interface{}, method types.Method, modelID string, opts Options) (*types.Explanation, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBadConfig, "input is not JSON-serializable", err)
	}

	model, err := e.registry.Resolve(ctx, modelID, method, int64(len(raw)))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > model.MaxInputBytes {
		return nil, xerrors.New(xerrors.CodeInputTooLarge, fmt.Sprintf("input is %d bytes, model max is %d", len(raw), model.MaxInputBytes))
	}

	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey, err = CanonicalCacheKey(model.ModelID, method, input)
		if err != nil {
			return nil, err
		}
	}

	if cached := e.lookupCache(cacheKey); cached != nil {
		if e.metrics != nil {
			e.metrics.ExplainCacheHits.Inc()
			e.metrics.ExplainRequests.WithLabelValues(string(method), "cache_hit").Inc()
		}
		return cached.Clone(), nil
	}

	start := time.Now()
	resultAny, err, _ := e.group.Do(cacheKey, func() (interface{}, error) {
		if cached := e.lookupCache(cacheKey); cached != nil {
			return cached, nil
		}
		fresh, err := e.dispatch(ctx, model, input, method, opts)
		if err != nil {
			return nil, err
		}
		e.storeCache(cacheKey, fresh)
		return fresh, nil
	})
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.ExplainRequests.WithLabelValues(string(method), outcome).Inc()
		e.metrics.ExplainDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	// Every caller — including ones coalesced onto the same in-flight
	// call via singleflight — gets its own clone, so mutating proof and
	// verification fields afterward never corrupts the cached entry or a
	// sibling caller's copy.
	return resultAny.(*types.Explanation).Clone(), nil
}

func (e *Engine) lookupCache(key string) *types.Explanation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.explanation
}

func (e *Engine) storeCache(key string, exp *types.Explanation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{explanation: exp, expiresAt: time.Now().Add(e.ttl)}
}

func (e *Engine) dispatch(ctx context.Context, model *types.ModelDescriptor, input map[string]interface{}, method types.Method, opts Options) (*types.Explanation, error) {
	methodUsed := method
	var fallbackWarning string
	if !model.SupportsMethod(method) {
		if len(model.SupportedMethods) == 0 {
			return nil, xerrors.New(xerrors.CodeMethodUnsupported, "model supports no methods")
		}
		methodUsed = model.SupportedMethods[0]
		fallbackWarning = fmt.Sprintf("requested method %s unsupported by model %s; fell back to %s", method, model.ModelID, methodUsed)
	}

	start := time.Now()
	raw, err := e.client.Explain(ctx, model.ModelID, input, methodUsed)
	if err != nil {
		return nil, err
	}
	elapsed := uint32(time.Since(start).Milliseconds())

	confidence, clamped := ClampConfidence(raw.Confidence)
	featureImportance := Normalize(methodUsed, raw.FeatureImportance)

	decisionPath := make([]string, 0, len(raw.DecisionPath)+2)
	if fallbackWarning != "" {
		decisionPath = append(decisionPath, fallbackWarning)
	}
	if clamped {
		decisionPath = append(decisionPath, fmt.Sprintf("confidence %.4f out of [0,1] range, clamped", raw.Confidence))
	}
	if opts.IncludeDecisionPath {
		decisionPath = append(decisionPath, raw.DecisionPath...)
	}

	var counterfactuals []types.Counterfactual
	if opts.IncludeCounterfactuals > 0 {
		limit := opts.IncludeCounterfactuals
		if limit > 16 {
			limit = 16
		}
		for i, cf := range raw.Counterfactuals {
			if i >= limit {
				break
			}
			delta := make(map[string]float32, len(cf.Delta))
			for k, v := range cf.Delta {
				delta[k] = float32(v)
			}
			counterfactuals = append(counterfactuals, types.Counterfactual{
				Delta:           delta,
				PredictedChange: cf.PredictedChange,
				ConfidenceDelta: float32(cf.ConfidenceDelta),
			})
		}
	}

	exp := &types.Explanation{
		RequestID:         uuid.NewString(),
		ModelID:           model.ModelID,
		MethodUsed:        methodUsed,
		Reasoning:         raw.Reasoning,
		Confidence:        confidence,
		FeatureImportance: featureImportance,
		DecisionPath:      decisionPath,
		Counterfactuals:   counterfactuals,
		ProcessingTimeMs:  elapsed,
		CostCycles:        raw.CostCycles,
		CreatedAt:         types.Now(),
	}
	exp.Clamp()
	return exp, nil
}
