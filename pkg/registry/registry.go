// Package registry is the model registry cache: a lazily loaded,
// periodically refreshed view of the model descriptors published on the
// primary chain. Read-mostly — readers never block each other; refresh is
// single-writer.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// ModelStorageID is the well-known storage id the primary chain is expected
// to hold the current model registry snapshot under.
const ModelStorageID = "ziggurat:model-registry:v1"

// Cache is the lazily loaded, periodically refreshed model registry.
type Cache struct {
	primary chainclient.Chain
	ttl     time.Duration
	logger  *log.Logger

	mu       sync.RWMutex
	models   map[string]*types.ModelDescriptor
	loaded   bool
	lastLoad time.Time

	refreshOnce sync.Once
	stop        chan struct{}
}

// New creates a Cache reading from primary, refreshing every ttl.
func New(primary chainclient.Chain, ttl time.Duration, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(log.Writer(), "[ModelRegistry] ", log.LstdFlags)
	}
	return &Cache{
		primary: primary,
		ttl:     ttl,
		logger:  logger,
		models:  make(map[string]*types.ModelDescriptor),
		stop:    make(chan struct{}),
	}
}

// StartRefreshLoop launches the background ticker that reloads the registry
// every ttl. Readers never block on this goroutine; it only ever replaces
// the map wholesale under the write lock.
func (c *Cache) StartRefreshLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Printf("periodic registry refresh failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the background refresh loop.
func (c *Cache) Stop() { close(c.stop) }

// ensureLoaded performs the initial lazy fetch, exactly once, regardless of
// how many concurrent callers arrive before the first load completes.
func (c *Cache) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	var loadErr error
	c.refreshOnce.Do(func() {
		loadErr = c.Refresh(ctx)
	})
	return loadErr
}

// Refresh reloads the registry from the primary chain unconditionally.
func (c *Cache) Refresh(ctx context.Context) error {
	raw, err := c.primary.Fetch(ctx, ModelStorageID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to fetch model registry", err)
	}
	if raw == nil {
		// Not found is not an error: an empty registry is valid until a
		// publisher writes one.
		c.mu.Lock()
		c.loaded = true
		c.lastLoad = time.Now()
		c.mu.Unlock()
		return nil
	}
	var descriptors []*types.ModelDescriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to decode model registry payload", err)
	}
	byID := make(map[string]*types.ModelDescriptor, len(descriptors))
	for _, d := range descriptors {
		if len(d.SupportedMethods) == 0 {
			c.logger.Printf("dropping model %q: supported_methods must be non-empty", d.ModelID)
			continue
		}
		if d.CostPerInferenceCycles == 0 {
			c.logger.Printf("dropping model %q: cost_per_inference_cycles must be > 0", d.ModelID)
			continue
		}
		byID[d.ModelID] = d
	}
	c.mu.Lock()
	c.models = byID
	c.loaded = true
	c.lastLoad = time.Now()
	c.mu.Unlock()
	return nil
}

// Invalidate forces the next Resolve/Lookup to reload before answering.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
	c.refreshOnce = sync.Once{}
}

// Lookup performs the strict model_id resolution path: fails with
// UnknownModel if the id is absent.
func (c *Cache) Lookup(ctx context.Context, modelID string) (*types.ModelDescriptor, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[modelID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownModel, "unknown model_id: "+modelID)
	}
	return m, nil
}

// Resolve follows a fixed resolution order: strict lookup when modelID is
// given, otherwise the cheapest model supporting method and accepting
// inputSize.
func (c *Cache) Resolve(ctx context.Context, modelID string, method types.Method, inputSize int64) (*types.ModelDescriptor, error) {
	if modelID != "" {
		return c.Lookup(ctx, modelID)
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *types.ModelDescriptor
	for _, m := range c.models {
		if !m.SupportsMethod(method) {
			continue
		}
		if inputSize > m.MaxInputBytes {
			continue
		}
		if best == nil || m.CostPerInferenceCycles < best.CostPerInferenceCycles {
			best = m
		}
	}
	if best == nil {
		return nil, xerrors.New(xerrors.CodeMethodUnsupported, "no model supports the requested method and input size")
	}
	return best, nil
}

// List returns a snapshot of every known model descriptor.
func (c *Cache) List(ctx context.Context) ([]*types.ModelDescriptor, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out, nil
}
