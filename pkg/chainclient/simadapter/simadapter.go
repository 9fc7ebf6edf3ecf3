// Package simadapter is an in-memory Chain implementation used wherever no
// live endpoint is configured: local development, and the Verification
// Bridge's own tests. It implements the exact same interface as the real
// adapters, with injectable latency and error profiles so fan-out and
// consensus logic can be exercised deterministically. Calls are not retried:
// an injected fault surfaces on the call that consumes it.
package simadapter

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Fault lets a test inject a specific failure for the next call.
type Fault struct {
	Err   error
	Delay time.Duration
}

// Client is a synthetic Chain backed by an in-memory ledger.
type Client struct {
	network string

	mu      sync.RWMutex
	ledger  map[string][]byte
	byHash  map[[32]byte]string

	latency time.Duration

	faultsMu sync.Mutex
	faults   []Fault // consumed FIFO, one per Store/Verify call

	successes int64
	failures  int64
}

// New creates a simulated chain for network with the given base latency.
func New(network string, latency time.Duration) *Client {
	return &Client{
		network: network,
		ledger:  make(map[string][]byte),
		byHash:  make(map[[32]byte]string),
		latency: latency,
	}
}

// InjectFault queues a fault to be returned (or delayed) on the next call.
func (c *Client) InjectFault(f Fault) {
	c.faultsMu.Lock()
	defer c.faultsMu.Unlock()
	c.faults = append(c.faults, f)
}

func (c *Client) nextFault() *Fault {
	c.faultsMu.Lock()
	defer c.faultsMu.Unlock()
	if len(c.faults) == 0 {
		return nil
	}
	f := c.faults[0]
	c.faults = c.faults[1:]
	return &f
}

func (c *Client) Network() string { return c.network }

func (c *Client) Health(ctx context.Context) (chainclient.Health, error) {
	c.sleep(ctx)
	return chainclient.Health{Status: chainclient.Healthy, CyclesRemaining: 1_000_000, RTT: c.latency}, nil
}

func (c *Client) Store(ctx context.Context, payload []byte, idHint string) (chainclient.StoreResult, error) {
	if err := c.applyFault(ctx); err != nil {
		atomic.AddInt64(&c.failures, 1)
		return chainclient.StoreResult{}, err
	}
	storageID := idHint
	if storageID == "" {
		storageID = uuid.NewString()
	}
	digest := sha256.Sum256(payload)
	c.mu.Lock()
	c.ledger[storageID] = payload
	c.byHash[digest] = storageID
	c.mu.Unlock()
	atomic.AddInt64(&c.successes, 1)
	return chainclient.StoreResult{StorageID: storageID, TxID: "sim:" + storageID, BlockHeight: 1}, nil
}

func (c *Client) Fetch(ctx context.Context, storageID string) ([]byte, error) {
	c.sleep(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	payload, ok := c.ledger[storageID]
	if !ok {
		return nil, nil
	}
	return payload, nil
}

func (c *Client) Verify(ctx context.Context, proofHash [32]byte) (chainclient.VerifyResult, error) {
	if err := c.applyFault(ctx); err != nil {
		return chainclient.VerifyResult{Err: err}, err
	}
	c.mu.RLock()
	storageID, ok := c.byHash[proofHash]
	var payload []byte
	if ok {
		payload = c.ledger[storageID]
	}
	c.mu.RUnlock()
	if !ok {
		return chainclient.VerifyResult{Valid: false}, nil
	}
	return chainclient.VerifyResult{Valid: sha256.Sum256(payload) == proofHash, Payload: payload, Timestamp: time.Now().UnixMilli()}, nil
}

func (c *Client) BatchStore(ctx context.Context, items [][]byte) []chainclient.BatchResult {
	out := make([]chainclient.BatchResult, len(items))
	for i, item := range items {
		res, err := c.Store(ctx, item, "")
		out[i] = chainclient.BatchResult{Result: res, Err: err}
	}
	return out
}

func (c *Client) Stats() chainclient.Stats {
	return chainclient.Stats{
		Successes: atomic.LoadInt64(&c.successes),
		Failures:  atomic.LoadInt64(&c.failures),
		LastRTT:   c.latency,
	}
}

func (c *Client) sleep(ctx context.Context) {
	if c.latency == 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.latency):
	}
}

func (c *Client) applyFault(ctx context.Context) error {
	f := c.nextFault()
	if f == nil {
		c.sleep(ctx)
		return nil
	}
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeCancelled, "context cancelled", ctx.Err())
		case <-time.After(f.Delay):
		}
	} else {
		c.sleep(ctx)
	}
	if f.Err != nil {
		atomic.AddInt64(&c.failures, 1)
		return f.Err
	}
	return nil
}
