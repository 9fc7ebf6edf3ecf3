// Package httpadapter implements the Chain contract as plain JSON-over-HTTP
// against a configured base URL, for every network whose wire format the
// gateway treats as genuinely opaque (ICP, Cardano, Bitcoin, TON,
// Avalanche). Request/response shape follows pkg/server's
// handler conventions — typed JSON bodies, a stable error-code field — run
// in the outbound direction.
package httpadapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Client is a generic opaque-store adapter over an HTTP endpoint.
type Client struct {
	network string
	baseURL string
	http    *http.Client
	retry   chainclient.RetryPolicy

	successes int64
	failures  int64
	lastRTT   time.Duration
}

// New returns a Client for the given network and base URL.
func New(network, baseURL string, timeout time.Duration, retry chainclient.RetryPolicy) *Client {
	return &Client{
		network: network,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

func (c *Client) Network() string { return c.network }

type healthResponse struct {
	Status          string `json:"status"`
	CyclesRemaining uint64 `json:"cycles_remaining"`
	MemoryBytes     uint64 `json:"memory_bytes"`
}

func (c *Client) Health(ctx context.Context) (chainclient.Health, error) {
	start := time.Now()
	var resp healthResponse
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp)
	rtt := time.Since(start)
	c.lastRTT = rtt
	if err != nil {
		return chainclient.Health{Status: chainclient.Unreachable, RTT: rtt}, err
	}
	status := chainclient.HealthStatus(resp.Status)
	if status == "" {
		status = chainclient.Healthy
	}
	return chainclient.Health{
		Status:          status,
		CyclesRemaining: resp.CyclesRemaining,
		MemoryBytes:     resp.MemoryBytes,
		RTT:             rtt,
	}, nil
}

type storeRequest struct {
	Payload []byte `json:"payload"`
	IDHint  string `json:"id_hint,omitempty"`
}

type storeResponse struct {
	StorageID   string `json:"storage_id"`
	TxID        string `json:"tx_id"`
	BlockHeight uint64 `json:"block_height,omitempty"`
}

func (c *Client) Store(ctx context.Context, payload []byte, idHint string) (chainclient.StoreResult, error) {
	result, err := chainclient.Retry(ctx, c.retry, func(ctx context.Context, attempt int) (chainclient.StoreResult, error) {
		start := time.Now()
		var resp storeResponse
		err := c.doJSON(ctx, http.MethodPost, "/store", storeRequest{Payload: payload, IDHint: idHint}, &resp)
		c.lastRTT = time.Since(start)
		if err != nil {
			return chainclient.StoreResult{}, err
		}
		return chainclient.StoreResult{StorageID: resp.StorageID, TxID: resp.TxID, BlockHeight: resp.BlockHeight}, nil
	})
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		return chainclient.StoreResult{}, err
	}
	atomic.AddInt64(&c.successes, 1)
	return result, nil
}

func (c *Client) Fetch(ctx context.Context, storageID string) ([]byte, error) {
	var resp struct {
		Payload []byte `json:"payload"`
		Found   bool   `json:"found"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/fetch/"+storageID, nil, &resp)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Payload, nil
}

type verifyResponse struct {
	Valid       bool   `json:"valid"`
	Payload     []byte `json:"payload,omitempty"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (c *Client) Verify(ctx context.Context, proofHash [32]byte) (chainclient.VerifyResult, error) {
	var resp verifyResponse
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/verify/%x", proofHash), nil, &resp)
	if err != nil {
		return chainclient.VerifyResult{Err: err}, err
	}
	if resp.Valid && len(resp.Payload) > 0 {
		digest := sha256.Sum256(resp.Payload)
		if digest != proofHash {
			resp.Valid = false
		}
	}
	return chainclient.VerifyResult{
		Valid:       resp.Valid,
		Payload:     resp.Payload,
		BlockHeight: resp.BlockHeight,
		Timestamp:   resp.Timestamp,
	}, nil
}

// BatchStore stores every item in order; one failure never aborts the rest.
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
		LastRTT:   c.lastRTT,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeBadConfig, "failed to encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "http request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, "storage id not found")
	case resp.StatusCode == http.StatusUnauthorized:
		return xerrors.New(xerrors.CodeAuthError, "chain endpoint rejected credentials")
	case resp.StatusCode == http.StatusInsufficientStorage:
		return xerrors.New(xerrors.CodeStorageFull, "chain endpoint reports storage full")
	case resp.StatusCode == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeChainDegraded, "chain endpoint throttled the request")
	case resp.StatusCode >= 500:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return xerrors.New(xerrors.CodeNetworkError, "chain endpoint server error: "+eb.Message)
	case resp.StatusCode >= 400:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return xerrors.New(xerrors.CodeRemoteError, "chain endpoint rejected request: "+eb.Message)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to decode response", err)
	}
	return nil
}
