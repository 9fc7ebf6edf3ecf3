// Package explain routes inference requests to a remote model canister,
// normalizes the returned attributions across the five methods, and keeps
// a TTL'd result cache with per-key in-flight coalescing.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// ModelClient is the outbound contract to a remote model canister:
// POST /explain, GET /models, GET /health.
type ModelClient interface {
	Explain(ctx context.Context, modelID string, input map[string]interface{}, method types.Method) (RawResult, error)
	Models(ctx context.Context) ([]*types.ModelDescriptor, error)
	Health(ctx context.Context) (CanisterHealth, error)
}

// RawResult is the canister's unnormalized /explain response. proof_hash,
// if the wire payload carries one, is ignored by the decoder below — the
// gateway re-hashes locally.
type RawResult struct {
	Reasoning         string             `json:"reasoning"`
	Confidence        float64            `json:"confidence"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	DecisionPath      []string           `json:"decision_path,omitempty"`
	Counterfactuals   []rawCounterfactual `json:"counterfactuals,omitempty"`
	ProcessingTimeMs  uint32             `json:"processing_time_ms"`
	CostCycles        uint64             `json:"cost_cycles"`
}

type rawCounterfactual struct {
	Delta           map[string]float64 `json:"delta"`
	PredictedChange string             `json:"predicted_change"`
	ConfidenceDelta float64            `json:"confidence_delta"`
}

// CanisterHealth is the decoded GET /health response.
type CanisterHealth struct {
	Status  string `json:"status"`
	Memory  uint64 `json:"memory"`
	Cycles  uint64 `json:"cycles"`
}

// HTTPClient is the default ModelClient: JSON-over-HTTP against a
// configured base URL, matching server handler JSON
// request/response conventions run outbound.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates an HTTPClient bound to baseURL with timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type explainRequest struct {
	Input   map[string]interface{} `json:"input"`
	Method  types.Method           `json:"method"`
	ModelID string                 `json:"model_id"`
}

func (c *HTTPClient) Explain(ctx context.Context, modelID string, input map[string]interface{}, method types.Method) (RawResult, error) {
	body, err := json.Marshal(explainRequest{Input: input, Method: method, ModelID: modelID})
	if err != nil {
		return RawResult{}, xerrors.Wrap(xerrors.CodeBadConfig, "failed to encode explain request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/explain", bytes.NewReader(body))
	if err != nil {
		return RawResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to build explain request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return RawResult{}, xerrors.Wrap(xerrors.CodeRemoteTimeout, "model canister call timed out", err)
		}
		return RawResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "model canister call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to read explain response", err)
	}
	if resp.StatusCode >= 400 {
		return RawResult{}, xerrors.New(xerrors.CodeRemoteError, fmt.Sprintf("model canister returned status %d: %s", resp.StatusCode, string(raw)))
	}

	var result RawResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return RawResult{}, xerrors.Wrap(xerrors.CodeRemoteError, "failed to decode explain response", err)
	}
	return result, nil
}

func (c *HTTPClient) Models(ctx context.Context) ([]*types.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkError, "failed to build models request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkError, "models call failed", err)
	}
	defer resp.Body.Close()
	var out []*types.ModelDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteError, "failed to decode models response", err)
	}
	return out, nil
}

func (c *HTTPClient) Health(ctx context.Context) (CanisterHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return CanisterHealth{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to build health request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return CanisterHealth{}, xerrors.Wrap(xerrors.CodeNetworkError, "health call failed", err)
	}
	defer resp.Body.Close()
	var out CanisterHealth
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CanisterHealth{}, xerrors.Wrap(xerrors.CodeRemoteError, "failed to decode health response", err)
	}
	return out, nil
}
