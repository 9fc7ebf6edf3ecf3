// Package marketplace is a thin, idempotent HTTP wrapper around the
// agent-marketplace API. Every call carries an X-Request-ID header so the
// server can dedupe retries; HTTP status codes are translated into the
// gateway's typed error variants.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/eladmint/ziggurat-gateway/pkg/metrics"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Envelope is the execution-proof bundle submitted on task completion.
type Envelope struct {
	Explanation        *types.Explanation     `json:"explanation"`
	VerificationResult interface{}            `json:"verification_result,omitempty"`
	QualityMetrics     types.QualityMetrics   `json:"quality_metrics"`
	ProcessingTimeMs    uint32                `json:"processing_time_ms"`
}

// Task is a unit of work discovered from the marketplace.
type Task struct {
	TaskID     string  `json:"task_id"`
	Complexity string  `json:"complexity"`
	RewardBase string  `json:"reward_base"`
	Token      string  `json:"token"`
	MinReward  float64 `json:"min_reward,omitempty"`
}

// Earning is one entry in an agent's earnings history.
type Earning struct {
	TaskID    string `json:"task_id"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
}

// Client is the HTTP wrapper around the marketplace API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	metrics *metrics.Registry // nil when instrumentation is disabled
}

// New creates a Client bound to baseURL with the given timeout and API key.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// WithMetrics attaches a metrics registry; per-operation call outcomes are
// recorded against it.
func (c *Client) WithMetrics(m *metrics.Registry) *Client {
	c.metrics = m
	return c
}

// do runs one marketplace call; op labels it in metrics.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	err := c.doOnce(ctx, method, path, body, out)
	if c.metrics != nil {
		outcome := "ok"
		if xerr, isTyped := err.(*xerrors.Error); isTyped {
			outcome = string(xerr.Code)
		} else if err != nil {
			outcome = "error"
		}
		c.metrics.MarketplaceCalls.WithLabelValues(op, outcome).Inc()
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeBadConfig, "failed to encode marketplace request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to build marketplace request", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.CodeRemoteTimeout, "marketplace call timed out", err)
		}
		return xerrors.Wrap(xerrors.CodeNetworkError, "marketplace call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkError, "failed to read marketplace response", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return xerrors.New(xerrors.CodeAuthError, "marketplace rejected credentials")
	case http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, "marketplace resource not found")
	case http.StatusConflict:
		return &xerrors.Error{Code: xerrors.CodeConflict, Message: "marketplace reported a conflicting state", Detail: string(raw)}
	case http.StatusTooManyRequests:
		retryAfter := 30
		return xerrors.RateLimited(retryAfter, 0, "")
	}
	if resp.StatusCode >= 500 {
		return xerrors.New(xerrors.CodeServerError, fmt.Sprintf("marketplace server error (status %d)", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return xerrors.New(xerrors.CodeRemoteError, fmt.Sprintf("marketplace rejected request (status %d): %s", resp.StatusCode, string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteError, "failed to decode marketplace response", err)
	}
	return nil
}

// RegisterAgent registers this gateway instance as a marketplace agent.
func (c *Client) RegisterAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, "register_agent", http.MethodPost, "/agents/register", map[string]string{"agent_id": agentID}, nil)
}

// ListTasks lists tasks matching filter with a minimum reward.
func (c *Client) ListTasks(ctx context.Context, filter string, minReward float64) ([]Task, error) {
	var out []Task
	path := fmt.Sprintf("/tasks?filter=%s&min_reward=%f", filter, minReward)
	if err := c.do(ctx, "list_tasks", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Claim claims a task. On a 409 the response body is preserved on the
// returned error's Detail field so the caller (pkg/task) can distinguish
// AlreadyClaimed-by-self, treated as an idempotent no-op, from a conflict
// held by another agent; this client only translates the raw HTTP outcome.
func (c *Client) Claim(ctx context.Context, taskID, agentID string) error {
	return c.do(ctx, "claim", http.MethodPost, "/tasks/"+taskID+"/claim", map[string]string{"agent_id": agentID}, nil)
}

// SubmitCompletion submits the execution-proof envelope for a claimed task.
func (c *Client) SubmitCompletion(ctx context.Context, taskID string, envelope Envelope) error {
	return c.do(ctx, "submit_completion", http.MethodPost, "/tasks/"+taskID+"/complete", envelope, nil)
}

// RewardResponse is the marketplace's response to a reward claim.
type RewardResponse struct {
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

// ClaimReward claims the reward for a submitted, eligible task.
func (c *Client) ClaimReward(ctx context.Context, taskID string) (RewardResponse, error) {
	var out RewardResponse
	if err := c.do(ctx, "claim_reward", http.MethodPost, "/tasks/"+taskID+"/reward", nil, &out); err != nil {
		return RewardResponse{}, err
	}
	return out, nil
}

// GetReputation returns an agent's reputation score in [0,1].
func (c *Client) GetReputation(ctx context.Context, agentID string) (float64, error) {
	var out struct {
		Reputation float64 `json:"reputation"`
	}
	if err := c.do(ctx, "get_reputation", http.MethodGet, "/agents/"+agentID+"/reputation", nil, &out); err != nil {
		return 0, err
	}
	return out.Reputation, nil
}

// GetEarnings returns up to limit recent earnings entries for an agent.
func (c *Client) GetEarnings(ctx context.Context, agentID string, limit int) ([]Earning, error) {
	var out []Earning
	path := fmt.Sprintf("/agents/%s/earnings?limit=%d", agentID, limit)
	if err := c.do(ctx, "get_earnings", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
