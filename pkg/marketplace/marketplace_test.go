package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

func TestRegisterAgentSendsRequestIDHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if err := c.RegisterAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if gotHeader == "" {
		t.Fatalf("expected a non-empty X-Request-ID header")
	}
}

func TestClaimConflictCarriesResponseBodyOnDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"claimed_by": "agent-2"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	err := c.Claim(context.Background(), "task-1", "agent-1")
	xerr, ok := err.(*xerrors.Error)
	if !ok {
		t.Fatalf("expected *xerrors.Error, got %T: %v", err, err)
	}
	if xerr.Code != xerrors.CodeConflict {
		t.Fatalf("expected CodeConflict, got %v", xerr.Code)
	}
	var body struct {
		ClaimedBy string `json:"claimed_by"`
	}
	if err := json.Unmarshal([]byte(xerr.Detail), &body); err != nil {
		t.Fatalf("failed to parse Detail: %v", err)
	}
	if body.ClaimedBy != "agent-2" {
		t.Fatalf("expected claimed_by agent-2, got %q", body.ClaimedBy)
	}
}

func TestClaimRewardParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RewardResponse{Amount: "24.500000", Token: "MASUMI"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	resp, err := c.ClaimReward(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("claim reward: %v", err)
	}
	if resp.Amount != "24.500000" || resp.Token != "MASUMI" {
		t.Fatalf("unexpected reward response: %+v", resp)
	}
}

func TestRateLimitedTranslatesTooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.GetReputation(context.Background(), "agent-1")
	if !xerrors.Is(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected CodeRateLimited, got %v", err)
	}
}
