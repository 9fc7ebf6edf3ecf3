package xerrors

import (
	"errors"
	"testing"
)

func TestNewDefaultsRetryableFromCode(t *testing.T) {
	transient := New(CodeRemoteTimeout, "timed out")
	if !transient.Retryable {
		t.Fatalf("expected CodeRemoteTimeout to default to retryable")
	}
	terminal := New(CodeAuthError, "unauthorized")
	if terminal.Retryable {
		t.Fatalf("expected CodeAuthError to default to non-retryable")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(CodeNetworkError, "dial failed", cause)
	if wrapped.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find cause through Unwrap")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(CodeNetworkError, "dial failed", cause)
	msg := wrapped.Error()
	if msg == "" {
		t.Fatalf("expected non-empty error string")
	}
	plain := New(CodeBadConfig, "missing field")
	if plain.Error() == "" {
		t.Fatalf("expected non-empty error string without cause")
	}
}

func TestRateLimitedCarriesHint(t *testing.T) {
	err := RateLimited(30, 0, "upgrade to pro tier")
	if err.Code != CodeRateLimited {
		t.Fatalf("expected CodeRateLimited, got %s", err.Code)
	}
	if err.RetryAfterSeconds != 30 || err.UpgradeHint != "upgrade to pro tier" {
		t.Fatalf("expected fields to be carried through, got %+v", err)
	}
}

func TestConsensusNotReachedCarriesCounts(t *testing.T) {
	err := ConsensusNotReached(2, 5)
	if err.Verified != 2 || err.Total != 5 {
		t.Fatalf("expected verified=2 total=5, got %+v", err)
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := New(CodeNotFound, "missing")
	if !Is(err, CodeNotFound) {
		t.Fatalf("expected Is to match CodeNotFound")
	}
	if Is(err, CodeConflict) {
		t.Fatalf("expected Is to reject a different code")
	}
	if Is(errors.New("plain"), CodeNotFound) {
		t.Fatalf("expected Is to return false for a non-*Error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(CodeChainDegraded, "degraded")) {
		t.Fatalf("expected CodeChainDegraded to be retryable")
	}
	if IsRetryable(New(CodeConflict, "conflict")) {
		t.Fatalf("expected CodeConflict to be non-retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected a non-*Error to be non-retryable")
	}
}
