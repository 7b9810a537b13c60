package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func init() {
	initialRetryDelay = time.Millisecond
}

func TestWithRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || got != 42 || calls != 1 {
		t.Fatalf("got %d calls=%d err=%v", got, calls, err)
	}
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &TransientHTTPError{StatusCode: 503}
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 || calls != 3 {
		t.Fatalf("got %d calls=%d", got, calls)
	}
}

func TestWithRetry_TerminalErrorNeverRetries(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		return 0, &TerminalHTTPError{StatusCode: http.StatusNotFound}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for a terminal error, got %d", calls)
	}
}

func TestWithRetry_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		return 0, &TransientHTTPError{StatusCode: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != maxRetryAttempts {
		t.Errorf("expected %d attempts, got %d", maxRetryAttempts, calls)
	}
}

func TestWithRetry_HonoursRetryAfterHeader(t *testing.T) {
	calls := 0
	start := time.Now()
	_, _ = WithRetry(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, &TransientHTTPError{StatusCode: 429, RetryAfter: 10 * time.Millisecond}
		}
		return 1, nil
	})
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected to wait at least the Retry-After duration, waited %s", elapsed)
	}
}

func TestWithRetry_ContextCancelledDuringBackoffAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := WithRetry(ctx, func() (int, error) {
		calls++
		return 0, &TransientHTTPError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status   int
		wantKind string // "ok", "transient", "terminal"
	}{
		{200, "ok"},
		{204, "ok"},
		{429, "transient"},
		{500, "transient"},
		{503, "transient"},
		{401, "terminal"},
		{403, "terminal"},
		{404, "terminal"},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		err := ClassifyHTTPStatus(resp)
		switch tt.wantKind {
		case "ok":
			if err != nil {
				t.Errorf("status %d: expected nil, got %v", tt.status, err)
			}
		case "transient":
			var te *TransientHTTPError
			if !errors.As(err, &te) {
				t.Errorf("status %d: expected TransientHTTPError, got %v", tt.status, err)
			}
		case "terminal":
			var te *TerminalHTTPError
			if !errors.As(err, &te) {
				t.Errorf("status %d: expected TerminalHTTPError, got %v", tt.status, err)
			}
		}
	}
}

func TestClassifyHTTPStatus_HonoursRetryAfterSeconds(t *testing.T) {
	resp := httptest.NewRecorder()
	resp.Header().Set("Retry-After", "5")
	resp.WriteHeader(http.StatusTooManyRequests)
	result := resp.Result()

	err := ClassifyHTTPStatus(result)
	var te *TransientHTTPError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientHTTPError, got %v", err)
	}
	if te.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %s, want 5s", te.RetryAfter)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&TerminalHTTPError{StatusCode: http.StatusNotFound}) {
		t.Error("expected 404 to be IsNotFound")
	}
	if IsNotFound(&TerminalHTTPError{StatusCode: http.StatusForbidden}) {
		t.Error("expected 403 not to be IsNotFound")
	}
}

func TestIsUpstreamAuthError(t *testing.T) {
	if !IsUpstreamAuthError(&TerminalHTTPError{StatusCode: http.StatusUnauthorized}) {
		t.Error("expected 401 to be an upstream auth error")
	}
	if !IsUpstreamAuthError(&TerminalHTTPError{StatusCode: http.StatusForbidden}) {
		t.Error("expected 403 to be an upstream auth error")
	}
	if IsUpstreamAuthError(&TerminalHTTPError{StatusCode: http.StatusNotFound}) {
		t.Error("expected 404 not to be an upstream auth error")
	}
}
