package handlers

import (
	"testing"
	"time"
)

func TestWindowRateLimiter(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	limiter := newWindowRateLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("user-1"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retry := limiter.Allow("user-1")
	if ok || retry != time.Minute {
		t.Fatalf("expected rejection with a minute to wait, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := limiter.Allow("user-2"); !ok {
		t.Fatalf("limits must be tracked per key")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("user-1"); !ok {
		t.Fatalf("window should reset")
	}
}

func TestWindowRateLimiterDisabled(t *testing.T) {
	if newWindowRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("a zero limit should disable the limiter")
	}
}
