package resilience

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(3, 0, time.Minute, 0)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d should be allowed within burst capacity", i)
		}
	}
	if rl.Allow() {
		t.Fatal("request beyond burst capacity with zero refill should be denied")
	}
}

func TestRateLimiterEnforcesWindowCapIndependentlyOfBurst(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Minute, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("first two requests should be allowed by the window cap")
	}
	if rl.Allow() {
		t.Fatal("third request should be denied by the 2-per-window cap even with tokens available")
	}
}

func TestRateLimiterReserveAfterReportsWaitTime(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute, 0)
	rl.Allow()
	wait := rl.ReserveAfter(1)
	if wait <= 0 {
		t.Fatalf("got %v, want a positive wait once the bucket is drained", wait)
	}
}
