package ratelimit

import "testing"

func TestConnectLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewConnectLimiter(0, 2) // no sustained refill, burst of 2
	if !l.Allow() {
		t.Fatalf("expected first call within burst to be allowed")
	}
	if !l.Allow() {
		t.Fatalf("expected second call within burst to be allowed")
	}
	if l.Allow() {
		t.Fatalf("expected third call to be rejected once the burst is exhausted")
	}
}

func TestConnectLimiterZeroBurstAlwaysRejects(t *testing.T) {
	l := NewConnectLimiter(0, 0)
	if l.Allow() {
		t.Fatalf("expected a zero-burst limiter to reject immediately")
	}
}

func TestNotifyLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := NewNotifyLimiter(0, 1)
	if !l.Allow() {
		t.Fatalf("expected the first call to be allowed")
	}
	if l.Allow() {
		t.Fatalf("expected the second call to be rejected once burst=1 is exhausted")
	}
}
