package queue

import (
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, MaxAttempts: 8}

	cases := []struct {
		k    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 10 * time.Minute}, // 960s capped at 600s
		{20, 10 * time.Minute},
		{-1, 30 * time.Second}, // clamped to first-retry delay
	}
	for _, tc := range cases {
		if got := p.Delay(tc.k); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.k, got, tc.want)
		}
	}
}

func TestPolicyDelayDoesNotOverflow(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: 24 * time.Hour, MaxAttempts: 100}
	if got := p.Delay(90); got != 24*time.Hour {
		t.Errorf("Delay(90) = %v, want cap %v", got, 24*time.Hour)
	}
}
