package main

import (
	"testing"
	"time"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("GOVSYNC_TEST_FLOAT", "0.35")
	if got := floatEnv("GOVSYNC_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("GOVSYNC_TEST_FLOAT_BAD", "oops")
	if got := floatEnv("GOVSYNC_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestDurationAndStringEnv(t *testing.T) {
	t.Setenv("GOVSYNC_TEST_DURATION", "150ms")
	if got := durationEnv("GOVSYNC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	t.Setenv("GOVSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("GOVSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	t.Setenv("GOVSYNC_TEST_STRING", "  ")
	if got := envOrDefault("GOVSYNC_TEST_STRING", "main"); got != "main" {
		t.Fatalf("expected fallback main, got %q", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		ratio, sample float64
		want          time.Duration
	}{
		{0, 0.2, base},
		{0.2, 0, 8 * time.Second},
		{0.2, 0.5, 10 * time.Second},
		{0.2, 1, 12 * time.Second},
		{1.5, 0, time.Millisecond},
	}
	for _, tc := range cases {
		if got := jitteredIntervalWithSample(base, tc.ratio, tc.sample); got != tc.want {
			t.Fatalf("ratio=%v sample=%v: expected %s, got %s", tc.ratio, tc.sample, tc.want, got)
		}
	}
}
