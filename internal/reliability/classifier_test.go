package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRPCCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"unavailable", true},
		{"resource_exhausted", true},
		{"deadline_exceeded", true},
		{"not_found", false},
		{"permission_denied", false},
		{"invalid_argument", false},
	}
	for _, tc := range cases {
		if got := IsRetryableRPCCode(tc.code); got != tc.want {
			t.Fatalf("IsRetryableRPCCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 250 * time.Millisecond
	capDur := 2 * time.Second
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != time.Second {
		t.Fatalf("attempt 2 = %v, want %v", got, time.Second)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
