package push

import (
	"testing"
	"time"
)

func TestNextDelaySequence(t *testing.T) {
	t.Parallel()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		got, ok := NextDelay(Config{}, i+1)
		if !ok || got != w {
			t.Fatalf("attempt %d: got %v ok=%v, want %v", i+1, got, ok, w)
		}
	}
	if _, ok := NextDelay(Config{}, 6); ok {
		t.Fatalf("attempt 6 must not schedule a retry")
	}
	if _, ok := NextDelay(Config{}, 0); ok {
		t.Fatalf("attempt 0 is invalid")
	}
}

func TestNextDelayCapsAtMax(t *testing.T) {
	t.Parallel()
	cfg := Config{MaxRetries: 10}
	for _, n := range []int{6, 7, 10} {
		got, ok := NextDelay(cfg, n)
		if !ok || got != 30*time.Second {
			t.Fatalf("attempt %d: got %v ok=%v, want 30s", n, got, ok)
		}
	}
}

func TestDeriveURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
		bad      bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/api/notifications/ws"},
		{in: "https://hr.example.com/app/dashboard?x=1#top", want: "wss://hr.example.com/api/notifications/ws"},
		{in: "wss://hr.example.com", want: "wss://hr.example.com/api/notifications/ws"},
		{in: "ftp://hr.example.com", bad: true},
		{in: "http://", bad: true},
		{in: "", bad: true},
	}
	for _, tc := range cases {
		got, err := DeriveURL(tc.in)
		if tc.bad {
			if err == nil {
				t.Fatalf("DeriveURL(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("DeriveURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
