package cache_test

import (
	"strings"
	"testing"

	"github.com/martinal/instant/cache"
)

type genOptions struct {
	Headers []string          `msgpack:"headers"`
	Defines map[string]string `msgpack:"defines"`
}

func TestComputeFingerprint_Stable(t *testing.T) {
	opts := func() genOptions {
		return genOptions{
			Headers: []string{"math.h", "stdio.h"},
			Defines: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"},
		}
	}
	want := cache.ComputeFingerprint("double f(double x) { return x; }", opts())
	for i := range 50 {
		got := cache.ComputeFingerprint("double f(double x) { return x; }", opts())
		if got != want {
			t.Fatalf("run %d: fingerprint = %s, want %s", i, got, want)
		}
	}
}

func TestComputeFingerprint_Sensitive(t *testing.T) {
	base := genOptions{Headers: []string{"math.h"}, Defines: map[string]string{"N": "1"}}
	ref := cache.ComputeFingerprint("src", base)

	tests := []struct {
		name   string
		source string
		opts   genOptions
	}{
		{"source", "src ", base},
		{"header added", "src", genOptions{Headers: []string{"math.h", "stdio.h"}, Defines: base.Defines}},
		{"header order", "src", genOptions{Headers: []string{"b.h", "a.h"}, Defines: base.Defines}},
		{"define value", "src", genOptions{Headers: base.Headers, Defines: map[string]string{"N": "2"}}},
	}
	seen := map[cache.Fingerprint]string{ref: "base"}
	for _, tt := range tests {
		fp := cache.ComputeFingerprint(tt.source, tt.opts)
		if prev, dup := seen[fp]; dup {
			t.Errorf("%s: fingerprint collides with %s", tt.name, prev)
		}
		seen[fp] = tt.name
	}
}

func TestFingerprint_StringRoundTrip(t *testing.T) {
	fp := cache.ComputeFingerprint("x", nil)
	s := fp.String()
	if len(s) != 64 {
		t.Fatalf("String length = %d, want 64", len(s))
	}
	if !strings.HasPrefix(s, fp.Short()) {
		t.Errorf("Short %q is not a prefix of %q", fp.Short(), s)
	}
	parsed, err := cache.ParseFingerprint(s)
	if err != nil {
		t.Fatalf("ParseFingerprint: %v", err)
	}
	if parsed != fp {
		t.Errorf("parsed = %s, want %s", parsed, fp)
	}
	if _, err := cache.ParseFingerprint("abcd"); err == nil {
		t.Error("ParseFingerprint accepted a short digest")
	}
	if fp.IsZero() || !(cache.Fingerprint{}).IsZero() {
		t.Error("IsZero wrong")
	}
}
