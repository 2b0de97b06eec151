package resolver

import "testing"

func TestResolveIdempotentAndCaches(t *testing.T) {
	r := New()

	first := r.Resolve("echo hello world")
	if !first.Found {
		t.Fatalf("expected echo to resolve on PATH")
	}
	if first.CommandBase != "echo" {
		t.Fatalf("expected base token %q, got %q", "echo", first.CommandBase)
	}

	second := r.Resolve("echo goodbye")
	if second != first {
		t.Fatalf("expected idempotent resolution, got %+v vs %+v", first, second)
	}

	hits, misses := r.CacheStats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestResolveMissingBinary(t *testing.T) {
	r := New()
	result := r.Resolve("definitely-not-a-real-binary-xyz")
	if result.Found {
		t.Fatalf("expected missing binary to report Found=false")
	}
}

func TestResolveEmptyCommand(t *testing.T) {
	r := New()
	result := r.Resolve("   ")
	if result.Found || result.CommandBase != "" {
		t.Fatalf("expected empty command to resolve to zero value, got %+v", result)
	}
}

func TestSanitizeExecutableValue(t *testing.T) {
	cases := []struct {
		value   string
		wantErr error
	}{
		{"", ErrEmptyValue},
		{"ls", nil},
		{"./script.sh", nil},
		{"/usr/bin/ls", nil},
		{"ls; rm -rf /", ErrShellMetachar},
		{"ls\n", ErrControlChar},
		{`ls "quoted"`, ErrQuoteChar},
		{"-rf", ErrOptionInjection},
		{"ls*", ErrInvalidBareNameChars},
	}

	for _, c := range cases {
		_, err := SanitizeExecutableValue(c.value)
		if err != c.wantErr {
			t.Errorf("SanitizeExecutableValue(%q) = %v, want %v", c.value, err, c.wantErr)
		}
	}
}
