package token

import (
	"strings"
	"testing"
)

func TestNewProducesURLSafeTokens(t *testing.T) {
	tok := New()
	if len(tok) != 22 {
		t.Fatalf("expected 22 characters, got %d (%q)", len(tok), tok)
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("token contains non-URL-safe characters: %q", tok)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := New()
		if seen[tok] {
			t.Fatalf("duplicate token minted: %q", tok)
		}
		seen[tok] = true
	}
}

func TestEqual(t *testing.T) {
	tok := New()
	if !Equal(tok, tok) {
		t.Errorf("token does not equal itself")
	}
	if Equal(tok, New()) {
		t.Errorf("distinct tokens compare equal")
	}
	if Equal(tok, tok[:10]) {
		t.Errorf("prefix compares equal")
	}
}
