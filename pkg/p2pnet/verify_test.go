package p2pnet

import (
	"regexp"
	"strings"
	"testing"
)

func TestComputeSafetyCode(t *testing.T) {
	a := randomPeerID(t)
	b := randomPeerID(t)
	c := randomPeerID(t)

	ab := ComputeSafetyCode(a, b)
	if ab != ComputeSafetyCode(a, b) {
		t.Error("code is not deterministic")
	}
	if ab != ComputeSafetyCode(b, a) {
		t.Error("code depends on argument order")
	}
	if ab == ComputeSafetyCode(a, c) {
		t.Error("different pairs produced the same code")
	}

	if !regexp.MustCompile(`^\d{3}-\d{3}$`).MatchString(ab.Digits) {
		t.Errorf("digits = %q, want NNN-NNN", ab.Digits)
	}
	if n := len(strings.Fields(ab.Emoji)); n != 4 {
		t.Errorf("emoji count = %d, want 4 (%q)", n, ab.Emoji)
	}
	if got := ab.String(); !strings.HasSuffix(got, "("+ab.Digits+")") {
		t.Errorf("String() = %q", got)
	}
}

func TestSafetyEmojiDistinct(t *testing.T) {
	seen := make(map[string]bool, len(safetyEmoji))
	for i, e := range safetyEmoji {
		if e == "" {
			t.Fatalf("entry %d empty", i)
		}
		if seen[e] {
			t.Errorf("duplicate emoji %q at %d", e, i)
		}
		seen[e] = true
	}
}
