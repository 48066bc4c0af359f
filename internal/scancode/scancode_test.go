package scancode

import (
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	issuer := NewIssuer(func() time.Time { return fixed })

	code, err := issuer.Issue(2)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code.Phase != 2 {
		t.Errorf("phase = %d, want 2", code.Phase)
	}
	if len(code.Human) != tokenLength {
		t.Errorf("token length = %d, want %d", len(code.Human), tokenLength)
	}
	if !code.IssuedAt.Equal(fixed) {
		t.Errorf("issuedAt = %v, want %v", code.IssuedAt, fixed)
	}

	parsed, err := Parse(code.Raw)
	if err != nil {
		t.Fatalf("parse %q: %v", code.Raw, err)
	}
	if parsed.Phase != code.Phase || parsed.Human != code.Human {
		t.Errorf("parse round trip: got phase=%d token=%q, want phase=%d token=%q",
			parsed.Phase, parsed.Human, code.Phase, code.Human)
	}
	if !parsed.IssuedAt.Equal(fixed) {
		t.Errorf("parsed issuedAt = %v, want %v", parsed.IssuedAt, fixed)
	}
}

func TestIssue_NoTokenReuseAcrossPhases(t *testing.T) {
	issuer := NewIssuer(nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := issuer.Issue(1)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[code.Human] {
			t.Fatalf("token %q issued twice in 50 draws", code.Human)
		}
		seen[code.Human] = true
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"scan1:ABCDEF",
		"scan1:ABCDEF:notatime",
		"phase1:ABCDEF:1700000000000",
		"scanx:ABCDEF:1700000000000",
		"scan0:ABCDEF:1700000000000",
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestTokensMatch_CaseInsensitive(t *testing.T) {
	if !TokensMatch("ab2cd3", "AB2CD3") {
		t.Error("case-folded tokens should match")
	}
	if !TokensMatch(" AB2CD3 ", "ab2cd3") {
		t.Error("surrounding whitespace should be ignored")
	}
	if TokensMatch("AB2CD3", "AB2CD4") {
		t.Error("different tokens should not match")
	}
}
