package sanitize

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitize_LoneHighSurrogateEscape(t *testing.T) {
	in := `prefix \uD83D suffix`
	got := Sanitize(in)
	if strings.Contains(got, `\uD83D`) {
		t.Fatalf("expected lone surrogate escape to be repaired, got %q", got)
	}
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("sanitized string failed to marshal: %v", err)
	}
}

func TestSanitize_ValidPairUntouched(t *testing.T) {
	in := `emoji 😀 here`
	got := Sanitize(in)
	if got != in {
		t.Fatalf("expected valid surrogate pair to pass through unchanged, got %q want %q", got, in)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		`\uD83D lone high`,
		`\uDE00 lone low`,
		`😀 paired`,
		`plain ascii text`,
		"unicode é 漢字",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestSanitize_LoneLowSurrogateEscape(t *testing.T) {
	in := `broken \uDE00 escape`
	got := Sanitize(in)
	if strings.Contains(got, `\uDE00`) {
		t.Fatalf("expected lone low surrogate escape to be repaired, got %q", got)
	}
}

func TestSanitize_MultipleConsecutivePairs(t *testing.T) {
	in := `😀😁`
	got := Sanitize(in)
	if got != in {
		t.Fatalf("expected two valid consecutive pairs to pass through, got %q", got)
	}
}

func TestSanitize_JSONRoundTrip(t *testing.T) {
	inputs := []string{
		`lone \uD800 surrogate`,
		`text with "quotes" and \uDFFF trailer`,
		"normal prompt text",
	}
	for _, in := range inputs {
		sanitized := Sanitize(in)
		data, err := json.Marshal(sanitized)
		if err != nil {
			t.Fatalf("marshal(%q) error: %v", sanitized, err)
		}
		var back string
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal round-trip error: %v", err)
		}
	}
}
