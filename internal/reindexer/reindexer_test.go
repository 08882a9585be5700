package reindexer

import (
	"strings"
	"testing"
)

func TestSanitizeStripsLongBase64Runs(t *testing.T) {
	noisy := "see attachment " + strings.Repeat("QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVphYmNkZWZnaGlqa2xtbm9wcXJzdHV2d3h5ejAxMjM0NTY3ODk=", 2) + " thanks"
	cleaned, changed := sanitize(noisy)
	if !changed {
		t.Fatalf("expected sanitize to report a change for base64-heavy text")
	}
	if cleaned == noisy {
		t.Fatalf("expected cleaned text to differ from input")
	}
}

func TestSanitizeLeavesPlainTextUnchanged(t *testing.T) {
	plain := "the quick brown fox jumps over the lazy dog"
	cleaned, changed := sanitize(plain)
	if changed {
		t.Fatalf("expected no change for plain text")
	}
	if cleaned != plain {
		t.Fatalf("expected cleaned text to equal input when unchanged")
	}
}

