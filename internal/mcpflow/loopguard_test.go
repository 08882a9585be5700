package mcpflow

import "testing"

func TestCanonicalizeArgsStableUnderKeyOrder(t *testing.T) {
	a := CanonicalizeArgs(map[string]any{"b": 1, "a": "x"})
	b := CanonicalizeArgs(map[string]any{"a": "x", "b": 1})
	if a != b {
		t.Fatalf("expected stable canonicalization regardless of key order, got %q vs %q", a, b)
	}
}

func TestLooksBlockedMatchesKnownMarkers(t *testing.T) {
	if !LooksBlocked("Our systems have detected unusual traffic from your network.") {
		t.Fatalf("expected unusual-traffic body to be recognized as blocked")
	}
	if LooksBlocked("here is the page you requested") {
		t.Fatalf("expected ordinary content to not be recognized as blocked")
	}
}

// TestLoopGuardTripsOnThirdIdenticalBlockedCall mirrors spec scenario 2: a
// mock fetch tool returns an "unusual traffic" body on every call, and three
// identical <tool_call> blocks are emitted. The first two calls must still
// execute; only the third is suppressed.
func TestLoopGuardTripsOnThirdIdenticalBlockedCall(t *testing.T) {
	g := NewLoopGuard(3)
	args := map[string]any{"url": "https://example.com"}

	if exceeded := g.Record("fetch", args, true); exceeded {
		t.Fatalf("call 1: expected not exceeded")
	}
	if exceeded := g.Record("fetch", args, true); exceeded {
		t.Fatalf("call 2: expected not exceeded")
	}
	if exceeded := g.Record("fetch", args, true); !exceeded {
		t.Fatalf("call 3: expected exceeded, loop guard must trip on the third identical call")
	}
}

func TestLoopGuardDoesNotTripOnDistinctArgs(t *testing.T) {
	g := NewLoopGuard(3)
	if g.Record("fetch", map[string]any{"url": "https://a.example"}, true) {
		t.Fatalf("expected distinct args to not trip the guard")
	}
	if g.Record("fetch", map[string]any{"url": "https://b.example"}, true) {
		t.Fatalf("expected distinct args to not trip the guard")
	}
}

func TestLoopGuardSeenReportsCountWithoutRecording(t *testing.T) {
	g := NewLoopGuard(3)
	args := map[string]any{"url": "https://example.com"}
	g.Record("fetch", args, false)
	g.Record("fetch", args, false)
	if n := g.Seen("fetch", args); n != 2 {
		t.Fatalf("expected Seen to report 2 after two Record calls, got %d", n)
	}
	if n := g.Seen("fetch", args); n != 2 {
		t.Fatalf("Seen must not itself record an attempt, got %d on repeat call", n)
	}
}

func TestLoopGuardDefaultLimitIsThree(t *testing.T) {
	g := NewLoopGuard(0)
	if g.limit != 3 {
		t.Fatalf("expected non-positive limit to default to 3, got %d", g.limit)
	}
}
