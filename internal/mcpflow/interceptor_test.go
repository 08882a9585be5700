package mcpflow

import "testing"

func TestInterceptorForwardsPlainTextImmediately(t *testing.T) {
	ic := NewInterceptor()
	visible, calls := ic.Feed("hello there, how can I help")
	if calls != nil {
		t.Fatalf("expected no tool calls, got %#v", calls)
	}
	if visible == "" {
		t.Fatalf("expected plain text well clear of any marker to be forwarded immediately")
	}
}

// TestInterceptorWithholdsAcrossChunkBoundary is the core invariant from
// spec §4.11 (and the quantified invariant in §8): no forwarded chunk may
// ever contain a tool-call marker prefix, even when a tool call spans two
// separate Feed calls (the marker arrives in the first, its JSON payload is
// completed in the second).
func TestInterceptorWithholdsAcrossChunkBoundary(t *testing.T) {
	ic := NewInterceptor()

	visible1, calls1 := ic.Feed(`the answer is 42. <tool_call>{"name":"fetch","argum`)
	if calls1 != nil {
		t.Fatalf("expected no tool calls yet, got %#v", calls1)
	}
	if containsSubstr(visible1, "<tool") {
		t.Fatalf("first chunk forwarded a marker fragment: %q", visible1)
	}

	visible2, calls2 := ic.Feed(`ents":{"url":"https://example.com"}}</tool_call>`)
	if visible2 != "" {
		t.Fatalf("expected nothing forwarded while completing a tool-call payload, got %q", visible2)
	}
	if len(calls2) != 1 || calls2[0].Name != "fetch" {
		t.Fatalf("expected one fetch call once the payload closed, got %#v", calls2)
	}
}

func TestInterceptorParsesJSONToolCallsFence(t *testing.T) {
	ic := NewInterceptor()
	_, calls := ic.Feed("```json-tool-calls\n{\"tool_calls\":[{\"name\":\"search\",\"arguments\":{\"q\":\"go\"}}]}\n```")
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("expected one search call, got %#v", calls)
	}
}

func TestInterceptorParsesMultipleXMLToolCalls(t *testing.T) {
	ic := NewInterceptor()
	_, calls := ic.Feed(`<tool_call>{"name":"a","arguments":{}}</tool_call><tool_call>{"name":"b","arguments":{}}</tool_call>`)
	if len(calls) != 2 || calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("expected two parallel tool calls in order, got %#v", calls)
	}
}

func TestSanitizeArgsTrimsBackticksAndURLWhitespace(t *testing.T) {
	out := sanitizeArgs(map[string]any{
		"query":   "`hello`",
		"siteUrl": "  https://example.com  ",
		"count":   3,
	})
	if out["query"] != "hello" {
		t.Fatalf("expected backticks trimmed, got %q", out["query"])
	}
	if out["siteUrl"] != "https://example.com" {
		t.Fatalf("expected url field trimmed, got %q", out["siteUrl"])
	}
	if out["count"] != 3 {
		t.Fatalf("expected non-string values untouched, got %#v", out["count"])
	}
}

func TestEnsureStopSequencesDedupesAndPreservesOrder(t *testing.T) {
	existing := []string{"custom-stop", "<|im_end|>"}
	out := EnsureStopSequences(existing)
	if out[0] != "custom-stop" || out[1] != "<|im_end|>" {
		t.Fatalf("expected existing entries preserved in order, got %#v", out)
	}
	seen := map[string]int{}
	for _, s := range out {
		seen[s]++
	}
	for s, n := range seen {
		if n > 1 {
			t.Fatalf("expected no duplicates, %q appeared %d times in %#v", s, n, out)
		}
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
