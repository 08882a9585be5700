package mcpflow

import (
	"encoding/json"
	"sort"
	"strings"
)

// CanonicalizeArgs produces a stable string key for a tool-call argument map
// by sorting keys and JSON-encoding, so equivalent-but-differently-ordered
// argument maps are recognized as the same call (spec §4.11 loop guard).
func CanonicalizeArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return string(b)
}

// blockedMarkers are heuristic signals that a tool result is a bot-block or
// CAPTCHA page rather than real content (spec §4.12).
var blockedMarkers = []string{"unusual traffic", "robots.txt", "are you a robot", "captcha", "access denied"}

// LooksBlocked reports whether a tool's text result resembles a block page.
func LooksBlocked(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range blockedMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// LoopGuard tracks (tool_name, canonicalized_args) repetitions within a
// single chat turn and signals when the orchestrator should stop retrying.
type LoopGuard struct {
	limit  int
	counts map[string]int
}

// NewLoopGuard builds a guard with the given loop_limit (default 3).
func NewLoopGuard(limit int) *LoopGuard {
	if limit <= 0 {
		limit = 3
	}
	return &LoopGuard{limit: limit, counts: make(map[string]int)}
}

func (g *LoopGuard) key(toolName string, args map[string]any) string {
	return toolName + "\x00" + CanonicalizeArgs(args)
}

// Record notes one call attempt and returns true once the identical
// (tool_name, args) call has been seen loop_limit times or more. blocked is
// accepted for callers that want to log or branch on it, but does not affect
// the count, so a run of identical blocked calls trips on the loop_limit-th
// call, same as a run of identical non-blocked calls.
func (g *LoopGuard) Record(toolName string, args map[string]any, blocked bool) (exceeded bool) {
	_ = blocked
	k := g.key(toolName, args)
	g.counts[k]++
	return g.counts[k] >= g.limit
}

// Seen reports the current count for a call without recording a new attempt.
func (g *LoopGuard) Seen(toolName string, args map[string]any) int {
	return g.counts[g.key(toolName, args)]
}

// StopLoopingInstruction is injected as a system/tool message once the loop
// guard trips, per spec §4.11.
const StopLoopingInstruction = "stop looping; answer from evidence already gathered"
