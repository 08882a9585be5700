package mcpflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"memoryd/internal/config"
)

// tracer spans the LEARN phase so outcome recording is visible in the same
// trace as the turn that produced it, even though it runs on a detached
// context (spec §5's "background span propagation").
var tracer = otel.Tracer("memoryd/mcpflow")

// ChatMessage is one turn of conversation fed to the LLM endpoint.
type ChatMessage struct {
	Role    string // system|user|assistant|tool
	Content string
}

// ToolSpec describes one callable tool offered to the model this turn.
type ToolSpec struct {
	Server      string
	Name        string
	Description string
	Schema      map[string]any
}

// LLMStreamer is the black-box OpenAI-compatible chat endpoint (spec's
// Non-goals exclude any specific provider; this is the seam the orchestrator
// depends on).
type LLMStreamer interface {
	StreamChat(ctx context.Context, messages []ChatMessage, tools []ToolSpec, stop []string) (<-chan string, error)
}

// PrefetchParams is the input to Facade.PrefetchContext (spec §4.9).
type PrefetchParams struct {
	UserID         string
	ConversationID string
	Query          string
	RecentMessages []string
	Limit          int
}

// PrefetchResult is the output of Facade.PrefetchContext.
type PrefetchResult struct {
	MemoryContextInjection string
	RetrievalConfidence    float64
	RetrievalDebug         map[string]any
	Citations              []string
}

// Facade is the narrow slice of MemoryFacade (C9) the orchestrator depends
// on: prefetching context before generation, and recording what happened
// after a turn finalizes.
type Facade interface {
	PrefetchContext(ctx context.Context, p PrefetchParams) (PrefetchResult, error)
	RecordTurnOutcome(ctx context.Context, o TurnOutcome) error
}

// TurnOutcome is what LEARN records: citations, feedback eligibility, and
// which memories/entities should be reinforced.
type TurnOutcome struct {
	UserID         string
	ConversationID string
	Citations      []string
	FinalAnswer    string
	FallbacksUsed  []string
}

// TurnState names one node of the per-turn state machine (spec §4.12).
type TurnState string

const (
	StateInit     TurnState = "INIT"
	StatePrefetch TurnState = "PREFETCH"
	StateGenerate TurnState = "GENERATE"
	StateToolExec TurnState = "TOOL_EXEC"
	StateFinalize TurnState = "FINALIZE"
	StateLearn    TurnState = "LEARN"
	StateFallback TurnState = "FALLBACK"
	StateDone     TurnState = "DONE"
)

// MemoryMeta is attached to the final answer: citations, retrieval debug,
// and whether the turn is eligible for explicit user feedback.
type MemoryMeta struct {
	Citations         []string
	RetrievalDebug    map[string]any
	FeedbackEligible  bool
	IterationCapped   bool
	FallbacksUsed     []string
}

// TurnResult is the orchestrator's output for one chat turn.
type TurnResult struct {
	FinalText string
	Meta      MemoryMeta
	States    []TurnState // transition trace, useful for diagnostics/tests
}

// TurnRequest is the orchestrator's input for one chat turn.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Query          string
	RecentMessages []string
	Servers        []string // MCP servers enabled for this turn, pre-filtered by policy
	ForceTools     bool
}

// McpFlowOrchestrator is the C12 component: drives one chat turn through
// INIT -> PREFETCH -> GENERATE -> (TOOL_EXEC -> GENERATE)* -> FINALIZE -> LEARN -> DONE,
// with a FALLBACK path on timeout/error.
type McpFlowOrchestrator struct {
	cfg    config.Config
	pool   *McpClientPool
	facade Facade
	llm    LLMStreamer
}

// NewOrchestrator wires the state machine's dependencies.
func NewOrchestrator(cfg config.Config, pool *McpClientPool, facade Facade, llm LLMStreamer) *McpFlowOrchestrator {
	return &McpFlowOrchestrator{cfg: cfg, pool: pool, facade: facade, llm: llm}
}

// RunTurn executes the full state machine for one chat turn.
func (o *McpFlowOrchestrator) RunTurn(ctx context.Context, req TurnRequest) TurnResult {
	var states []TurnState
	trace := func(s TurnState) { states = append(states, s) }

	trace(StateInit)
	servers := req.Servers
	if len(servers) == 0 && !req.ForceTools {
		return o.fallback(ctx, req, states, nil)
	}

	trace(StatePrefetch)
	prefetchCtx, cancel := context.WithTimeout(ctx, o.prefetchTimeout())
	defer cancel()
	var fallbacksUsed []string
	pre, err := o.facade.PrefetchContext(prefetchCtx, PrefetchParams{
		UserID: req.UserID, ConversationID: req.ConversationID, Query: req.Query,
		RecentMessages: req.RecentMessages, Limit: o.cfg.Retrieve.TopK,
	})
	if err != nil || prefetchCtx.Err() != nil {
		fallbacksUsed = append(fallbacksUsed, "prefetch_timeout")
		pre = PrefetchResult{}
	}

	messages := []ChatMessage{{Role: "user", Content: req.Query}}
	if pre.MemoryContextInjection != "" {
		messages = append([]ChatMessage{{Role: "system", Content: pre.MemoryContextInjection}}, messages...)
	}

	guard := NewLoopGuard(o.loopLimit())
	iterations := 0
	capped := false
	var citations []string
	citations = append(citations, pre.Citations...)

	var finalText string
	for {
		trace(StateGenerate)
		ic := NewInterceptor()
		tokenCh, genErr := o.llm.StreamChat(ctx, messages, o.toolSpecs(servers), EnsureStopSequences(nil))
		if genErr != nil {
			return o.fallback(ctx, req, states, fallbacksUsed)
		}
		var visible string
		var calls []RawToolCall
		for chunk := range tokenCh {
			v, c := ic.Feed(chunk)
			visible += v
			if len(c) > 0 {
				calls = c
				break
			}
		}
		finalText = visible

		if len(calls) == 0 {
			break // model answered without requesting tools
		}

		iterations++
		if iterations > o.maxToolIterations() {
			capped = true
			break
		}

		trace(StateToolExec)
		results := o.execTools(ctx, servers, calls, guard)
		for _, r := range results {
			messages = append(messages, ChatMessage{Role: "tool", Content: r})
		}
	}

	trace(StateFinalize)
	meta := MemoryMeta{
		Citations:        dedupeStrings(citations),
		RetrievalDebug:   pre.RetrievalDebug,
		FeedbackEligible: true,
		IterationCapped:  capped,
		FallbacksUsed:    fallbacksUsed,
	}

	trace(StateLearn)
	learnCtx := otelTrace.ContextWithSpanContext(context.Background(), otelTrace.SpanContextFromContext(ctx))
	learnCtx, span := tracer.Start(learnCtx, "mcpflow.learn")
	_ = o.facade.RecordTurnOutcome(learnCtx, TurnOutcome{
		UserID: req.UserID, ConversationID: req.ConversationID,
		Citations: meta.Citations, FinalAnswer: finalText, FallbacksUsed: fallbacksUsed,
	})
	span.End()

	trace(StateDone)
	return TurnResult{FinalText: finalText, Meta: meta, States: states}
}

// fallback runs a no-tools path: straight generation, no prefetch, no LEARN
// side effects beyond what's unavoidable.
func (o *McpFlowOrchestrator) fallback(ctx context.Context, req TurnRequest, states []TurnState, fallbacksUsed []string) TurnResult {
	states = append(states, StateFallback)
	tokenCh, err := o.llm.StreamChat(ctx, []ChatMessage{{Role: "user", Content: req.Query}}, nil, EnsureStopSequences(nil))
	var text string
	if err == nil {
		for chunk := range tokenCh {
			text += chunk
		}
	}
	states = append(states, StateDone)
	return TurnResult{
		FinalText: text,
		Meta:      MemoryMeta{FallbacksUsed: append(fallbacksUsed, "no_tools")},
		States:    states,
	}
}

// execTools runs up to max_parallel_tools concurrent calls, applying the
// loop guard and blocked-response heuristic to each result.
func (o *McpFlowOrchestrator) execTools(ctx context.Context, servers []string, calls []RawToolCall, guard *LoopGuard) []string {
	maxParallel := o.cfg.MaxParallelTool
	if maxParallel <= 0 {
		maxParallel = 4
	}
	results := make([]string, len(calls))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			server := resolveServer(servers, call.Name)
			opts := ExtendedTimeoutFor(o.poolConfig(), call.Name)
			res, err := o.pool.CallTool(gctx, server, call.Name, call.Args, opts)
			blocked := err == nil && res != nil && LooksBlocked(res.Text)
			exceeded := guard.Record(call.Name, call.Args, blocked)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case exceeded:
				results[i] = StopLoopingInstruction
			case err != nil:
				results[i] = fmt.Sprintf("tool %s failed: %v", call.Name, err)
			default:
				results[i] = res.Text
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func resolveServer(servers []string, toolName string) string {
	if len(servers) == 1 {
		return servers[0]
	}
	lower := strings.ToLower(toolName)
	for _, s := range servers {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return s
		}
	}
	if len(servers) > 0 {
		return servers[0]
	}
	return ""
}

func dedupeStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (o *McpFlowOrchestrator) toolSpecs(servers []string) []ToolSpec {
	var specs []ToolSpec
	for _, s := range servers {
		tools, err := o.pool.ListTools(context.Background(), s)
		if err != nil {
			continue
		}
		for _, t := range tools {
			specs = append(specs, ToolSpec{Server: s, Name: t.Name, Description: t.Description, Schema: t.Schema})
		}
	}
	return specs
}

func (o *McpFlowOrchestrator) poolConfig() config.MCPConfig { return o.cfg.MCP }

func (o *McpFlowOrchestrator) prefetchTimeout() time.Duration {
	if o.cfg.PrefetchTimeout > 0 {
		return o.cfg.PrefetchTimeout
	}
	return 800 * time.Millisecond
}

func (o *McpFlowOrchestrator) maxToolIterations() int {
	if o.cfg.MaxToolIter > 0 {
		return o.cfg.MaxToolIter
	}
	return 8
}

func (o *McpFlowOrchestrator) loopLimit() int {
	if o.cfg.LoopLimit > 0 {
		return o.cfg.LoopLimit
	}
	return 3
}
