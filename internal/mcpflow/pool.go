// Package mcpflow implements the MCP client pool (C10), the streaming
// tool-call interceptor (C11), and the chat-turn orchestrator (C12).
// Grounded in the teacher's internal/mcpclient package, stripped of its
// per-user/per-workspace routing (authentication and multi-tenancy are out
// of scope here) and generalized around a single bounded pool per server.
package mcpflow

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"memoryd/internal/config"
	"memoryd/internal/memoryerr"
)

const (
	defaultMaxConnections = 5
	defaultIdleTimeout    = 300 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultExtendedTimeout = 5 * time.Minute
)

// poolEntry is one live session in a per-server pool.
type poolEntry struct {
	client   *mcppkg.Client
	session  *mcppkg.ClientSession
	inUse    bool
	lastUsed time.Time
}

type serverPool struct {
	mu      sync.Mutex
	cfg     config.MCPServerConfig
	entries []*poolEntry
	maxConn int
	idle    time.Duration
}

// McpClientPool is the C10 component: a bounded pool of MCP client sessions
// per server, with Streamable-HTTP-then-SSE transport fallback and idle
// reaping (spec §4.10).
type McpClientPool struct {
	mu      sync.Mutex
	cfg     config.MCPConfig
	servers map[string]*serverPool
}

// NewMcpClientPool builds a pool from the configured MCP servers.
func NewMcpClientPool(cfg config.MCPConfig) *McpClientPool {
	return &McpClientPool{cfg: cfg, servers: make(map[string]*serverPool)}
}

func (p *McpClientPool) poolFor(name string) (*serverPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := p.servers[name]; ok {
		return sp, nil
	}
	srv, ok := p.cfg.Servers[name]
	if !ok {
		return nil, memoryerr.Wrap("mcpflow.poolFor", memoryerr.KindConfig, fmt.Errorf("unknown mcp server %q", name))
	}
	maxConn := p.cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = defaultMaxConnections
	}
	idle := defaultIdleTimeout
	if p.cfg.IdleTimeoutMs > 0 {
		idle = time.Duration(p.cfg.IdleTimeoutMs) * time.Millisecond
	}
	sp := &serverPool{cfg: srv, maxConn: maxConn, idle: idle}
	p.servers[name] = sp
	return sp, nil
}

// PooledClient is a checked-out session; callers must Release or Invalidate it.
type PooledClient struct {
	server string
	entry  *poolEntry
}

// GetClient finds an idle entry or creates a new one if the pool has spare
// capacity, honoring ctx cancellation between connection attempts.
func (p *McpClientPool) GetClient(ctx context.Context, server string) (*PooledClient, error) {
	sp, err := p.poolFor(server)
	if err != nil {
		return nil, err
	}

	sp.mu.Lock()
	sp.reapIdleLocked()
	for _, e := range sp.entries {
		if !e.inUse {
			e.inUse = true
			e.lastUsed = time.Now()
			sp.mu.Unlock()
			return &PooledClient{server: server, entry: e}, nil
		}
	}
	if len(sp.entries) >= sp.maxConn {
		sp.mu.Unlock()
		return nil, memoryerr.Wrap("mcpflow.GetClient", memoryerr.KindServiceDown, fmt.Errorf("mcp pool for %q at capacity", server))
	}
	cfg := sp.cfg
	sp.mu.Unlock()

	client, session, err := connect(ctx, cfg)
	if err != nil {
		return nil, memoryerr.Wrap("mcpflow.GetClient", memoryerr.KindTransport, err)
	}
	e := &poolEntry{client: client, session: session, inUse: true, lastUsed: time.Now()}
	sp.mu.Lock()
	sp.entries = append(sp.entries, e)
	sp.mu.Unlock()
	return &PooledClient{server: server, entry: e}, nil
}

// reapIdleLocked closes and drops entries idle longer than the pool's
// idle timeout. Caller must hold sp.mu.
func (sp *serverPool) reapIdleLocked() {
	kept := sp.entries[:0]
	now := time.Now()
	for _, e := range sp.entries {
		if !e.inUse && now.Sub(e.lastUsed) > sp.idle {
			_ = e.session.Close()
			continue
		}
		kept = append(kept, e)
	}
	sp.entries = kept
}

// ReleaseClient returns an entry to the idle pool.
func (p *McpClientPool) ReleaseClient(pc *PooledClient) {
	if pc == nil || pc.entry == nil {
		return
	}
	pc.entry.inUse = false
	pc.entry.lastUsed = time.Now()
}

// InvalidateClient closes and removes an entry, e.g. after a transport error.
func (p *McpClientPool) InvalidateClient(pc *PooledClient) {
	if pc == nil || pc.entry == nil {
		return
	}
	sp, err := p.poolFor(pc.server)
	if err != nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	_ = pc.entry.session.Close()
	kept := sp.entries[:0]
	for _, e := range sp.entries {
		if e != pc.entry {
			kept = append(kept, e)
		}
	}
	sp.entries = kept
}

// DrainPool closes every entry for a server, idle or not.
func (p *McpClientPool) DrainPool(server string) {
	p.mu.Lock()
	sp, ok := p.servers[server]
	p.mu.Unlock()
	if !ok {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, e := range sp.entries {
		_ = e.session.Close()
	}
	sp.entries = nil
}

// Close drains every server's pool.
func (p *McpClientPool) Close() {
	p.mu.Lock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	p.mu.Unlock()
	for _, name := range names {
		p.DrainPool(name)
	}
}

// connect tries Streamable HTTP first, then falls back to SSE; stdio servers
// (Command set) connect directly via CommandTransport. Returns a composite
// error if every attempt fails.
func connect(ctx context.Context, srv config.MCPServerConfig) (*mcppkg.Client, *mcppkg.ClientSession, error) {
	opts := &mcppkg.ClientOptions{}
	if srv.KeepAliveSeconds > 0 {
		opts.KeepAlive = time.Duration(srv.KeepAliveSeconds) * time.Second
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "memoryd", Version: "dev"}, opts)

	if cmd := strings.TrimSpace(srv.Command); cmd != "" {
		session, err := connectStdio(ctx, client, srv)
		if err != nil {
			return nil, nil, err
		}
		return client, session, nil
	}

	if strings.TrimSpace(srv.URL) == "" {
		return nil, nil, fmt.Errorf("mcp server %q has neither command nor url", srv.Name)
	}

	httpClient := buildMCPHTTPClient(srv)
	streamTransport := &mcppkg.StreamableClientTransport{Endpoint: srv.URL, HTTPClient: httpClient}
	if session, err := client.Connect(ctx, streamTransport, nil); err == nil {
		return client, session, nil
	} else if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	} else {
		sseTransport := &mcppkg.SSEClientTransport{Endpoint: srv.URL, HTTPClient: httpClient}
		session, sseErr := client.Connect(ctx, sseTransport, nil)
		if sseErr != nil {
			return nil, nil, fmt.Errorf("streamable_http: %w; sse: %v", err, sseErr)
		}
		return client, session, nil
	}
}

func connectStdio(ctx context.Context, client *mcppkg.Client, srv config.MCPServerConfig) (*mcppkg.ClientSession, error) {
	cleanCmd := filepath.Clean(srv.Command)
	if cleanCmd != srv.Command || strings.Contains(cleanCmd, string(os.PathSeparator)+"..") {
		return nil, fmt.Errorf("invalid command path %q", srv.Command)
	}
	cmd := exec.Command(cleanCmd, srv.Args...)
	if len(srv.Env) > 0 {
		env := os.Environ()
		for k, v := range srv.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
}

// buildMCPHTTPClient applies per-server proxy/TLS settings and injects
// static headers, bearer token, origin, and protocol version on every request.
func buildMCPHTTPClient(srv config.MCPServerConfig) *http.Client {
	tr := &http.Transport{}
	if p := strings.TrimSpace(srv.HTTP.ProxyURL); p != "" {
		if u, err := url.Parse(p); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: srv.HTTP.TLS.InsecureSkipVerify}
	rt := &headerRoundTripper{
		base:     tr,
		headers:  srv.Headers,
		bearer:   strings.TrimSpace(srv.BearerToken),
		origin:   defaultOrigin(srv.Origin),
		protocol: strings.TrimSpace(srv.ProtocolVersion),
	}
	cli := &http.Client{Transport: rt}
	if srv.HTTP.TimeoutSeconds > 0 {
		cli.Timeout = time.Duration(srv.HTTP.TimeoutSeconds) * time.Second
	}
	return cli
}

type headerRoundTripper struct {
	base     http.RoundTripper
	headers  map[string]string
	bearer   string
	origin   string
	protocol string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	if t.origin != "" && r.Header.Get("Origin") == "" {
		r.Header.Set("Origin", t.origin)
	}
	if t.protocol != "" && r.Header.Get("MCP-Protocol-Version") == "" {
		r.Header.Set("MCP-Protocol-Version", t.protocol)
	}
	headerKeys := make([]string, 0, len(t.headers))
	for k := range t.headers {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)
	for _, k := range headerKeys {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, t.headers[k])
		}
	}
	if t.bearer != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	return t.base.RoundTrip(r)
}

func defaultOrigin(o string) string {
	o = strings.TrimSpace(o)
	if o != "" {
		return o
	}
	return "https://memoryd.local"
}

// ToolInfo describes one tool exposed by a connected server.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	Schema      map[string]any
}

// ListTools enumerates the tools a server currently exposes.
func (p *McpClientPool) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	pc, err := p.GetClient(ctx, server)
	if err != nil {
		return nil, err
	}
	defer p.ReleaseClient(pc)

	var out []ToolInfo
	for tool, err := range pc.entry.session.Tools(ctx, nil) {
		if err != nil {
			return nil, memoryerr.Wrap("mcpflow.ListTools", memoryerr.KindTransport, err)
		}
		out = append(out, ToolInfo{Server: server, Name: tool.Name, Description: tool.Description, Schema: sanitizedSchema(tool)})
	}
	return out, nil
}

func sanitizedSchema(tool *mcppkg.Tool) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if tool.InputSchema != nil {
		if b, err := json.Marshal(tool.InputSchema); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil && m != nil {
				for k, v := range m {
					params[k] = v
				}
			}
		}
	}
	sanitizeSchema(params)
	return params
}

// sanitizeSchema normalizes a JSON schema map in-place to satisfy strict
// function-calling tool schemas (object needs properties, array needs items).
func sanitizeSchema(s map[string]any) {
	hasType := func(v any, want string) bool {
		switch tt := v.(type) {
		case string:
			return tt == want
		case []any:
			for _, x := range tt {
				if xs, ok := x.(string); ok && xs == want {
					return true
				}
			}
		}
		return false
	}
	if hasType(s["type"], "object") {
		if _, ok := s["properties"].(map[string]any); !ok {
			s["properties"] = map[string]any{}
		}
	}
	if hasType(s["type"], "array") {
		if _, ok := s["items"].(map[string]any); !ok {
			s["items"] = map[string]any{"type": "string"}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		for _, v := range props {
			if m, ok := v.(map[string]any); ok {
				sanitizeSchema(m)
			}
		}
	}
	if it, ok := s["items"].(map[string]any); ok {
		sanitizeSchema(it)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if arr, ok := s[key].([]any); ok {
			for _, v := range arr {
				if m, ok := v.(map[string]any); ok {
					sanitizeSchema(m)
				}
			}
		}
	}
	if req, ok := s["required"].([]any); ok {
		out := make([]string, 0, len(req))
		for _, x := range req {
			if xs, ok := x.(string); ok {
				out = append(out, xs)
			}
		}
		s["required"] = out
	}
}

// CallOpts configures a single tool invocation.
type CallOpts struct {
	TimeoutMs int
	Extended  bool // tool-name substring matched an extended-timeout entry
}

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	OK         bool
	Text       string
	Structured any
	Content    any
	Err        string
}

// CallTool routes a tool call through the server's session with a per-call
// timeout (extended for names in the configured extended set), per spec §4.10.
func (p *McpClientPool) CallTool(ctx context.Context, server, name string, args map[string]any, opts CallOpts) (*ToolResult, error) {
	pc, err := p.GetClient(ctx, server)
	if err != nil {
		return nil, err
	}
	defer p.ReleaseClient(pc)

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCallTimeout
		if opts.Extended {
			timeout = defaultExtendedTimeout
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	res, err := pc.entry.session.CallTool(cctx, &mcppkg.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		p.InvalidateClient(pc)
		return nil, memoryerr.Wrap("mcpflow.CallTool", memoryerr.KindTransport, err)
	}

	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	var content any
	if b, err := json.Marshal(res.Content); err == nil {
		_ = json.Unmarshal(b, &content)
	}
	return &ToolResult{
		OK:         !res.IsError,
		Text:       strings.Join(texts, "\n"),
		Structured: res.StructuredContent,
		Content:    content,
	}, nil
}

// IsExtended reports whether a tool name matches the configured substring
// list that gets a longer per-call timeout (e.g. "deep_research", "crawl").
func IsExtended(toolName string, extendedNames []string) bool {
	for _, n := range extendedNames {
		if n != "" && strings.Contains(toolName, n) {
			return true
		}
	}
	return false
}

// ExtendedTimeoutFor builds CallOpts for a tool call given the pool's config.
func ExtendedTimeoutFor(cfg config.MCPConfig, toolName string) CallOpts {
	extended := IsExtended(toolName, cfg.ExtendedToolNames)
	timeout := cfg.CallTimeoutMs
	if timeout <= 0 {
		timeout = int(defaultCallTimeout / time.Millisecond)
	}
	if extended {
		timeout = cfg.ExtendedTimeoutMs
		if timeout <= 0 {
			timeout = int(defaultExtendedTimeout / time.Millisecond)
		}
	}
	return CallOpts{TimeoutMs: timeout, Extended: extended}
}
