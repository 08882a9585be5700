// Package embedding implements the C1 EmbeddingClient: a circuit-broken,
// cache-fronted wrapper around an OpenAI-compatible embeddings endpoint with
// a deterministic degraded-mode fallback.
package embedding

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"memoryd/internal/circuitbreaker"
	"memoryd/internal/config"
	"memoryd/internal/memoryerr"
)

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Status reports the client's current health for diagnostics endpoints.
type Status struct {
	CircuitOpen      bool
	Failures         int
	DegradedMode     bool
	LastErrorCategory memoryerr.Kind
}

// Client is the C1 component: embeds text with a circuit breaker, an
// in-process LRU vector cache, and a deterministic degraded-mode fallback.
type Client struct {
	cfg     config.EmbeddingConfig
	breaker *circuitbreaker.Breaker
	http    *http.Client

	mu              sync.Mutex
	cache           *lruCache
	degraded        bool
	lastErrCategory memoryerr.Kind
}

// New builds a Client from an EmbeddingConfig, wiring a circuit breaker
// shaped identically to C3's (failure_threshold/open_duration/success_threshold).
func New(cfg config.EmbeddingConfig) *Client {
	bcfg := circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		OpenDuration:     time.Duration(cfg.OpenDurationMs) * time.Millisecond,
		SuccessThreshold: cfg.SuccessThreshold,
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 5000
	}
	return &Client{
		cfg:     cfg,
		breaker: circuitbreaker.New(bcfg),
		http:    &http.Client{},
		cache:   newLRUCache(cacheSize),
	}
}

// EnterDegraded forces degraded mode regardless of circuit state.
func (c *Client) EnterDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = true
}

// ExitDegraded clears a forced degraded mode; the circuit breaker state still
// governs whether embed falls back to pseudo-vectors.
func (c *Client) ExitDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = false
}

// ResetCircuit forces the breaker closed, discarding failure history.
func (c *Client) ResetCircuit() {
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: c.cfg.FailureThreshold,
		OpenDuration:     time.Duration(c.cfg.OpenDurationMs) * time.Millisecond,
		SuccessThreshold: c.cfg.SuccessThreshold,
	})
}

// GetStatus reports the breaker/degraded state for health endpoints.
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	degraded := c.degraded
	lastErr := c.lastErrCategory
	c.mu.Unlock()
	return Status{
		CircuitOpen:       c.breaker.IsOpen(),
		Failures:          c.breaker.Failures(),
		DegradedMode:      degraded || (c.breaker.IsOpen() && c.cfg.GracefulDegrade),
		LastErrorCategory: lastErr,
	}
}

// HealthCheck performs a minimal reachability probe.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.callRemote(ctx, []string{"ping"})
	return err == nil
}

// Embed returns one vector for text, consulting the cache, then the breaker,
// then degraded mode, before calling the network endpoint.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds the inputs through the cache/breaker path, preserving
// order; cache misses are fetched in one remote call. If that call fails (or
// the breaker is open) and graceful degrade is off, the whole batch returns a
// nil slice and the error.
func (c *Client) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, memoryerr.Wrap("embed_batch", memoryerr.KindConfig, fmt.Errorf("no inputs"))
	}

	out := make([][]float32, len(inputs))
	var toFetch []string
	var toFetchIdx []int

	for i, text := range inputs {
		key := cacheKey(text)
		if v, ok := c.cache.get(key); ok {
			out[i] = v
			continue
		}
		toFetch = append(toFetch, text)
		toFetchIdx = append(toFetchIdx, i)
	}
	if len(toFetch) == 0 {
		return out, nil
	}

	c.mu.Lock()
	forcedDegraded := c.degraded
	c.mu.Unlock()

	if forcedDegraded || !c.breaker.Allow() {
		if !forcedDegraded && !c.cfg.GracefulDegrade {
			return nil, memoryerr.Wrap("embedding.EmbedBatch", memoryerr.KindServiceDown, fmt.Errorf("embedding circuit open"))
		}
		for n, idx := range toFetchIdx {
			out[idx] = pseudoVector(toFetch[n], c.dimension())
		}
		return out, nil
	}

	vectors, err := c.callRemote(ctx, toFetch)
	if err != nil {
		c.breaker.RecordFailure()
		c.mu.Lock()
		c.lastErrCategory = memoryerr.Kind("")
		if e, ok := asMemoryErr(err); ok {
			c.lastErrCategory = e.Kind
		}
		c.mu.Unlock()

		if c.cfg.GracefulDegrade {
			for n, idx := range toFetchIdx {
				out[idx] = pseudoVector(toFetch[n], c.dimension())
			}
			return out, nil
		}
		return nil, err
	}
	c.breaker.RecordSuccess()

	for n, idx := range toFetchIdx {
		out[idx] = vectors[n]
		c.cache.put(cacheKey(toFetch[n]), vectors[n])
	}
	return out, nil
}

func (c *Client) dimension() int {
	if c.cfg.Dimension > 0 {
		return c.cfg.Dimension
	}
	return 1536
}

func asMemoryErr(err error) (*memoryerr.Error, bool) {
	e, ok := err.(*memoryerr.Error)
	return e, ok
}

// callRemote performs the actual HTTP round trip against the configured
// embeddings endpoint, with the default 2s timeout unless overridden.
func (c *Client) callRemote(ctx context.Context, inputs []string) ([][]float32, error) {
	const op = "embedding.callRemote"
	reqBody, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, memoryerr.Wrap(op, memoryerr.KindConfig, err)
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Path
	if c.cfg.BaseURL == "" {
		return nil, memoryerr.Wrap(op, memoryerr.KindConfig, fmt.Errorf("embedding base URL not configured"))
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, memoryerr.Wrap(op, memoryerr.KindConfig, err)
	}
	applyAuthHeaders(req, c.cfg)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if cctx.Err() != nil {
			return nil, memoryerr.Wrap(op, memoryerr.KindTimeout, err)
		}
		return nil, memoryerr.Wrap(op, memoryerr.KindTransport, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, memoryerr.Wrap(op, memoryerr.KindTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			return nil, memoryerr.Wrap(op, memoryerr.KindServiceDown, fmt.Errorf("%s: %s", resp.Status, string(bodyBytes)))
		}
		return nil, memoryerr.Wrap(op, memoryerr.KindBadResponse, fmt.Errorf("%s: %s", resp.Status, string(bodyBytes)))
	}

	var er embedResp
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		return nil, memoryerr.Wrap(op, memoryerr.KindBadResponse, fmt.Errorf("parse embedding response (input count %d): %w", len(inputs), err))
	}
	if len(er.Data) != len(inputs) {
		return nil, memoryerr.Wrap(op, memoryerr.KindBadResponse, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs)))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

func applyAuthHeaders(req *http.Request, cfg config.EmbeddingConfig) {
	if cfg.APIHeader == "Authorization" && cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	} else if cfg.APIHeader != "" && cfg.APIKey != "" {
		req.Header.Set(cfg.APIHeader, cfg.APIKey)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
}

// cacheKey lowercases and trims text before hashing, so whitespace/case
// differences share a cache entry.
func cacheKey(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return string(sum[:])
}

// pseudoVector derives a deterministic unit-normalized vector from the
// SHA-256 digest of text, padded/repeated to fill dim dimensions, used as a
// stand-in while the embedding service is unreachable or the circuit is open.
func pseudoVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	v := make([]float32, dim)
	var sumSq float64
	for i := 0; i < dim; i++ {
		b := sum[i%len(sum)]
		shifted := (float32(b)/255.0)*2 - 1
		v[i] = shifted
		sumSq += float64(shifted) * float64(shifted)
	}
	if sumSq > 0 {
		norm := float32(1.0 / math.Sqrt(sumSq))
		for i := range v {
			v[i] *= norm
		}
	}
	return v
}

// lruCache is a fixed-capacity LRU keyed by cacheKey's hash bytes.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element, capacity)}
}

func (c *lruCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

// EmbedText is a package-level convenience wrapper preserved for call sites
// that don't need a long-lived Client (e.g. one-shot reachability probes).
func EmbedText(ctx context.Context, cfg config.EmbeddingConfig, inputs []string) ([][]float32, error) {
	return New(cfg).EmbedBatch(ctx, inputs)
}

// CheckReachability verifies that the embedding endpoint is reachable and
// responding correctly by sending a small test request, bypassing the
// circuit breaker and cache.
func CheckReachability(ctx context.Context, cfg config.EmbeddingConfig) error {
	c := New(cfg)
	_, err := c.callRemote(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}
