// Package rerank implements the C2 RerankClient: a thin, fail-closed wrapper
// around a cross-encoder reranking endpoint (llama.cpp-compatible /rerank).
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
)

// Passage is one candidate document submitted for reranking, carrying enough
// of the caller's original indexing to restore order after scoring.
type Passage struct {
	OriginalIndex int
	Text          string
}

// Scored is one reranked result: the passage's original index and its
// cross-encoder relevance score.
type Scored struct {
	OriginalIndex int
	Score         float64
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Model   string         `json:"model"`
	Object  string         `json:"object"`
	Results []rerankResult `json:"results"`
}

// Client calls the configured reranker endpoint with a single attempt and a
// fixed timeout; callers must fail closed (fall back to pre-rerank ordering)
// on any error.
type Client struct {
	cfg  config.RerankerConfig
	http *http.Client
}

// New builds a Client from a RerankerConfig.
func New(cfg config.RerankerConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Enabled reports whether the reranker is configured for use. Callers should
// skip the rerank stage entirely (not call Rerank) when this is false.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.URL != ""
}

// Rerank scores passages against query and returns them sorted by descending
// relevance, truncated to topK if topK > 0. On any failure it returns nil and
// the error; callers fail closed by keeping their own pre-rerank order.
func (c *Client) Rerank(ctx context.Context, query string, passages []Passage, topK int) ([]Scored, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	docs := make([]string, len(passages))
	for i, p := range passages {
		docs[i] = p.Text
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(rerankRequest{Model: c.cfg.Model, Query: query, TopN: len(docs), Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("rerank: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank: status %d: %s", resp.StatusCode, string(b))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	scoreByIdx := mapScores(rr.Results)
	out := make([]Scored, len(passages))
	for i, p := range passages {
		out[i] = Scored{OriginalIndex: p.OriginalIndex, Score: scoreByIdx[i]}
	}
	sortByScore(out)

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	log.Debug().Int("passages", len(passages)).Msg("rerank complete")
	return out, nil
}

// FilterByScore drops results below minScore, preserving order.
func FilterByScore(results []Scored, minScore float64) []Scored {
	out := make([]Scored, 0, len(results))
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}

func mapScores(results []rerankResult) map[int]float64 {
	m := make(map[int]float64, len(results))
	for _, r := range results {
		m[r.Index] = r.RelevanceScore
	}
	return m
}

func sortByScore(results []Scored) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
