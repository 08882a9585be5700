package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"memoryd/internal/config"
)

func TestRerank_SortsByScoreDescending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rerankResponse{Results: []rerankResult{
			{Index: 0, RelevanceScore: 0.2},
			{Index: 1, RelevanceScore: 0.9},
			{Index: 2, RelevanceScore: 0.5},
		}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := New(config.RerankerConfig{URL: ts.URL, Enabled: true})
	out, err := c.Rerank(context.Background(), "q", []Passage{
		{OriginalIndex: 10, Text: "a"},
		{OriginalIndex: 11, Text: "b"},
		{OriginalIndex: 12, Text: "c"},
	}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 || out[0].OriginalIndex != 11 || out[1].OriginalIndex != 12 || out[2].OriginalIndex != 10 {
		t.Fatalf("expected descending-score order by original index [11,12,10], got %+v", out)
	}
}

func TestRerank_TopKTruncates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rerankResponse{Results: []rerankResult{
			{Index: 0, RelevanceScore: 0.1},
			{Index: 1, RelevanceScore: 0.9},
		}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	c := New(config.RerankerConfig{URL: ts.URL, Enabled: true})
	out, err := c.Rerank(context.Background(), "q", []Passage{
		{OriginalIndex: 0, Text: "a"},
		{OriginalIndex: 1, Text: "b"},
	}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected topK=1 truncation, got %d results", len(out))
	}
}

func TestRerank_FailsClosedOnUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(config.RerankerConfig{URL: ts.URL, Enabled: true})
	_, err := c.Rerank(context.Background(), "q", []Passage{{OriginalIndex: 0, Text: "a"}}, 0)
	if err == nil {
		t.Fatalf("expected error from upstream 500; caller is responsible for falling back to pre-rerank order")
	}
}

func TestFilterByScore(t *testing.T) {
	in := []Scored{{OriginalIndex: 0, Score: 0.9}, {OriginalIndex: 1, Score: 0.1}}
	out := FilterByScore(in, 0.5)
	if len(out) != 1 || out[0].OriginalIndex != 0 {
		t.Fatalf("expected only high-score result to survive, got %+v", out)
	}
}

func TestEnabled(t *testing.T) {
	c := New(config.RerankerConfig{Enabled: true, URL: "http://example.invalid"})
	if !c.Enabled() {
		t.Fatalf("expected Enabled() true when configured with URL and Enabled flag")
	}
	c2 := New(config.RerankerConfig{Enabled: true})
	if c2.Enabled() {
		t.Fatalf("expected Enabled() false when URL is empty")
	}
}
