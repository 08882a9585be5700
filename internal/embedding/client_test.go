package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"memoryd/internal/config"
	"memoryd/internal/memoryerr"
)

func TestEmbedText_HeadersMapAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token abc" {
			t.Fatalf("expected Authorization header Token abc, got %q", got)
		}
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", Headers: map[string]string{"Authorization": "Token abc"}}
	_, err := EmbedText(context.Background(), cfg, []string{"x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbedText_LegacyAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("expected Authorization header Bearer secret, got %q", got)
		}
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", APIHeader: "Authorization", APIKey: "secret"}
	_, err := EmbedText(context.Background(), cfg, []string{"x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbedText_MixedHeadersPrecedence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "abc" {
			t.Fatalf("expected x-api-key header abc, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer s" {
			t.Fatalf("expected Authorization header Bearer s, got %q", got)
		}
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.1}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", APIHeader: "Authorization", APIKey: "s", Headers: map[string]string{"x-api-key": "abc"}}
	_, err := EmbedText(context.Background(), cfg, []string{"x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_CacheAvoidsSecondCall(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := map[string]interface{}{"data": []map[string]interface{}{{"embedding": []float32{0.5, 0.5}}}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", Dimension: 2}
	c := New(cfg)

	if _, err := c.Embed(context.Background(), "hello world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Embed(context.Background(), "  Hello World  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call due to cache hit, got %d", calls)
	}
}

func TestClient_DegradedModeOnCircuitOpen(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{
		BaseURL: ts.URL, Path: "/", Model: "m", Dimension: 8,
		FailureThreshold: 2, OpenDurationMs: 30000, SuccessThreshold: 2,
		GracefulDegrade: true,
	}
	c := New(cfg)

	for i := 0; i < 2; i++ {
		v, err := c.Embed(context.Background(), "failing input")
		if err != nil {
			t.Fatalf("graceful degrade should mask upstream failure, got err: %v", err)
		}
		if len(v) != 8 {
			t.Fatalf("expected degraded vector of dim 8, got %d", len(v))
		}
	}

	status := c.GetStatus()
	if !status.CircuitOpen && !status.DegradedMode {
		t.Fatalf("expected circuit open or degraded after repeated failures, got %+v", status)
	}
}

func TestClient_DegradedVectorDeterministic(t *testing.T) {
	a := pseudoVector("same text", 16)
	b := pseudoVector("same text", 16)
	if len(a) != 16 || len(b) != 16 {
		t.Fatalf("expected length 16 vectors")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic pseudo-vector for identical input")
		}
	}
}

func TestClient_NoGracefulDegradeReturnsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", Dimension: 4, GracefulDegrade: false}
	c := New(cfg)
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatalf("expected error when graceful degrade disabled and upstream fails")
	}
}

func TestClient_TimeoutClassifiedAsTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer ts.Close()

	cfg := config.EmbeddingConfig{BaseURL: ts.URL, Path: "/", Model: "m", Timeout: 5 * time.Millisecond, GracefulDegrade: false}
	c := New(cfg)
	_, err := c.Embed(context.Background(), "slow")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !memoryerr.Is(err, memoryerr.KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}
