package memory

import (
	"context"
	"strconv"
	"time"

	"memoryd/internal/embedding"
	"memoryd/internal/reindexer"
	"memoryd/internal/store"
)

// ComponentCheck is one entry of Facade.GetHealth's per-component report.
type ComponentCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the /memory/health response body.
type HealthReport struct {
	Status string            `json:"status"` // healthy|degraded|unhealthy
	Checks []ComponentCheck `json:"checks"`
}

// healthCheckTimeout bounds each component probe per spec §4.13.
const healthCheckTimeout = 3 * time.Second

// GetHealth runs a bounded health probe against every component. The vector
// index is always probed live; the embedding service is judged by its breaker
// state. When full is true, a document store count and a live embedding
// round-trip are added; when false, the document store is not probed.
func (f *Facade) GetHealth(ctx context.Context, full bool) HealthReport {
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var checks []ComponentCheck
	criticalDown := false

	if full {
		if _, err := f.docs.CountDocuments(hctx, store.DocFilter{}); err != nil {
			checks = append(checks, ComponentCheck{Name: "document_store", Healthy: false, Detail: err.Error()})
			criticalDown = true
		} else {
			checks = append(checks, ComponentCheck{Name: "document_store", Healthy: true})
		}
	} else {
		checks = append(checks, ComponentCheck{Name: "document_store", Healthy: true, Detail: "not probed; pass ?full=true"})
	}

	vh := f.vector.GetHealth(hctx)
	checks = append(checks, ComponentCheck{Name: "vector_index", Healthy: vh.Healthy, Detail: healthDetail(vh)})
	if !vh.Healthy {
		criticalDown = true
	}

	embStatus := f.embedder.GetStatus()
	embHealthy := !embStatus.CircuitOpen
	if full {
		embHealthy = f.embedder.HealthCheck(hctx) && embHealthy
	}
	checks = append(checks, ComponentCheck{
		Name: "embedding", Healthy: embHealthy,
		Detail: embeddingDetail(embStatus),
	})

	rerankHealthy := f.reranker == nil || !f.reranker.Enabled()
	if f.reranker != nil && f.reranker.Enabled() {
		rerankHealthy = true // the rerank client exposes no health probe or breaker; an enabled reranker is reported healthy without a check
	}
	checks = append(checks, ComponentCheck{Name: "rerank", Healthy: rerankHealthy})

	status := "healthy"
	switch {
	case criticalDown:
		status = "unhealthy"
	case !embHealthy || !rerankHealthy:
		status = "degraded"
	}

	return HealthReport{Status: status, Checks: checks}
}

func healthDetail(vh store.VectorHealth) string {
	if !vh.CollectionExists {
		return "collection does not exist"
	}
	return "points=" + strconv.FormatUint(vh.PointCount, 10)
}

func embeddingDetail(s embedding.Status) string {
	if s.CircuitOpen {
		return "circuit open, failures=" + strconv.Itoa(s.Failures) + ", last_error=" + string(s.LastErrorCategory)
	}
	if s.DegradedMode {
		return "degraded mode (pseudo-vectors)"
	}
	return "ok"
}

// Diagnostics is the /memory/diagnostics response body.
type Diagnostics struct {
	Embedding embedding.Status     `json:"embedding"`
	Vector    store.VectorHealth   `json:"vector"`
	Reindex   reindexer.Progress   `json:"reindex"`
}

// GetDiagnostics reports live component state for operator tooling.
func (f *Facade) GetDiagnostics(ctx context.Context) Diagnostics {
	return Diagnostics{
		Embedding: f.embedder.GetStatus(),
		Vector:    f.vector.GetHealth(ctx),
		Reindex:   f.reindexer.GetProgress(),
	}
}
