package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"memoryd/internal/circuitbreaker"
	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/memoryerr"
)

// payloadOriginalID carries the caller-supplied memory_id when it isn't
// itself a valid UUID, since Qdrant point IDs must be a UUID or uint64.
const payloadOriginalID = "_original_id"

// Point is one vector to upsert; Payload must carry at least user_id, tier,
// status, text, and memory_id (spec §4.3).
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorHit is a single nearest-neighbor result.
type VectorHit struct {
	ID       string
	Score    float64
	Payload  map[string]any
}

// SearchParams filters a similarity search. UserID and active status are
// always enforced by VectorIndexAdapter.Search regardless of Filter.
type SearchParams struct {
	UserID string
	Tier   domain.Tier // empty means search all tiers
	Vector []float32
	Limit  int
	Filter map[string]string
}

// VectorHealth is the getHealth() response (spec §4.3).
type VectorHealth struct {
	Healthy          bool
	PointCount       uint64
	CollectionExists bool
	VectorDims       int
}

// VectorIndexAdapter is the C3 component: CRUD/search over Qdrant, with its
// own circuit breaker identical in shape to the embedding client's (C1).
// Grounded in the teacher's qdrant_vector.go, generalized from a single
// string->string metadata map to a typed payload including tier/status.
type VectorIndexAdapter struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string

	breaker *circuitbreaker.Breaker
}

// NewVectorIndexAdapter dials Qdrant's gRPC API (default port 6334) per the
// given config. The collection is NOT created here; call Initialize for that.
func NewVectorIndexAdapter(cfg config.QdrantConfig) (*VectorIndexAdapter, error) {
	if cfg.Collection == "" {
		return nil, memoryerr.Wrap("store.NewVectorIndexAdapter", memoryerr.KindConfig, fmt.Errorf("collection name is required"))
	}
	qcfg := &qdrant.Config{Host: cfg.Host, Port: cfg.Port, UseTLS: cfg.HTTPS}
	if cfg.APIKey != "" {
		qcfg.APIKey = cfg.APIKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, memoryerr.Wrap("store.NewVectorIndexAdapter", memoryerr.KindTransport, err)
	}
	return &VectorIndexAdapter{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.VectorSize,
		metric:     strings.ToLower(strings.TrimSpace(cfg.Metric)),
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}, nil
}

// Initialize ensures the collection exists with the configured vector size
// and distance metric.
func (v *VectorIndexAdapter) Initialize(ctx context.Context) error {
	exists, err := v.client.CollectionExists(ctx, v.collection)
	if err != nil {
		return memoryerr.Wrap("store.Initialize", memoryerr.KindServiceDown, err)
	}
	if exists {
		return nil
	}
	if v.dimension <= 0 {
		return memoryerr.Wrap("store.Initialize", memoryerr.KindConfig, fmt.Errorf("vector dimension must be > 0"))
	}
	err = v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(v.dimension),
			Distance: distanceFor(v.metric),
		}),
	})
	if err != nil {
		return memoryerr.Wrap("store.Initialize", memoryerr.KindServiceDown, err)
	}
	return nil
}

func distanceFor(metric string) qdrant.Distance {
	switch metric {
	case "l2", "euclidean":
		return qdrant.Distance_Euclid
	case "ip", "dot":
		return qdrant.Distance_Dot
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

// pointUUID maps an arbitrary caller ID to a Qdrant-legal point ID, returning
// whether the mapping is an identity (already a UUID) or a derived one.
func pointUUID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, true
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), false
}

// Upsert writes points to the collection. A vector whose length doesn't match
// the collection's configured dimension is a hard error per spec §4.3; no
// partial writes are attempted in that case.
func (v *VectorIndexAdapter) Upsert(ctx context.Context, points []Point) error {
	if !v.breaker.Allow() {
		return memoryerr.Wrap("store.Upsert", memoryerr.KindServiceDown, fmt.Errorf("vector index circuit open"))
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if v.dimension > 0 && len(p.Vector) != v.dimension {
			v.breaker.RecordFailure()
			return memoryerr.Wrap("store.Upsert", memoryerr.KindValidation,
				fmt.Errorf("vector dimension mismatch for %s: got %d want %d", p.ID, len(p.Vector), v.dimension))
		}
		uuidStr, isIdentity := pointUUID(p.ID)
		payload := make(map[string]any, len(p.Payload)+1)
		for k, val := range p.Payload {
			payload[k] = val
		}
		if !isIdentity {
			payload[payloadOriginalID] = p.ID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: v.collection, Points: structs})
	if err != nil {
		v.breaker.RecordFailure()
		return memoryerr.Wrap("store.Upsert", memoryerr.KindTransport, err)
	}
	v.breaker.RecordSuccess()
	return nil
}

// Search runs similarity search. UserID and status=active are always
// enforced; Tier narrows to one tier when set.
func (v *VectorIndexAdapter) Search(ctx context.Context, p SearchParams) ([]VectorHit, error) {
	if !v.breaker.Allow() {
		return nil, memoryerr.Wrap("store.Search", memoryerr.KindServiceDown, fmt.Errorf("vector index circuit open"))
	}
	limit := uint64(p.Limit)
	if limit == 0 {
		limit = 10
	}
	must := []*qdrant.Condition{qdrant.NewMatch("user_id", p.UserID), qdrant.NewMatch("status", string(domain.StatusActive))}
	if p.Tier != "" {
		must = append(must, qdrant.NewMatch("tier", string(p.Tier)))
	}
	for k, val := range p.Filter {
		must = append(must, qdrant.NewMatch(k, val))
	}
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	hits, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: must},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		v.breaker.RecordFailure()
		return nil, memoryerr.Wrap("store.Search", memoryerr.KindTransport, err)
	}
	v.breaker.RecordSuccess()

	out := make([]VectorHit, 0, len(hits))
	for _, hit := range hits {
		payload := make(map[string]any)
		var originalID string
		if hit.Payload != nil {
			for k, val := range hit.Payload {
				if k == payloadOriginalID {
					originalID = val.GetStringValue()
					continue
				}
				payload[k] = valueToAny(val)
			}
		}
		id := originalID
		if id == "" {
			id = hit.Id.GetUuid()
		}
		out = append(out, VectorHit{ID: id, Score: float64(hit.Score), Payload: payload})
	}
	return out, nil
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return v.GetStringValue()
	}
}

// Count reports the number of active points for a user, optionally scoped to
// one tier. It uses Qdrant's count API with the same filter Search enforces.
func (v *VectorIndexAdapter) Count(ctx context.Context, userID string, tier domain.Tier) (uint64, error) {
	must := []*qdrant.Condition{qdrant.NewMatch("user_id", userID), qdrant.NewMatch("status", string(domain.StatusActive))}
	if tier != "" {
		must = append(must, qdrant.NewMatch("tier", string(tier)))
	}
	exact := true
	resp, err := v.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: v.collection,
		Filter:         &qdrant.Filter{Must: must},
		Exact:          &exact,
	})
	if err != nil {
		return 0, memoryerr.Wrap("store.Count", memoryerr.KindTransport, err)
	}
	return resp, nil
}

// Delete removes points by their caller-facing (memory_id) IDs.
func (v *VectorIndexAdapter) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointUUID(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(uuidStr))
	}
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return memoryerr.Wrap("store.Delete", memoryerr.KindTransport, err)
	}
	return nil
}

// GetHealth reports collection existence, point count, and circuit state.
func (v *VectorIndexAdapter) GetHealth(ctx context.Context) VectorHealth {
	exists, err := v.client.CollectionExists(ctx, v.collection)
	if err != nil || !exists {
		return VectorHealth{Healthy: false, CollectionExists: false, VectorDims: v.dimension}
	}
	count, _ := v.client.Count(ctx, &qdrant.CountPoints{CollectionName: v.collection})
	return VectorHealth{
		Healthy:          !v.IsCircuitOpen(),
		PointCount:       count,
		CollectionExists: true,
		VectorDims:       v.dimension,
	}
}

// IsCircuitOpen reports whether the adapter's breaker currently refuses calls.
func (v *VectorIndexAdapter) IsCircuitOpen() bool {
	return v.breaker.IsOpen()
}

// Dimension returns the configured vector size.
func (v *VectorIndexAdapter) Dimension() int { return v.dimension }

// Close releases the underlying gRPC connection.
func (v *VectorIndexAdapter) Close() error {
	return v.client.Close()
}
