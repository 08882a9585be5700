// Package httpapi exposes the memory engine's HTTP hook surface: the
// exchange/context/score hooks a chat pipeline calls around every turn, plus
// admin endpoints for stats, diagnostics, health, and background operations.
package httpapi

import (
	"net/http"

	"memoryd/internal/memory"
)

// Server wires the C9 MemoryFacade to the HTTP hook surface described by
// spec §6.
type Server struct {
	facade *memory.Facade
	mux    *http.ServeMux
}

// NewServer creates the HTTP API server wired to a Facade.
func NewServer(facade *memory.Facade) *Server {
	s := &Server{facade: facade, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	// Hooks
	s.mux.HandleFunc("POST /hooks/exchange", s.handleHookExchange)
	s.mux.HandleFunc("POST /hooks/context", s.handleHookContext)
	s.mux.HandleFunc("POST /hooks/score", s.handleHookScore)

	// Admin: read
	s.mux.HandleFunc("GET /memory/stats", s.handleStats)
	s.mux.HandleFunc("GET /memory/diagnostics", s.handleDiagnostics)
	s.mux.HandleFunc("GET /memory/health", s.handleHealth)

	// Admin: ops
	s.mux.HandleFunc("POST /memory/ops/reindex/deferred", s.handleOpsReindexDeferred)
	s.mux.HandleFunc("POST /memory/ops/reset", s.handleOpsReset)
	s.mux.HandleFunc("POST /memory/ops/sanitize", s.handleOpsSanitize)
	s.mux.HandleFunc("POST /memory/ops/circuit-breaker", s.handleOpsCircuitBreaker)
	s.mux.HandleFunc("POST /memory/ops/migrate", s.handleOpsMigrate)

	// Memory CRUD / search
	s.mux.HandleFunc("POST /memory/search", s.handleSearch)
	s.mux.HandleFunc("GET /memory/memory-bank", s.handleListMemoryBank)
	s.mux.HandleFunc("POST /memory/memory-bank", s.handleCreateMemoryBank)
	s.mux.HandleFunc("GET /memory/memory-bank/{id}", s.handleGetMemoryBank)

	// Knowledge graph
	s.mux.HandleFunc("GET /memory/graph", s.handleGraph)
	s.mux.HandleFunc("GET /memory/kg", s.handleGraph)
}
