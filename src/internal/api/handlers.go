package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/dnsproxy"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
)

// StatsProvider is implemented by the DNS listener.
type StatsProvider interface {
	Stats() dnsproxy.Stats
}

// BootstrapStatusProvider is implemented by the bootstrap refresher.
type BootstrapStatusProvider interface {
	Status() bootstrap.Status
}

// Dependencies are the running components the API reports on.
// Nil providers are reported as unavailable.
type Dependencies struct {
	Proxy           StatsProvider
	Bootstrap       BootstrapStatusProvider
	ResolverURL     string
	Source          bind.SourcePolicy
	BootstrapSource bind.SourcePolicy
	Metrics         *metrics.Metrics
}

// Handler manages all API endpoints and dependencies.
type Handler struct {
	deps      Dependencies
	startedAt time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		deps:      deps,
		startedAt: statusTime(),
	}
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// writeJSONData writes a successful JSON response with data.
func writeJSONData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func sourceInfo(p bind.SourcePolicy) SourceInfo {
	return SourceInfo{
		Any:     p.Shared,
		IPv4:    p.IPv4,
		IPv6:    p.IPv6,
		Summary: p.String(),
	}
}
