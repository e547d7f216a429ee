package api

import (
	"net/http"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
)

// Health is the liveness probe.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// GetStatus returns listener counters and bootstrap state.
// GET /api/v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Proxy == nil {
		WriteUnavailable(w, "DNS listener")
		return
	}

	response := StatusResponse{
		Version: VersionInfo{
			Version: Version,
			Date:    Date,
			Commit:  Commit,
		},
		Uptime:          statusTime().Sub(h.startedAt).Truncate(time.Second).String(),
		ResolverURL:     h.deps.ResolverURL,
		Listener:        h.deps.Proxy.Stats(),
		Source:          sourceInfo(h.deps.Source),
		BootstrapSource: sourceInfo(h.deps.BootstrapSource),
	}
	if h.deps.Bootstrap != nil {
		response.Bootstrap = h.deps.Bootstrap.Status()
	}

	writeJSONData(w, response)
}

// CheckBind runs the binder for a source literal and a family constraint.
// GET /api/v1/bind?addr=<literal>&family=unspec|ipv4|ipv6
//
// An empty or missing addr is a valid query: it reports the missing-address rejection.
func (h *Handler) CheckBind(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	family, err := bind.ParseFamily(query.Get("family"))
	if err != nil {
		WriteInvalidRequest(w, err.Error())
		return
	}

	literal := query.Get("addr")
	decision := bind.Decide(literal, family)

	response := BindResponse{
		Literal: literal,
		Family:  family.String(),
		Bound:   decision.Bound(),
		Kind:    addr.Classify(literal).Kind().String(),
	}
	if decision.Bound() {
		response.Address = decision.Address().String()
	} else {
		response.Reason = decision.Reason().String()
	}

	writeJSONData(w, response)
}
