package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/host"
	"github.com/maxpert/shedder/shedder"
)

// handleStatus handles GET /admin/status
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"node": h.node,
	}
	if h.shedder != nil {
		resp["shedder"] = h.shedder.Status()
	}
	if h.coordinator != nil {
		resp["coordinator"] = h.coordinator.Status()
	}
	if h.host != nil {
		resp["local_activations"] = h.host.LocalCount()
	}

	writeJSONResponse(w, resp)
}

// handleEligibility handles GET /admin/eligibility
func (h *AdminHandlers) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if h.table == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "eligibility table not built")
		return
	}

	entries := h.table.Entries()
	resp := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, map[string]interface{}{
			"type":          e.Type,
			"priority":      int(e.Priority),
			"priority_name": e.Priority.String(),
		})
	}

	writeJSONResponse(w, resp)
}

// handleClusterMembers handles GET /admin/cluster/members
func (h *AdminHandlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if h.members == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "membership unavailable")
		return
	}

	writeJSONResponse(w, h.members.MembershipInfo())
}

// handleShed handles POST /admin/shed?fraction=
func (h *AdminHandlers) handleShed(w http.ResponseWriter, r *http.Request) {
	if h.shedder == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "shedder not initialized")
		return
	}

	fraction, err := parseFraction(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.shedder.ShedByPercentage(r.Context(), fraction)
	switch {
	case err == nil:
		writeJSONResponse(w, res)
	case errors.Is(err, cluster.ErrFractionOutOfRange):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cluster.ErrStopped):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// handleActivate handles POST /admin/activations/{type}/{key}
func (h *AdminHandlers) handleActivate(w http.ResponseWriter, r *http.Request) {
	if h.host == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "host unavailable")
		return
	}

	key := cluster.ActivationKey{
		Type: chi.URLParam(r, "type"),
		Key:  chi.URLParam(r, "key"),
	}

	err := h.host.Invoke(r.Context(), key, nil)
	switch {
	case err == nil:
		writeJSONResponse(w, map[string]interface{}{
			"activation":        key.String(),
			"local_activations": h.host.LocalCount(),
		})
	case errors.Is(err, host.ErrUnknownType):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

var _ LocalShedder = (*shedder.Shedder)(nil)
