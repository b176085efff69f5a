package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/coordinator"
	"github.com/maxpert/shedder/host"
	"github.com/maxpert/shedder/policy"
	"github.com/maxpert/shedder/shedder"
	"github.com/rs/zerolog/log"
)

// LocalShedder is the part of the local shedder exposed to operators
type LocalShedder interface {
	Status() shedder.Status
	ShedByPercentage(ctx context.Context, fraction float64) (shedder.PassResult, error)
}

// CoordinatorStatus reports the coordinator state of this node
type CoordinatorStatus interface {
	Status() coordinator.Status
}

// MemberLister lists known cluster members
type MemberLister interface {
	MembershipInfo() []cluster.MemberInfo
}

// Invoker runs calls on the local host
type Invoker interface {
	Invoke(ctx context.Context, key cluster.ActivationKey, fn host.Handler) error
	LocalCount() int
}

// AdminHandlers serves the operator API of one node
type AdminHandlers struct {
	node        cluster.NodeAddress
	shedder     LocalShedder
	coordinator CoordinatorStatus
	members     MemberLister
	table       *policy.Table
	host        Invoker
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(node cluster.NodeAddress, shed LocalShedder, coord CoordinatorStatus, members MemberLister, table *policy.Table, h Invoker) *AdminHandlers {
	return &AdminHandlers{
		node:        node,
		shedder:     shed,
		coordinator: coord,
		members:     members,
		table:       table,
		host:        h,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseFraction parses the fraction query parameter
func parseFraction(r *http.Request) (float64, error) {
	s := r.URL.Query().Get("fraction")
	if s == "" {
		return 0, fmt.Errorf("fraction parameter is required")
	}

	fraction, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fraction parameter: %w", err)
	}
	return fraction, nil
}
