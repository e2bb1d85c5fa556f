package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/pkg/chain"
)

// HealthResponse is the JSON body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage,omitempty"`
	Head    uint64 `json:"head"`
	Error   string `json:"error,omitempty"`
}

// healthCheckHandler handles GET /healthz.
// Returns 200 OK if the storage subsystem answers, 503 Service Unavailable otherwise.
func (p *Plugin) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Storage: "connected"}
	status := http.StatusOK

	var head chain.Block
	if err := p.host.Call(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil, &head); err != nil {
		response.Status = "unhealthy"
		response.Storage = "unreachable"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		response.Head = head.BlockNumber
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
