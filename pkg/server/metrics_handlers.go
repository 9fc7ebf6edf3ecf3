package server

import "net/http"

// HandleGetPerformanceMetrics handles GET /v1/get_performance_metrics, the
// programmatic JSON counterpart to the /metrics Prometheus exposition
// endpoint registered separately in main.
func (h *Handlers) HandleGetPerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.gw.Metrics.Snapshot()
	if err != nil {
		writeJSONError(w, "failed to gather metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
