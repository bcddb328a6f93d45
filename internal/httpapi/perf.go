package httpapi

import "net/http"

// handlePerfLatency reports rolling p50/p95 latencies of the recording
// pipeline stages (invite resolve, device acquire, capture finalize, upload,
// submit).
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.PipelineSnapshot())
}
