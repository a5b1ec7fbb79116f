package httpserver

import "net/http"

func (s *httpServer) getHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.service.Health(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *httpServer) getTerminalsHealth(w http.ResponseWriter, r *http.Request) {
	terminals, err := s.service.TerminalsHealth(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": terminals})
}

// getOrchestratorConfig feeds the external orchestrator's reconciliation
// loop with the desired container set. Gated by its own shared secret.
func (s *httpServer) getOrchestratorConfig(w http.ResponseWriter, r *http.Request) {
	specs, err := s.service.OrchestratorConfig(r.Context(), r.Header.Get(orchestratorHeader))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": specs})
}
