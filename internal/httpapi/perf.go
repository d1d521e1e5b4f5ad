package httpapi

import (
	"fmt"
	"net/http"

	"github.com/ent0n29/tasksync/internal/apperr"
)

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r).IsAdmin() {
		respondAppError(w, fmt.Errorf("%w: latency report requires admin", apperr.ErrAuthorization))
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}
