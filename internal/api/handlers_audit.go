package api

import (
	"net/http"

	"github.com/org/medgate/pkg/models"
)

// handleAuditQuery handles GET /admin/audit
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		ActorID:  q.Get("actor"),
		Kind:     q.Get("kind"),
		Severity: q.Get("severity"),
		Text:     q.Get("q"),
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, r, err)
		return
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
