package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// AuditLogHandler handles GET /v1/sys/audit-log. Reading the trail is a
// public-domain operation reserved for operators by policy.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	_, err := s.decider.Decide(r.Context(), authz.Request{
		Domain:     models.PublicDomain,
		Object:     "audit_logs",
		Action:     models.ActionRead,
		Attributes: map[string]any{},
		Credential: credentialFromCtx(r.Context()),
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{
		Route: q.Get("route"),
		Limit: 100,
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	logs, err := s.store.QueryAuditLogs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": logs})
}
