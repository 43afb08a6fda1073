package api

import (
	"net/http"

	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/pkg/models"
	"github.com/rs/zerolog/log"
)

// HealthHandler handles GET /v1/sys/health and refreshes the storage gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if n, err := s.store.CountTickets(r.Context()); err == nil {
		ticketsTotal.Set(float64(n))
	}
	if n, err := s.store.CountAuditLogs(r.Context()); err == nil {
		auditLogsTotal.Set(float64(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// PolicyImportHandler handles POST /v1/sys/policy/import. It replaces the
// stored rule set atomically and tells an embedded decider to pick it up.
func (s *Server) PolicyImportHandler(w http.ResponseWriter, r *http.Request) {
	_, err := s.decider.Decide(r.Context(), authz.Request{
		Domain:     models.PublicDomain,
		Object:     "policies",
		Action:     models.ActionCreate,
		Attributes: map[string]any{},
		Credential: credentialFromCtx(r.Context()),
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	var req struct {
		Rules []models.PolicyRule `json:"rules"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rules) == 0 {
		writeError(w, http.StatusBadRequest, "no rules provided")
		return
	}
	for i := range req.Rules {
		rule := &req.Rules[i]
		if rule.Subject == "" || rule.Object == "" || rule.Action == "" {
			writeError(w, http.StatusBadRequest, "rule missing subject, object, or action")
			return
		}
		if rule.Domain == "" {
			rule.Domain = models.PublicDomain
		}
		if rule.Effect == "" {
			rule.Effect = models.EffectAllow
		}
	}

	if err := s.store.ReplacePolicyRules(r.Context(), req.Rules); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.reloadDecider()

	log.Info().Int("rules", len(req.Rules)).Msg("policy rules replaced")
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(req.Rules)})
}

// reloadDecider invalidates an embedded decider's cached rules. A remote
// decider has nothing to invalidate.
func (s *Server) reloadDecider() {
	d := s.decider
	if wrapped, ok := d.(*instrumentedDecider); ok {
		d = wrapped.inner
	}
	if reloader, ok := d.(interface{ Reload() }); ok {
		reloader.Reload()
	}
}
