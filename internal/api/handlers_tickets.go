package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/listing"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// ticketSource adapts the ticket table to the listing engine.
type ticketSource struct {
	store  storage.Store
	filter storage.TicketFilter
}

func (s *ticketSource) FetchPage(ctx context.Context, offset, limit int) ([]listing.Row, error) {
	tickets, err := s.store.FetchTicketPage(ctx, s.filter, offset, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]listing.Row, len(tickets))
	for i, t := range tickets {
		rows[i] = t
	}
	return rows, nil
}

// TicketListHandler handles GET /v1/tickets. The collection is gated by one
// decision in the domain of the requested customer; rows are then authorized
// individually by the pagination engine.
func (s *Server) TicketListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := 1
	if v := q.Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = p
	}
	pageSize := 30
	if v := q.Get("pageSize"); v != "" {
		ps, err := strconv.Atoi(v)
		if err != nil || ps < 1 {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		pageSize = ps
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}

	var customerID *int64
	if v := q.Get("customerId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid customerId")
			return
		}
		customerID = &id
	}

	domain, err := s.classifier.Classify(r.Context(), customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Collection gate. The engine re-checks private rows individually.
	where := map[string]any{}
	if status := q.Get("status"); status != "" {
		where["status"] = status
	}
	cred := credentialFromCtx(r.Context())
	gate, err := s.decider.Decide(r.Context(), authz.Request{
		Domain:     domain,
		Object:     "tickets",
		Action:     models.ActionRead,
		Attributes: map[string]any{"where": where},
		Credential: cred,
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	src := &ticketSource{
		store: s.store,
		filter: storage.TicketFilter{
			CustomerID: customerID,
			// Use the gate's rewritten row filter, not the one we sent.
			Where: gate.Conditions.Where,
		},
	}
	result, err := s.engine.Page(r.Context(), src, listing.Request{
		Page:       page,
		PageSize:   pageSize,
		Object:     "tickets",
		Action:     models.ActionRead,
		Credential: cred,
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     result.Rows,
		"hasMore":  result.HasMore,
		"page":     page,
		"pageSize": pageSize,
	})
}

// TicketGetHandler handles GET /v1/tickets/{id}.
func (s *Server) TicketGetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.decideForTicket(r, ticket, models.ActionRead, nil); err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": ticket})
}

// TicketCreateHandler handles POST /v1/tickets. The decision service may
// narrow the write payload via conditions.set.
func (s *Server) TicketCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID *int64 `json:"customer_id"`
		Subject    string `json:"subject"`
		Body       string `json:"body"`
		Status     string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject required")
		return
	}

	domain, err := s.classifier.Classify(r.Context(), req.CustomerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	set := map[string]any{"subject": req.Subject, "body": req.Body}
	if req.Status != "" {
		set["status"] = req.Status
	}
	dec, err := s.decider.Decide(r.Context(), authz.Request{
		Domain:     domain,
		Object:     "tickets",
		Action:     models.ActionCreate,
		Attributes: map[string]any{"set": set},
		Credential: credentialFromCtx(r.Context()),
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}
	if dec.Conditions.Set != nil {
		set = dec.Conditions.Set
	}

	ticket := &models.Ticket{
		CustomerID: req.CustomerID,
		Creator:    dec.User.ID,
	}
	if v, ok := set["subject"].(string); ok {
		ticket.Subject = v
	}
	if v, ok := set["body"].(string); ok {
		ticket.Body = v
	}
	if v, ok := set["status"].(string); ok {
		ticket.Status = v
	}

	if err := s.store.CreateTicket(r.Context(), ticket); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": ticket})
}

// TicketUpdateHandler handles PATCH /v1/tickets/{id}.
func (s *Server) TicketUpdateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}
	var fields map[string]any
	if err := decodeJSON(r, &fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ticket, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dec, err := s.decideForTicket(r, ticket, models.ActionUpdate, map[string]any{"set": fields})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}
	if dec.Conditions.Set != nil {
		fields = dec.Conditions.Set
	}

	if err := s.store.UpdateTicketFields(r.Context(), id, fields); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": updated})
}

// TicketDeleteHandler handles DELETE /v1/tickets/{id}.
func (s *Server) TicketDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.decideForTicket(r, ticket, models.ActionDelete, nil); err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	if err := s.store.DeleteTicket(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decideForTicket authorizes one action on one ticket in the ticket's
// domain, carrying the owner attribute for ownership conditions.
func (s *Server) decideForTicket(r *http.Request, ticket *models.Ticket, action string, extra map[string]any) (*models.Decision, error) {
	domain, err := s.classifier.Classify(r.Context(), ticket.CustomerID)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{"owner": ticket.Creator}
	for k, v := range extra {
		attrs[k] = v
	}
	return s.decider.Decide(r.Context(), authz.Request{
		Domain:     domain,
		Object:     "tickets",
		Action:     action,
		Attributes: attrs,
		Credential: credentialFromCtx(r.Context()),
	})
}
