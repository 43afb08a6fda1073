package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// CustomerCreateHandler handles POST /v1/customers. Customers are created in
// the public domain; a private customer becomes its own domain afterwards.
func (s *Server) CustomerCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		IsPrivate    bool   `json:"is_private"`
		ContactEmail string `json:"contact_email"`
		ContactPhone string `json:"contact_phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	_, err := s.decider.Decide(r.Context(), authz.Request{
		Domain:     models.PublicDomain,
		Object:     "customers",
		Action:     models.ActionCreate,
		Attributes: map[string]any{"set": map[string]any{"name": req.Name, "is_private": req.IsPrivate}},
		Credential: credentialFromCtx(r.Context()),
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	customer := &models.Customer{
		Name:         req.Name,
		IsPrivate:    req.IsPrivate,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
	}
	if err := s.store.CreateCustomer(r.Context(), customer); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": customer})
}

// CustomerGetHandler handles GET /v1/customers/{id}. The decision runs in the
// customer's own domain, so reading a private customer needs a role there.
func (s *Server) CustomerGetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer id")
		return
	}

	customer, err := s.store.GetCustomer(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err = s.decider.Decide(r.Context(), authz.Request{
		Domain:     customer.Domain(),
		Object:     "customers",
		Action:     models.ActionRead,
		Attributes: map[string]any{},
		Credential: credentialFromCtx(r.Context()),
	})
	if err != nil {
		s.trail.Close(r.Context(), auditIDFromCtx(r.Context()), err)
		writeAuthzError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": customer})
}
