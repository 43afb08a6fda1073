package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// memStore is an in-memory storage.Store for handler tests.
type memStore struct {
	mu        sync.Mutex
	customers map[int64]*models.Customer
	tickets   []*models.Ticket
	audits    map[int64]*models.AuditLog
	rules     []models.PolicyRule
	binds     []models.RoleBinding
	nextID    int64
	nextAudit int64
}

func newMemStore() *memStore {
	return &memStore{
		customers: make(map[int64]*models.Customer),
		audits:    make(map[int64]*models.AuditLog),
	}
}

func (m *memStore) GetCustomer(_ context.Context, id int64) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) CustomerIsPrivate(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	return c.IsPrivate, nil
}

func (m *memStore) CreateCustomer(_ context.Context, c *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.customers[c.ID] = &cp
	return nil
}

func (m *memStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	if t.Status == "" {
		t.Status = models.TicketOpen
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.tickets = append(m.tickets, &cp)
	return nil
}

func (m *memStore) GetTicket(_ context.Context, id int64) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) UpdateTicketFields(_ context.Context, id int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ID != id {
			continue
		}
		if v, ok := fields["subject"].(string); ok {
			t.Subject = v
		}
		if v, ok := fields["body"].(string); ok {
			t.Body = v
		}
		if v, ok := fields["status"].(string); ok {
			t.Status = v
		}
		t.UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrNotFound
}

func (m *memStore) DeleteTicket(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tickets {
		if t.ID == id {
			m.tickets = append(m.tickets[:i], m.tickets[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) FetchTicketPage(_ context.Context, filter storage.TicketFilter, offset, limit int) ([]*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Ticket
	for _, t := range m.tickets {
		if filter.CustomerID != nil {
			if t.CustomerID == nil || *t.CustomerID != *filter.CustomerID {
				continue
			}
		}
		if status, ok := filter.Where["status"].(string); ok && t.Status != status {
			continue
		}
		matched = append(matched, t)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*models.Ticket, 0, end-offset)
	for _, t := range matched[offset:end] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) InsertAuditLog(_ context.Context, entry *models.AuditLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAudit++
	entry.ID = m.nextAudit
	entry.CreatedAt = time.Now()
	cp := *entry
	m.audits[entry.ID] = &cp
	return entry.ID, nil
}

func (m *memStore) AppendAuditComment(_ context.Context, id int64, comment string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.audits[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	if entry.Comments == "" {
		entry.Comments = comment
	} else {
		entry.Comments = entry.Comments + "; " + comment
	}
	return entry.Comments, nil
}

func (m *memStore) QueryAuditLogs(_ context.Context, filter storage.AuditFilter) ([]*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLog
	for _, e := range m.audits {
		if filter.Route != "" && e.MethodRoute != filter.Route {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteAuditLog(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.audits[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.audits, id)
	return nil
}

func (m *memStore) LoadPolicyRules(_ context.Context) ([]models.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PolicyRule(nil), m.rules...), nil
}

func (m *memStore) LoadRoleBindings(_ context.Context) ([]models.RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RoleBinding(nil), m.binds...), nil
}

func (m *memStore) ReplacePolicyRules(_ context.Context, rules []models.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]models.PolicyRule(nil), rules...)
	return nil
}

func (m *memStore) CountTickets(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.tickets)), nil
}

func (m *memStore) CountAuditLogs(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.audits)), nil
}

func (m *memStore) Close() {}

// allowAll grants everything and records how often it was asked.
type allowAll struct {
	mu    sync.Mutex
	calls int
	user  string
}

func (d *allowAll) Decide(_ context.Context, req authz.Request) (*models.Decision, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	user := d.user
	if user == "" {
		user = "alice"
	}
	var c models.Conditions
	if w, ok := req.Attributes["where"].(map[string]any); ok {
		c.Where = w
	}
	if s, ok := req.Attributes["set"].(map[string]any); ok {
		c.Set = s
	}
	return &models.Decision{User: models.Identity{ID: user}, Conditions: c}, nil
}

func (d *allowAll) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// denyAll refuses everything.
type denyAll struct{}

func (denyAll) Decide(_ context.Context, _ authz.Request) (*models.Decision, error) {
	return nil, &authz.DeniedError{Message: "denied by policy"}
}

// failingDecider simulates an unreachable decision service.
type failingDecider struct{}

func (failingDecider) Decide(_ context.Context, _ authz.Request) (*models.Decision, error) {
	return nil, &authz.FailureError{Status: 502, Body: `{"errors":["upstream exploded"]}`}
}

func newTestServer(store storage.Store, decider authz.Decider) *Server {
	return NewServer(store, decider, Config{ListenAddr: ":0"})
}

func doRequest(t *testing.T, srv *Server, method, path, cred string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cred != "" {
		req.Header.Set("Authorization", cred)
	}
	w := httptest.NewRecorder()
	srv.BuildRouter().ServeHTTP(w, req)
	return w
}

func TestMissingCredentialNeverReachesDecider(t *testing.T) {
	store := newMemStore()
	decider := &allowAll{}
	srv := newTestServer(store, decider)

	w := doRequest(t, srv, http.MethodGet, "/v1/tickets", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if decider.count() != 0 {
		t.Fatalf("decider invoked %d times for credential-less request", decider.count())
	}
	// The request is still audited, with no subject.
	if len(store.audits) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(store.audits))
	}
	for _, e := range store.audits {
		if e.SubjectID != nil {
			t.Fatalf("expected nil subject, got %q", *e.SubjectID)
		}
		if !strings.Contains(e.Comments, "401") {
			t.Fatalf("expected 401 outcome in comments, got %q", e.Comments)
		}
	}
}

func TestTicketCreateAndGet(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &allowAll{user: "alice"})

	w := doRequest(t, srv, http.MethodPost, "/v1/tickets", "Bearer alice",
		`{"subject":"printer on fire","body":"third floor"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Data models.Ticket `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Data.Creator != "alice" {
		t.Fatalf("creator = %q, want alice", created.Data.Creator)
	}

	w = doRequest(t, srv, http.MethodGet, fmt.Sprintf("/v1/tickets/%d", created.Data.ID), "Bearer alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
}

func TestTicketListPaginates(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &allowAll{})

	for i := 0; i < 35; i++ {
		store.CreateTicket(context.Background(), &models.Ticket{
			Creator: "alice",
			Subject: fmt.Sprintf("ticket %d", i),
		})
	}

	w := doRequest(t, srv, http.MethodGet, "/v1/tickets?pageSize=30", "Bearer alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data    []models.Ticket `json:"data"`
		HasMore bool            `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 30 || !resp.HasMore {
		t.Fatalf("got %d rows hasMore=%v, want 30 rows hasMore=true", len(resp.Data), resp.HasMore)
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/tickets?pageSize=30&page=2", "Bearer alice", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode page 2: %v", err)
	}
	if len(resp.Data) != 5 || resp.HasMore {
		t.Fatalf("page 2: got %d rows hasMore=%v, want 5 rows hasMore=false", len(resp.Data), resp.HasMore)
	}
}

func TestDenialIsForbidden(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, denyAll{})

	w := doRequest(t, srv, http.MethodGet, "/v1/tickets", "Bearer mallory", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "denied by policy") {
		t.Fatalf("expected denial message, got %s", w.Body.String())
	}
	// The denial is recorded on the audit trail.
	var found bool
	for _, e := range store.audits {
		if strings.Contains(e.Comments, "denied by policy") {
			found = true
		}
	}
	if !found {
		t.Fatal("denial missing from audit comments")
	}
}

func TestDeciderFailureRelaysUpstream(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, failingDecider{})

	w := doRequest(t, srv, http.MethodGet, "/v1/tickets", "Bearer alice", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 relayed verbatim, got %d", w.Code)
	}
	if w.Body.String() != `{"errors":["upstream exploded"]}` {
		t.Fatalf("expected upstream body verbatim, got %s", w.Body.String())
	}
}

func TestAuditSnapshotRedactsSecrets(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &allowAll{})

	w := doRequest(t, srv, http.MethodPost, "/v1/tickets", "Bearer alice",
		`{"subject":"reset","body":"help","password":"hunter2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if len(store.audits) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(store.audits))
	}
	for _, e := range store.audits {
		snap := string(e.Snapshot)
		if strings.Contains(snap, "hunter2") {
			t.Fatalf("secret leaked into audit snapshot: %s", snap)
		}
		if !strings.Contains(snap, `"password":"*****"`) {
			t.Fatalf("expected masked password in snapshot, got %s", snap)
		}
		if strings.Contains(snap, "Bearer alice") {
			t.Fatal("credential leaked into audit snapshot")
		}
	}
}

func TestAuditSnapshotCarriesRequestID(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &allowAll{})

	w := doRequest(t, srv, http.MethodGet, "/v1/tickets", "Bearer alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	reqID := w.Header().Get("X-Request-ID")
	if reqID == "" {
		t.Fatal("expected a request id header")
	}
	for _, e := range store.audits {
		if !strings.Contains(string(e.Snapshot), `"requestId":"`+reqID+`"`) {
			t.Errorf("audit snapshot should carry request id %s: %s", reqID, e.Snapshot)
		}
	}
}

func TestTicketUpdateAppliesNarrowedSet(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, &allowAll{user: "alice"})

	store.CreateTicket(context.Background(), &models.Ticket{Creator: "alice", Subject: "old", Body: "old"})

	w := doRequest(t, srv, http.MethodPatch, "/v1/tickets/1", "Bearer alice",
		`{"subject":"new subject"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	updated, err := store.GetTicket(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Subject != "new subject" || updated.Body != "old" {
		t.Fatalf("unexpected update: %+v", updated)
	}
}

func TestPolicyImportReloadsEmbeddedDecider(t *testing.T) {
	store := newMemStore()
	store.rules = []models.PolicyRule{
		{Subject: "admin", Domain: "0", Object: "policies", Action: "C", Effect: "allow"},
		{Subject: "admin", Domain: "0", Object: "audit_logs", Action: "R", Effect: "allow"},
	}
	store.binds = []models.RoleBinding{{Identity: "root", Role: "admin", Domain: "0"}}

	local := authz.NewLocal(store, authz.BearerSubjectResolver, nil)
	srv := newTestServer(store, local)

	body := `{"rules":[
		{"subject":"admin","domain":"0","object":"policies","action":"C","effect":"allow"},
		{"subject":"admin","domain":"0","object":"audit_logs","action":"R","effect":"allow"},
		{"subject":"agent","domain":"0","object":"tickets","action":"R","effect":"allow"}
	]}`
	w := doRequest(t, srv, http.MethodPost, "/v1/sys/policy/import", "Bearer root", body)
	if w.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.rules) != 3 {
		t.Fatalf("expected 3 stored rules, got %d", len(store.rules))
	}

	// The embedded decider must see the new rule set on the next decision.
	store.mu.Lock()
	store.binds = append(store.binds, models.RoleBinding{Identity: "bob", Role: "agent", Domain: "0"})
	store.mu.Unlock()
	srv.reloadDecider()

	w = doRequest(t, srv, http.MethodGet, "/v1/tickets", "Bearer bob", "")
	if w.Code != http.StatusOK {
		t.Fatalf("post-import list: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuditLogQueryRequiresOperator(t *testing.T) {
	store := newMemStore()
	srv := newTestServer(store, denyAll{})

	w := doRequest(t, srv, http.MethodGet, "/v1/sys/audit-log", "Bearer mallory", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(newMemStore(), denyAll{})
	w := doRequest(t, srv, http.MethodGet, "/v1/sys/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
