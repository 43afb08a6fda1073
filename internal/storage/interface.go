package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mjza/mra-core-sub000/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the core.
type Store interface {
	// Customers
	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)
	CustomerIsPrivate(ctx context.Context, id int64) (bool, error)
	CreateCustomer(ctx context.Context, c *models.Customer) error

	// Tickets
	CreateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, id int64) (*models.Ticket, error)
	UpdateTicketFields(ctx context.Context, id int64, fields map[string]any) error
	DeleteTicket(ctx context.Context, id int64) error
	FetchTicketPage(ctx context.Context, filter TicketFilter, offset, limit int) ([]*models.Ticket, error)

	// Audit. Append never overwrites prior comments. DeleteAuditLog exists
	// for test support only and must not be routed in production.
	InsertAuditLog(ctx context.Context, entry *models.AuditLog) (int64, error)
	AppendAuditComment(ctx context.Context, id int64, comment string) (string, error)
	QueryAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)
	DeleteAuditLog(ctx context.Context, id int64) error

	// Authorization rules for the embedded decider
	LoadPolicyRules(ctx context.Context) ([]models.PolicyRule, error)
	LoadRoleBindings(ctx context.Context) ([]models.RoleBinding, error)
	ReplacePolicyRules(ctx context.Context, rules []models.PolicyRule) error

	// Metrics helpers
	CountTickets(ctx context.Context) (int64, error)
	CountAuditLogs(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// TicketFilter narrows a ticket page fetch. Where carries the row filter the
// decision service handed back; only whitelisted keys are applied.
type TicketFilter struct {
	CustomerID *int64
	Status     string
	Where      map[string]any
	Sort       string // defaults to newest first
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Route  string
	Since  *time.Time
	Limit  int
	Offset int
}
