package models

import (
	"strconv"
	"time"
)

// Customer is a tenant. A private customer forms its own authorization
// domain; public customers share the global domain "0".
type Customer struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	IsPrivate    bool      `json:"is_private"`
	ContactEmail string    `json:"contact_email,omitempty"` // PII, stored encrypted
	ContactPhone string    `json:"contact_phone,omitempty"` // PII, stored encrypted
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Domain returns the authorization domain the customer's rows belong to.
func (c *Customer) Domain() string {
	if c.IsPrivate {
		return strconv.FormatInt(c.ID, 10)
	}
	return PublicDomain
}

// Ticket is a protected row owned by a customer. A nil CustomerID means the
// ticket has no customer association and is visible without classification.
type Ticket struct {
	ID         int64     `json:"id"`
	CustomerID *int64    `json:"customer_id,omitempty"`
	Creator    string    `json:"creator"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ticket status values.
const (
	TicketOpen   = "open"
	TicketClosed = "closed"
)

// CustomerRef returns the owning customer ID, or nil when unassociated.
func (t *Ticket) CustomerRef() *int64 {
	return t.CustomerID
}
