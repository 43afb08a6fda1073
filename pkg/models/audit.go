package models

import "time"

// AuditLog is one durable record of a protected request. It is created when
// the request enters the system and annotated (never overwritten) as the
// outcome becomes known. Audit rows are owned exclusively by the audit
// trail; nothing else mutates them. Deletion exists for tests only.
type AuditLog struct {
	ID          int64     `json:"id"`
	MethodRoute string    `json:"method_route"` // e.g. "GET /v1/tickets"
	Snapshot    []byte    `json:"snapshot"`     // redacted request snapshot, JSON
	ClientIP    string    `json:"client_ip"`
	SubjectID   *string   `json:"subject_id,omitempty"` // nil until authorization resolves
	Comments    string    `json:"comments"`
	CreatedAt   time.Time `json:"created_at"`
}
