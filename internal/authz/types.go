package authz

import (
	"context"
	"fmt"

	"github.com/mjza/mra-core-sub000/pkg/models"
)

// Request is one tenant-scoped authorization question. Attributes may carry
// "where" and "set" sub-objects the decision service is allowed to rewrite.
type Request struct {
	Domain     string
	Object     string
	Action     string
	Attributes map[string]any
	Credential string // inbound bearer credential, forwarded unchanged
}

// Decider answers authorization questions. Implementations return a
// *DeniedError for an explicit denial and a *FailureError for transport or
// credential faults; a denial is a normal terminal outcome, never a retryable
// error.
type Decider interface {
	Decide(ctx context.Context, req Request) (*models.Decision, error)
}

// DeniedError is an explicit denial from the decision service. It carries
// the upstream message and must never be retried or treated as a fault.
type DeniedError struct {
	Message string
}

func (e *DeniedError) Error() string {
	if e.Message == "" {
		return "authorization denied"
	}
	return "authorization denied: " + e.Message
}

// FailureError is a transport or credential fault: missing credential,
// unreachable decision service, or a non-2xx/non-403 upstream response.
// When the upstream answered, Status and Body are relayed verbatim to the
// original caller; otherwise Status is zero and the caller signals a
// generic internal failure. A failure is never an implicit denial.
type FailureError struct {
	Status int
	Body   string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("authorization service failure: status %d", e.Status)
	}
	if e.Err != nil {
		return "authorization service failure: " + e.Err.Error()
	}
	return "authorization service failure"
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
