package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mjza/mra-core-sub000/pkg/models"
)

const defaultTimeout = 10 * time.Second

// Client asks a remote decision service whether the acting identity may
// proceed. It forwards the inbound bearer credential unchanged and relays
// upstream denials and failures per their kind.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the decision service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type authorizeBody struct {
	Dom   string         `json:"dom"`
	Obj   string         `json:"obj"`
	Act   string         `json:"act"`
	Attrs map[string]any `json:"attrs"`
}

// Decide posts the question to POST /authorize. A 200 yields the decision,
// a 403 yields *DeniedError with the upstream message, anything else yields
// *FailureError carrying the upstream status and body when present.
func (c *Client) Decide(ctx context.Context, req Request) (*models.Decision, error) {
	if req.Credential == "" {
		return nil, &FailureError{Err: errors.New("no credential present")}
	}
	attrs := req.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	payload, err := json.Marshal(authorizeBody{
		Dom:   req.Domain,
		Obj:   req.Object,
		Act:   req.Action,
		Attrs: attrs,
	})
	if err != nil {
		return nil, &FailureError{Err: fmt.Errorf("encoding authorize request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/authorize", bytes.NewReader(payload))
	if err != nil {
		return nil, &FailureError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", req.Credential)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Includes timeouts: a timed-out call is a failure, not a denial.
		return nil, &FailureError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &FailureError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var dec models.Decision
		if err := json.Unmarshal(body, &dec); err != nil {
			return nil, &FailureError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("decoding decision: %w", err)}
		}
		return &dec, nil
	case resp.StatusCode == http.StatusForbidden:
		var denial struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &denial)
		return nil, &DeniedError{Message: denial.Message}
	default:
		return nil, &FailureError{Status: resp.StatusCode, Body: string(body)}
	}
}
