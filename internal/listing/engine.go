package listing

import (
	"context"
	"errors"

	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/tenant"
	"github.com/mjza/mra-core-sub000/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxScanPages bounds how many consecutive storage pages the engine
// walks while every row keeps getting denied. Without a ceiling a
// systematically denied table turns one list call into a full table walk
// plus one remote decision per row.
const DefaultMaxScanPages = 50

// Row is a candidate result row. CustomerRef returns the owning customer,
// or nil when the row has no customer association (such rows are always
// kept).
type Row interface {
	CustomerRef() *int64
}

// Source fetches one storage page of candidate rows at the given offset,
// ordered by the caller's sort spec.
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) ([]Row, error)
}

// Request describes one authorized listing call.
type Request struct {
	Page       int // 1-based
	PageSize   int
	Object     string
	Action     string
	Attributes map[string]any
	Credential string
}

// Result is the authorized page.
type Result struct {
	Rows    []Row
	HasMore bool
}

// Engine assembles pages of authorized rows. Authorization is granted per
// row and cannot be pushed into the storage query, so a fetched page may
// thin out after filtering; the engine keeps advancing pages until it has
// at least one authorized row or the source is exhausted.
type Engine struct {
	classifier   *tenant.Classifier
	decider      authz.Decider
	maxScanPages int
}

// NewEngine creates an Engine. maxScanPages <= 0 selects the default.
func NewEngine(classifier *tenant.Classifier, decider authz.Decider, maxScanPages int) *Engine {
	if maxScanPages <= 0 {
		maxScanPages = DefaultMaxScanPages
	}
	return &Engine{classifier: classifier, decider: decider, maxScanPages: maxScanPages}
}

// Page runs the compensating pagination loop. Each storage fetch asks for
// pageSize+1 rows so "more rows exist" is known without a count query.
// Denied rows are dropped silently; transport or credential failures abort
// the whole call. The public-tenant set lives exactly as long as this call.
func (e *Engine) Page(ctx context.Context, src Source, req Request) (*Result, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = 1
	}

	publicSet := tenant.NewPublicSet()
	collected := make([]Row, 0, pageSize)
	hasMore := false

	for scanned := 0; scanned < e.maxScanPages; scanned++ {
		offset := (page - 1) * pageSize
		rows, err := src.FetchPage(ctx, offset, pageSize+1)
		if err != nil {
			return nil, err
		}
		hasMore = len(rows) > pageSize
		if hasMore {
			rows = rows[:pageSize]
		}

		for _, row := range rows {
			keep, err := e.rowAuthorized(ctx, row, publicSet, req)
			if err != nil {
				return nil, err
			}
			if keep {
				collected = append(collected, row)
			}
		}

		if len(collected) > 0 || !hasMore {
			return &Result{Rows: collected, HasMore: hasMore}, nil
		}
		page++
	}

	log.Warn().Int("pages", e.maxScanPages).Str("object", req.Object).
		Msg("listing scan ceiling reached with every row denied")
	return &Result{Rows: collected, HasMore: hasMore}, nil
}

// rowAuthorized decides one row. Rows without a customer association are
// kept without classification. A customer proven public earlier in this
// request is never re-checked; a private tenant costs one remote decision
// per row.
func (e *Engine) rowAuthorized(ctx context.Context, row Row, publicSet tenant.PublicSet, req Request) (bool, error) {
	ref := row.CustomerRef()
	if ref == nil {
		return true, nil
	}
	if publicSet.Has(*ref) {
		return true, nil
	}

	domain, err := e.classifier.Classify(ctx, ref)
	if err != nil {
		return false, err
	}
	if domain == models.PublicDomain {
		publicSet.Add(*ref)
		return true, nil
	}

	_, err = e.decider.Decide(ctx, authz.Request{
		Domain:     domain,
		Object:     req.Object,
		Action:     req.Action,
		Attributes: req.Attributes,
		Credential: req.Credential,
	})
	if err != nil {
		var denied *authz.DeniedError
		if errors.As(err, &denied) {
			return false, nil
		}
		// Transport and credential faults are systemic, not per-row.
		return false, err
	}
	return true, nil
}
