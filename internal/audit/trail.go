package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mjza/mra-core-sub000/internal/redact"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxSnapshotBody bounds how much of a request body lands in the snapshot.
const maxSnapshotBody = 64 << 10

// Store is the persistence surface the trail needs. The trail exclusively
// owns audit rows; nothing else mutates them.
type Store interface {
	InsertAuditLog(ctx context.Context, entry *models.AuditLog) (int64, error)
	AppendAuditComment(ctx context.Context, id int64, comment string) (string, error)
}

// Record is the raw material for one audit entry. Body may be any decoded
// value, including self-referential structures; the snapshot drops cyclic
// branches instead of failing.
type Record struct {
	Method    string
	Path      string
	Host      string
	ClientIP  string
	RequestID string
	Headers   map[string]any
	Query     map[string]any
	Body      any
	SubjectID *string
}

// Trail opens an audit record when a protected operation enters the system
// and closes it when the outcome is known. Trail failures never reach the
// primary control flow: Open degrades to the 0 sentinel and Close to an
// empty string, with the fault going to the operational log only.
type Trail struct {
	store         Store
	sensitiveKeys []string
}

// NewTrail creates a Trail. A nil key list gets redact.DefaultSensitiveKeys.
func NewTrail(store Store, sensitiveKeys []string) *Trail {
	if sensitiveKeys == nil {
		sensitiveKeys = redact.DefaultSensitiveKeys
	}
	return &Trail{store: store, sensitiveKeys: sensitiveKeys}
}

// OpenRequest snapshots an inbound HTTP request and opens its audit record.
// The request body is read up to maxSnapshotBody and restored so the
// handler can still consume it.
func (t *Trail) OpenRequest(ctx context.Context, r *http.Request, requestID string, subjectID *string) int64 {
	if r == nil {
		return t.Open(ctx, &Record{RequestID: requestID, SubjectID: subjectID})
	}

	rec := &Record{
		Method:    r.Method,
		ClientIP:  r.RemoteAddr,
		Host:      r.Host,
		RequestID: requestID,
		SubjectID: subjectID,
		Headers:   map[string]any{},
		Query:     map[string]any{},
	}
	if r.URL != nil {
		rec.Path = r.URL.Path
		for k, vs := range r.URL.Query() {
			if len(vs) == 1 {
				rec.Query[k] = vs[0]
			} else {
				rec.Query[k] = strings.Join(vs, ",")
			}
		}
	}
	for k, vs := range r.Header {
		// The credential itself never enters the audit store.
		if k == "Authorization" || k == "Cookie" {
			continue
		}
		rec.Headers[k] = strings.Join(vs, ",")
	}
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBody))
		if err == nil {
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), r.Body))
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				rec.Body = decoded
			} else if len(raw) > 0 {
				rec.Body = string(raw)
			}
		}
	}
	return t.Open(ctx, rec)
}

// Open persists the redacted snapshot and returns the log identifier. On
// any internal failure it returns 0 so the surrounding request proceeds
// without audit coverage; the failure is logged operationally.
func (t *Trail) Open(ctx context.Context, rec *Record) (id int64) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Any("panic", p).Msg("audit open panicked; request proceeds unaudited")
			id = 0
		}
	}()
	if rec == nil {
		rec = &Record{}
	}

	snapshot := map[string]any{
		"method":    rec.Method,
		"path":      rec.Path,
		"host":      rec.Host,
		"clientIp":  rec.ClientIP,
		"requestId": rec.RequestID,
		"headers":   redact.Redact(rec.Headers, t.sensitiveKeys),
		"query":     redact.Redact(rec.Query, t.sensitiveKeys),
		"body":      redact.Redact(rec.Body, t.sensitiveKeys),
	}
	data, err := redact.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Msg("audit snapshot serialization failed, storing empty snapshot")
		data = []byte("{}")
	}

	entry := &models.AuditLog{
		MethodRoute: strings.TrimSpace(rec.Method + " " + rec.Path),
		Snapshot:    data,
		ClientIP:    rec.ClientIP,
		SubjectID:   rec.SubjectID,
	}
	logID, err := t.store.InsertAuditLog(ctx, entry)
	if err != nil {
		log.Error().Err(err).Str("route", entry.MethodRoute).Msg("audit open failed; request proceeds unaudited")
		return 0
	}
	return logID
}

// Close appends the outcome to the audit record's comments and returns the
// updated comments. An invalid id (from a failed Open) returns "" without
// error; so does any internal failure. Prior comments are never overwritten.
func (t *Trail) Close(ctx context.Context, id int64, outcome any) string {
	if id <= 0 {
		return ""
	}
	comment := renderOutcome(outcome)
	comments, err := t.store.AppendAuditComment(ctx, id, comment)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Int64("log_id", id).Msg("audit close on unknown log id")
		} else {
			log.Error().Err(err).Int64("log_id", id).Msg("audit close failed")
		}
		return ""
	}
	return comments
}

// renderOutcome serializes an outcome circularity-safe. Plain strings stay
// readable; everything else becomes JSON.
func renderOutcome(outcome any) string {
	switch v := outcome.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	default:
		data, err := redact.Marshal(v)
		if err != nil {
			return "unserializable outcome"
		}
		return string(data)
	}
}
