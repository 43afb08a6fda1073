package api

import "context"

type contextKey string

const (
	ctxKeyCredential contextKey = "credential"
	ctxKeyRequestID  contextKey = "request_id"
	ctxKeyAuditID    contextKey = "audit_id"
)

func withCredential(ctx context.Context, cred string) context.Context {
	return context.WithValue(ctx, ctxKeyCredential, cred)
}

func credentialFromCtx(ctx context.Context) string {
	c, _ := ctx.Value(ctxKeyCredential).(string)
	return c
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withAuditID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyAuditID, id)
}

func auditIDFromCtx(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyAuditID).(int64)
	return id
}
