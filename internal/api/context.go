package api

import (
	"context"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/policy"
)

type contextKey string

const (
	ctxKeyIdentity  contextKey = "identity"
	ctxKeyRequestID contextKey = "request_id"
)

// identity is what the gate established about the caller.
type identity struct {
	*auth.Resolved
	Grants *policy.Grants
	Caller audit.Caller
}

func withIdentity(ctx context.Context, id *identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

func identityFromCtx(ctx context.Context) *identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*identity)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
