package auth

import (
	"context"
	"strings"

	"github.com/rwhitten/costline/internal/domain"
)

type contextKey string

const actorKey contextKey = "actor"

// ContextWithActor returns a new context carrying the acting user. The core
// treats the actor as an opaque identifier supplied by the identity layer.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the acting user from the context, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || strings.TrimSpace(actor) == "" {
		return "", false
	}
	return actor, true
}

// RequireActor retrieves the acting user or fails.
func RequireActor(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", domain.InvalidName("acting user is required")
	}
	return actor, nil
}
