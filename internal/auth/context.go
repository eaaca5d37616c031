package auth

import (
	"context"

	"github.com/BlackStone8960/codequest-backend/internal/model"
)

type ctxKey string

const userContextKey ctxKey = "codequest.auth.user"

func withUserContext(ctx context.Context, u model.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// UserFromContext returns the user RequireAPI authenticated. The value is a
// snapshot taken when the request arrived.
func UserFromContext(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userContextKey).(model.User)
	return u, ok
}

// ContextWithUser is used by tests and by handlers mounted behind other
// authentication layers.
func ContextWithUser(ctx context.Context, u model.User) context.Context {
	return withUserContext(ctx, u)
}
