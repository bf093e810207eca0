package middleware

import (
	"context"

	"tunegate/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type identityKey struct{}

// Identity is the verified caller as asserted by the upstream auth layer.
// Authentication itself happens outside this service; by the time a request
// reaches these handlers the gateway in front has already validated the
// session and set the identity headers.
type Identity struct {
	UserID string
	Email  string
}

const (
	headerUserID = "X-User-Id"
	headerEmail  = "X-User-Email"
)

func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(headerUserID)
		if userID == "" {
			c.Error(errutil.Unauthorized("missing identity"))
			c.Abort()
			return
		}

		id := Identity{
			UserID: userID,
			Email:  c.GetHeader(headerEmail),
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
