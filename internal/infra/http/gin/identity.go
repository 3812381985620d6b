package ginserver

import (
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/app/messaging"
)

// HeaderUserID is set by the upstream auth proxy.
const HeaderUserID = "X-User-ID"

const identityKey = "identity"

// Identity stores the proxy-asserted user id, if any, on the context.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
			c.Set(identityKey, id)
		}
		c.Next()
	}
}

// actAs fails with messaging.ErrForbidden when the header names someone else.
func actAs(c *gin.Context, actorID string) error {
	return messaging.CheckActor(c.GetString(identityKey), strings.TrimSpace(actorID))
}
