package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pytake/orchestrator/internal/apikey"
	"github.com/pytake/orchestrator/internal/auth"
)

const principalKey = "principal"

// RequirePrincipal resolves a Principal from the Authorization header and
// stores it in the gin context for handlers to pick up with
// GetPrincipal. Bearer-token verification itself is out of the core's
// scope (§1) — this middleware only recognises the "ApiKey " scheme, which
// the core does own end to end, and otherwise trusts an opaque bearer token
// was already verified upstream (e.g. by a reverse proxy or sidecar) and
// treats its value as the userId, matching the contract in §3: the core
// only consumes {userId, permissions}.
func RequirePrincipal(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised", "message": "missing Authorization header"})
			c.Abort()
			return
		}

		if strings.HasPrefix(header, "ApiKey ") {
			presented := strings.TrimPrefix(header, "ApiKey ")
			principal, err := keys.Verify(presented)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised", "message": err.Error()})
				c.Abort()
				return
			}
			c.Set(principalKey, principal)
			c.Next()
			return
		}

		if strings.HasPrefix(header, "Bearer ") {
			userID := strings.TrimPrefix(header, "Bearer ")
			if userID == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised", "message": "empty bearer token"})
				c.Abort()
				return
			}
			c.Set(principalKey, auth.Principal{UserID: userID, Via: auth.ViaToken})
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorised", "message": "unrecognised Authorization scheme"})
		c.Abort()
	}
}

// GetPrincipal extracts the Principal set by RequirePrincipal. Callers must
// run this after the middleware has fired.
func GetPrincipal(c *gin.Context) (auth.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}
