package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/auth"
)

const callerDIDKey = "healthmesh_caller_did"

// RequireAPIKey returns a Gin middleware that authenticates the request
// against the keychain and stores the caller's DID in the context. The key
// is presented as "X-API-Key: <key_id>.<secret>".
func RequireAPIKey(keys *auth.Keychain) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-API-Key")
		keyID, secret, ok := strings.Cut(raw, ".")
		if !ok || keyID == "" || secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed api key"})
			return
		}

		didStr, err := keys.Authenticate(c.Request.Context(), keyID, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Set(callerDIDKey, didStr)
		c.Next()
	}
}

// CallerDID returns the authenticated caller's DID, or "" when the route
// carries no API key requirement.
func CallerDID(c *gin.Context) string {
	return c.GetString(callerDIDKey)
}
