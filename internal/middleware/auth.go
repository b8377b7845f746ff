package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WorkerSecretHeader carries the shared secret on service-to-service
// trigger endpoints. These are scheduler/internal calls, never user
// sessions.
const WorkerSecretHeader = "x-worker-secret"

// WorkerSecretAuth validates the shared-secret header for one trigger
// endpoint family using a constant-time comparison.
func WorkerSecretAuth(secret string) gin.HandlerFunc {
	if secret == "" {
		// Always 500 if misconfigured rather than silently open
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "server misconfigured: worker secret not set",
			})
		}
	}
	secretBytes := []byte(secret)

	return func(c *gin.Context) {
		key := c.GetHeader(WorkerSecretHeader)
		if subtle.ConstantTimeCompare([]byte(key), secretBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// Identity is the resolved caller of a session-authenticated request.
// Handlers receive it from the context instead of re-deriving it.
type Identity struct {
	UserID string
	TeamID string
}

const identityKey = "identity"

// SessionAuth resolves a bearer token against the sessions table. Tokens
// are stored hashed; the lookup key is the SHA-256 hex of the presented
// token.
func SessionAuth(pool func() *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
			return
		}

		sum := sha256.Sum256([]byte(token))
		tokenHash := hex.EncodeToString(sum[:])

		var id Identity
		err := pool().QueryRow(c.Request.Context(), `
			SELECT user_id, team_id FROM sessions
			WHERE token_hash = $1 AND expires_at > NOW()
		`, tokenHash).Scan(&id.UserID, &id.TeamID)
		if err != nil {
			if err == pgx.ErrNoRows {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// GetIdentity returns the resolved identity set by SessionAuth
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
