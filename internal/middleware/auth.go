package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/auth"
)

const (
	userIDContextKey      = "userID"
	fleetIssuerContextKey = "fleetIssuer"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// FleetIssuerFromContext returns the node name a verified fleet token was issued by.
func FleetIssuerFromContext(c *gin.Context) (string, bool) {
	issuer, ok := c.Get(fleetIssuerContextKey)
	if !ok {
		return "", false
	}
	value, ok := issuer.(string)
	return value, ok && value != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// RequireAuth accepts user session tokens.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}

type FleetVerifier interface {
	VerifyToken(token, expectedAudience string) (*auth.FleetClaims, error)
}

// RequireFleetToken accepts RS256 fleet tokens addressed to audience. A
// missing or unparseable header is 401; a token that fails verification is 403.
func RequireFleetToken(v FleetVerifier, audience string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing fleet token"})
			return
		}

		claims, err := v.VerifyToken(token, audience)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}

		c.Set(fleetIssuerContextKey, claims.Issuer)
		c.Next()
	}
}
