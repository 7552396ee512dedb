package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pubvault/pubvault/internal/authn"
)

const agentKey = "agent"

// AgentMiddleware resolves a bearer token to an authenticated agent and
// stores it in the request context. Requests without a token are rejected.
func AgentMiddleware(authService *authn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			unauthorized(c)
			return
		}

		agent, err := authService.ResolveToken(c.Request.Context(), token)
		if err != nil {
			unauthorized(c)
			return
		}

		c.Set(agentKey, agent)
		c.Next()
	}
}

// OptionalAgentMiddleware resolves a bearer token when present but lets
// anonymous requests through.
func OptionalAgentMiddleware(authService *authn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if agent, err := authService.ResolveToken(c.Request.Context(), token); err == nil {
				c.Set(agentKey, agent)
			}
		}
		c.Next()
	}
}

// GetAgent extracts the authenticated agent from the gin context
func GetAgent(c *gin.Context) (authn.Agent, bool) {
	value, exists := c.Get(agentKey)
	if !exists {
		return nil, false
	}
	agent, ok := value.(authn.Agent)
	return agent, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="pubvault", message="A bearer token is required"`)
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    "MissingAuthentication",
			"message": "authentication is required for this operation",
		},
	})
	c.Abort()
}
