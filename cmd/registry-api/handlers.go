package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pubvault/pubvault/cmd/registry-api/middleware"
	"github.com/pubvault/pubvault/internal/authn"
	"github.com/pubvault/pubvault/internal/registry"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// respondError maps a domain error to its HTTP status and the wire error
// shape expected by publishing clients.
func respondError(c *gin.Context, err error) {
	if e, ok := registry.AsError(err); ok {
		c.JSON(e.HTTPStatus(), gin.H{
			"error": gin.H{
				"code":    string(e.Kind),
				"message": e.Message,
			},
		})
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "InternalError",
			"message": "an internal error occurred",
		},
	})
}

// respondSuccess writes the { success: { message } } shape used by the
// publishing protocol.
func respondSuccess(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{
		"success": gin.H{"message": message},
	})
}

// requireAgent pulls the authenticated agent set by the middleware
func requireAgent(c *gin.Context) (authn.Agent, bool) {
	agent, ok := middleware.GetAgent(c)
	if !ok {
		respondError(c, registry.MissingAuthentication())
		return nil, false
	}
	return agent, true
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "pubvault-registry-api",
			"time":    time.Now().UTC(),
		})
	}
}

func handleRegister(authService *authn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, registry.InvalidInput("invalid registration request: %s", err.Error()))
			return
		}

		user, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			respondError(c, registry.InvalidInput("%s", err.Error()))
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Message: "account created",
			Data:    user,
		})
	}
}

func handleLogin(authService *authn.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, registry.InvalidInput("invalid login request: %s", err.Error()))
			return
		}

		token, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			respondError(c, &registry.Error{
				Kind:    registry.KindMissingAuthentication,
				Message: "invalid credentials",
			})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: token})
	}
}
