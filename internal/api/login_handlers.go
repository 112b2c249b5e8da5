package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

// LoginWithLoginShield handles activation, verification and start of a
// LoginShield login
// POST /loginshield/session/login/loginshield
func (h *Handlers) LoginWithLoginShield(c *gin.Context) {
	var req domain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body - it is answered with password-required
		req = domain.LoginRequest{}
	}

	result, err := h.services.Login.LoginWithLoginShield(c.Request.Context(), req, h.currentUser(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		case errors.Is(err, service.ErrLoginRequired):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":           domain.LoginErrorLoginRequired,
				"isAuthenticated": false,
			})
		default:
			h.logger.Error("LoginShield login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "login-failed",
				"message": errorMessage(err),
			})
		}
		return
	}

	if result.Token != "" {
		h.setSessionCookie(c, result.Token, false)
	}
	c.JSON(http.StatusOK, result)
}

// LoginWithPassword handles the password fallback login
// POST /loginshield/loginWithPassword
func (h *Handlers) LoginWithPassword(c *gin.Context) {
	var req domain.PasswordLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "login-failed",
			"message": "login and password are required",
		})
		return
	}

	result, err := h.services.Login.LoginWithPassword(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			h.recordLoginFailure(c)
			c.JSON(http.StatusOK, gin.H{"isLoggedIn": false})
		case errors.Is(err, service.ErrLoginShieldRequired):
			c.JSON(http.StatusOK, gin.H{
				"isLoggedIn": false,
				"error":      domain.LoginErrorLoginShieldRequired,
			})
		default:
			h.logger.Error("Password login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "login-failed",
				"message": errorMessage(err),
			})
		}
		return
	}

	h.setSessionCookie(c, result.Token, req.Remember)
	c.JSON(http.StatusOK, gin.H{"isLoggedIn": true})
}

// errorMessage renders err for the browser without transport internals
func errorMessage(err error) string {
	if transport.IsTransport(err) {
		return "Service is unavailable"
	}
	if fault, ok := transport.AsFault(err); ok {
		return fault.Type
	}
	return err.Error()
}
