package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
	"github.com/sirosfoundation/go-loginshield/pkg/webauthz"
)

const msgServiceNotAvailable = "Service not available"

// RealmStatus checks that the site can manage its realm
// POST /loginshield/realm/status
func (h *Handlers) RealmStatus(c *gin.Context) {
	status, err := h.services.Realm.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("Realm status check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed-check-token",
			"message": "Service is unavailable. Please contact admin.",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// StartAccessRequest starts a webauthz access request for the realm, or
// returns the realm when access is already granted
// POST /loginshield/webauthz/start
func (h *Handlers) StartAccessRequest(c *gin.Context) {
	result, err := h.services.Webauthz.StartAccessRequest(c.Request.Context())
	if err != nil {
		h.logger.Error("Webauthz access request failed", zap.Error(err))
		if code, ok := startErrorCode(err); ok {
			c.JSON(http.StatusOK, gin.H{
				"error":   code,
				"message": msgServiceNotAvailable,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "initialization-failed",
			"message": err.Error(),
		})
		return
	}

	if result.Redirect != "" {
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"payload": gin.H{"redirect": result.Redirect},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"payload": result.Realm,
	})
}

// startErrorCode maps remote failures of an access request to the code shown
// on the settings page
func startErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, transport.ErrEndpointBlocked):
		return "endpoint-blocked", true
	case errors.Is(err, service.ErrNotWebauthz):
		return "not-webauthz", true
	case transport.IsTransport(err):
		return "service-unavailable", true
	}
	if fault, ok := transport.AsFault(err); ok {
		return fault.Type, true
	}
	if errors.Is(err, transport.ErrUnexpectedResponse) {
		return "unknown-error", true
	}
	return "", false
}

// ExchangeToken completes a grant redirect or refreshes the access token
// POST /loginshield/webauthz/exchange
func (h *Handlers) ExchangeToken(c *gin.Context) {
	var req service.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid-request",
			"message": "Exchange: malformed request",
		})
		return
	}

	err := h.services.Webauthz.Exchange(c.Request.Context(), req)
	if err != nil {
		status, body := exchangeError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Token exchange failed", zap.Error(err))
		} else {
			h.logger.Warn("Token exchange rejected", zap.Error(err))
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func exchangeError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, service.ErrClientIDMismatch):
		return http.StatusBadRequest, gin.H{
			"error":   "not-found",
			"message": "Exchange: client id does not match stored client id",
		}
	case errors.Is(err, service.ErrClientStateMismatch):
		return http.StatusBadRequest, gin.H{
			"error":   "not-found",
			"message": "Exchange: client state does not match stored client state",
		}
	case errors.Is(err, service.ErrExchangeTokenNeeded):
		return http.StatusBadRequest, gin.H{
			"error":   "invalid-request",
			"message": "Exchange: input grant_token or stored refresh_token is required",
		}
	case errors.Is(err, webauthz.ErrMissingAccessToken):
		return http.StatusBadRequest, gin.H{
			"error":   "access-denied",
			"message": "Exchange: no access token in response",
		}
	case transport.IsTransport(err):
		return http.StatusServiceUnavailable, gin.H{
			"error":   "service-unavailable",
			"message": msgServiceNotAvailable,
		}
	}
	if fault, ok := transport.AsFault(err); ok {
		return http.StatusBadRequest, gin.H{
			"error":   "access-denied",
			"message": fault.Type,
		}
	}
	if errors.Is(err, transport.ErrUnexpectedResponse) {
		return http.StatusBadRequest, gin.H{
			"error":   "access-denied",
			"message": "Exchange: unexpected response",
		}
	}
	return http.StatusInternalServerError, gin.H{
		"error":   "login-failed",
		"message": err.Error(),
	}
}
