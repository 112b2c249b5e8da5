package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/service"
)

// Account edit actions
const (
	ActionRegister       = "register-loginshield-user"
	ActionUpdateSecurity = "update-security"
)

// EditAccountRequest is the body of an account edit. IsActive accepts a
// boolean or the strings "true" and "checked" as sent by HTML forms.
type EditAccountRequest struct {
	Action   string          `json:"action"`
	IsActive json.RawMessage `json:"isActive,omitempty"`
}

// ResetAccountRequest is the body of an account reset
type ResetAccountRequest struct {
	UserID string `json:"user_id"`
}

// CheckUserRequest is the body of a LoginShield status lookup
type CheckUserRequest struct {
	Login string `json:"login"`
}

// EditAccount registers the current user with the realm or toggles
// LoginShield for them
// POST /loginshield/account/edit
func (h *Handlers) EditAccount(c *gin.Context) {
	var req EditAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = EditAccountRequest{}
	}

	switch req.Action {
	case ActionRegister:
		h.registerCurrentUser(c)
	case ActionUpdateSecurity:
		h.updateSecurity(c, req.IsActive)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "edit-account-failed",
			"message": "Bad Request",
		})
	}
}

func (h *Handlers) registerCurrentUser(c *gin.Context) {
	user := h.currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "isEdited": false})
		return
	}

	result, err := h.services.Account.Register(c.Request.Context(), user.UUID)
	if err != nil {
		h.logger.Error("LoginShield registration failed",
			zap.String("user_id", user.UUID.String()),
			zap.Error(err))
		switch {
		case errors.Is(err, service.ErrUnexpectedRegistration):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected reply from registration"})
		case errors.Is(err, service.ErrRegistrationFailed):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed", "isEdited": false})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "registration failed",
				"message": errorMessage(err),
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handlers) updateSecurity(c *gin.Context, raw json.RawMessage) {
	user := h.currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if len(raw) == 0 || string(raw) == "null" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "update failed",
			"message": "missing parameter",
		})
		return
	}

	isActive, err := h.services.Account.ToggleSecurity(c.Request.Context(), user.UUID, parseFlag(raw))
	if errors.Is(err, service.ErrRegistrationIncomplete) {
		c.JSON(http.StatusOK, gin.H{
			"isActive": false,
			"error":    "Must complete registration to activate",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to update LoginShield security", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update failed",
			"message": errorMessage(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"isActive": isActive})
}

// parseFlag reads a form-style boolean. Anything but true, "true" or
// "checked" is false.
func parseFlag(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true" || s == "checked"
	}
	return false
}

// ResetAccount removes a user's LoginShield registration. Users may reset
// their own account; administrators may reset any account.
// POST /loginshield/account/reset
func (h *Handlers) ResetAccount(c *gin.Context) {
	var req ResetAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "reset-account-failed",
			"message": "Bad Request",
		})
		return
	}

	result, err := h.services.Account.Reset(c.Request.Context(), h.currentUser(c), domain.UserIDFromString(req.UserID))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "reset-account-failed",
				"message": "Forbidden",
			})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "reset-account-failed",
				"message": "Not Found",
			})
		default:
			h.logger.Error("Account reset failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "edit-account-failed",
				"message": errorMessage(err),
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// CheckUserWithLogin reports whether LoginShield is active for an account.
// Unknown accounts report false.
// POST /loginshield/checkUserWithLogin
func (h *Handlers) CheckUserWithLogin(c *gin.Context) {
	var req CheckUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Login == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad request",
			"message": "login is required",
		})
		return
	}

	isActivated, err := h.services.Account.CheckUserWithLogin(c.Request.Context(), req.Login)
	if err != nil {
		h.logger.Error("Failed to check user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "fetch-failed",
			"message": errorMessage(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"isActivated": isActivated})
}
