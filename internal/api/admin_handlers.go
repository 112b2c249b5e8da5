package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
)

// AdminHandlers contains handlers for internal admin API endpoints
type AdminHandlers struct {
	services *service.Services
	store    storage.Store
	logger   *zap.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(services *service.Services, store storage.Store, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{
		services: services,
		store:    store,
		logger:   logger.Named("admin-handlers"),
	}
}

// UserResponse represents a user in API responses
type UserResponse struct {
	ID          string                 `json:"id"`
	Username    string                 `json:"username"`
	Email       string                 `json:"email,omitempty"`
	DisplayName string                 `json:"display_name,omitempty"`
	IsAdmin     bool                   `json:"is_admin"`
	HasPassword bool                   `json:"has_password"`
	State       domain.BindingState    `json:"loginshield_state"`
	Binding     domain.UserAuthBinding `json:"loginshield"`
}

func userToResponse(u *domain.User) *UserResponse {
	return &UserResponse{
		ID:          u.UUID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsAdmin:     u.IsAdmin,
		HasPassword: u.PasswordHash != nil,
		State:       u.Binding.State(),
		Binding:     u.Binding,
	}
}

// AdminStatus returns the admin server status
// GET /admin/status
func (h *AdminHandlers) AdminStatus(c *gin.Context) {
	resp := gin.H{
		"status":       "ok",
		"service":      "loginshield-admin",
		"api_version":  CurrentAPIVersion,
		"capabilities": APICapabilities[CurrentAPIVersion],
	}
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Storage ping failed", zap.Error(err))
		resp["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListUsers returns all local accounts
// GET /admin/users
func (h *AdminHandlers) ListUsers(c *gin.Context) {
	users, err := h.services.User.ListUsers(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list users", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}

	response := make([]*UserResponse, len(users))
	for i, u := range users {
		response[i] = userToResponse(u)
	}
	c.JSON(http.StatusOK, gin.H{"users": response})
}

// CreateUser provisions a local account
// POST /admin/users
func (h *AdminHandlers) CreateUser(c *gin.Context) {
	var req domain.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.services.User.CreateUser(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserExists):
			c.JSON(http.StatusConflict, gin.H{"error": "User already exists"})
		case errors.Is(err, storage.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to create user", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		}
		return
	}

	c.JSON(http.StatusCreated, userToResponse(user))
}

// GetUser returns a specific user
// GET /admin/users/:id
func (h *AdminHandlers) GetUser(c *gin.Context) {
	user, err := h.services.User.GetUser(c.Request.Context(), domain.UserIDFromString(c.Param("id")))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("Failed to get user", zap.Error(err), zap.String("user_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}

	c.JSON(http.StatusOK, userToResponse(user))
}

// ResetUser removes a user's LoginShield registration
// POST /admin/users/:id/reset
func (h *AdminHandlers) ResetUser(c *gin.Context) {
	result, err := h.services.Account.ResetByOperator(c.Request.Context(), domain.UserIDFromString(c.Param("id")))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("Failed to reset user", zap.Error(err), zap.String("user_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset user"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// RealmInfo reports the webauthz phase and the realm status
// GET /admin/realm
func (h *AdminHandlers) RealmInfo(c *gin.Context) {
	ctx := c.Request.Context()

	phase, err := h.services.Webauthz.Phase(ctx)
	if err != nil {
		h.logger.Error("Failed to read webauthz phase", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read realm state"})
		return
	}

	resp := gin.H{"phase": phase}
	status, err := h.services.Realm.Status(ctx)
	if err != nil {
		h.logger.Warn("Realm status check failed", zap.Error(err))
		resp["error"] = "failed-check-token"
	} else {
		resp["realm"] = status
	}
	c.JSON(http.StatusOK, resp)
}

// AuthorizeRealm starts a webauthz access request. The operator opens the
// returned redirect in a browser to grant access.
// POST /admin/realm/authorize
func (h *AdminHandlers) AuthorizeRealm(c *gin.Context) {
	result, err := h.services.Webauthz.StartAccessRequest(c.Request.Context())
	if err != nil {
		h.logger.Error("Webauthz access request failed", zap.Error(err))
		if code, ok := startErrorCode(err); ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": code})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "initialization-failed"})
		return
	}

	if result.Redirect != "" {
		c.JSON(http.StatusOK, gin.H{"redirect": result.Redirect})
		return
	}
	c.JSON(http.StatusOK, gin.H{"realm": result.Realm})
}

// ExchangeRealmGrant completes an access request with the parameters the
// authorization server appended to the grant redirect, or refreshes the
// access token when refresh is set.
// POST /admin/realm/exchange
func (h *AdminHandlers) ExchangeRealmGrant(c *gin.Context) {
	var req service.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid-request"})
		return
	}

	if err := h.services.Webauthz.Exchange(c.Request.Context(), req); err != nil {
		status, body := exchangeError(err)
		h.logger.Warn("Admin token exchange failed", zap.Int("status", status), zap.Error(err))
		c.JSON(status, body)
		return
	}

	h.logger.Info("Realm access granted by operator", zap.Bool("refresh", req.Refresh))
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
