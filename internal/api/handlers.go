package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/service"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
	"github.com/sirosfoundation/go-loginshield/pkg/middleware"
)

// Handlers aggregates the public HTTP handlers
type Handlers struct {
	services    *service.Services
	cfg         *config.Config
	rateLimiter *middleware.AuthRateLimiter
	logger      *zap.Logger
}

// NewHandlers creates a new Handlers instance. rateLimiter may be nil.
func NewHandlers(services *service.Services, cfg *config.Config, rateLimiter *middleware.AuthRateLimiter, logger *zap.Logger) *Handlers {
	return &Handlers{
		services:    services,
		cfg:         cfg,
		rateLimiter: rateLimiter,
		logger:      logger.Named("handlers"),
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Service:      "loginshield",
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
	})
}

func (h *Handlers) currentUser(c *gin.Context) *domain.User {
	user, _ := middleware.GetUser(c)
	return user
}

// setSessionCookie stores a freshly issued session token. A remembered
// session outlives the browser; otherwise the cookie is session-scoped.
func (h *Handlers) setSessionCookie(c *gin.Context, token string, remember bool) {
	maxAge := 0
	if remember {
		maxAge = int((time.Duration(h.cfg.JWT.ExpiryHours) * time.Hour).Seconds())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.JWT.CookieName, token, maxAge, "/", "", h.secureCookies(), true)
}

func (h *Handlers) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.JWT.CookieName, "", -1, "/", "", h.secureCookies(), true)
}

func (h *Handlers) secureCookies() bool {
	return strings.HasPrefix(h.cfg.Server.BaseURL, "https://")
}

func (h *Handlers) recordLoginFailure(c *gin.Context) {
	if h.rateLimiter != nil {
		h.rateLimiter.RecordFailure(middleware.ClientIdentifier(c))
	}
}

// Logout revokes the current session and clears the cookie
func (h *Handlers) Logout(c *gin.Context) {
	if token := middleware.GetToken(c); token != "" {
		if err := h.services.Session.Revoke(c.Request.Context(), token); err != nil {
			h.logger.Debug("Logout with unusable session", zap.Error(err))
		}
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"isLoggedOut": true})
}
