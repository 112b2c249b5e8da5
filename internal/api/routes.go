package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
	"github.com/sirosfoundation/go-loginshield/pkg/middleware"
)

// RegisterRoutes adds the public routes. Login endpoints accept anonymous
// callers, account endpoints need a session and realm management needs an
// administrator.
func (h *Handlers) RegisterRoutes(router *gin.Engine, store storage.Store) {
	cookie := h.cfg.JWT.CookieName
	optionalSession := middleware.OptionalSession(h.services.Session, store, cookie, h.logger)
	requireSession := middleware.RequireSession(h.services.Session, store, cookie, h.logger)

	router.GET("/status", h.Status)
	router.GET("/health", h.Status)

	ls := router.Group("/loginshield")

	login := ls.Group("")
	login.Use(optionalSession)
	if h.rateLimiter != nil {
		login.Use(middleware.AuthRateLimitMiddleware(h.rateLimiter))
	}
	{
		login.POST("/session/login/loginshield", h.LoginWithLoginShield)
		login.POST("/loginWithPassword", h.LoginWithPassword)
		login.POST("/checkUserWithLogin", h.CheckUserWithLogin)
	}

	ls.POST("/session/logout", optionalSession, h.Logout)

	account := ls.Group("/account")
	account.Use(requireSession)
	{
		account.POST("/edit", h.EditAccount)
		account.POST("/reset", h.ResetAccount)
	}

	realm := ls.Group("")
	realm.Use(requireSession, middleware.RequireAdmin())
	{
		realm.POST("/realm/status", h.RealmStatus)
		realm.POST("/webauthz/start", h.StartAccessRequest)
		realm.POST("/webauthz/exchange", h.ExchangeToken)
	}
}

// RegisterRoutes adds the admin routes. Everything but /admin/status needs
// the admin bearer token.
func (h *AdminHandlers) RegisterRoutes(router *gin.Engine, adminToken string) {
	router.GET("/admin/status", h.AdminStatus)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := router.Group("/admin")
	admin.Use(middleware.AdminAuthMiddleware(adminToken, h.logger))
	{
		users := admin.Group("/users")
		{
			users.GET("", h.ListUsers)
			users.POST("", h.CreateUser)
			users.GET("/:id", h.GetUser)
			users.POST("/:id/reset", h.ResetUser)
		}

		admin.GET("/realm", h.RealmInfo)
		admin.POST("/realm/authorize", h.AuthorizeRealm)
		admin.POST("/realm/exchange", h.ExchangeRealmGrant)
	}

	h.logger.Debug("Admin routes registered", zap.Int("routes", len(router.Routes())))
}
