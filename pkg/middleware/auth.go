package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
)

// Context keys set by the session middleware
const (
	ContextUser   = "user"
	ContextUserID = "user_id"
	ContextToken  = "token"
)

// GenerateAdminToken generates a secure random token for admin API authentication
func GenerateAdminToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// AdminAuthMiddleware validates bearer tokens for the admin API
func AdminAuthMiddleware(token string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedToken, ok := bearerToken(c)
		if !ok {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		if providedToken == "" {
			c.JSON(401, gin.H{"error": "Token required"})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(providedToken), []byte(token)) != 1 {
			logger.Warn("Invalid admin token attempt")
			c.JSON(401, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// SessionValidator resolves a session token to the user id it was issued for
type SessionValidator interface {
	ValidateUser(ctx context.Context, token string) (domain.UserID, error)
}

// RequireSession rejects requests without a valid session and otherwise sets
// the user, user_id and token context values.
func RequireSession(sessions SessionValidator, store storage.Store, cookieName string, logger *zap.Logger) gin.HandlerFunc {
	return sessionMiddleware(sessions, store, cookieName, true, logger)
}

// OptionalSession sets the session context values when a valid session is
// presented and lets anonymous requests through.
func OptionalSession(sessions SessionValidator, store storage.Store, cookieName string, logger *zap.Logger) gin.HandlerFunc {
	return sessionMiddleware(sessions, store, cookieName, false, logger)
}

func sessionMiddleware(sessions SessionValidator, store storage.Store, cookieName string, required bool, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c, cookieName)
		if token == "" {
			if required {
				c.JSON(401, gin.H{"error": "Unauthorized"})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		user, err := resolveSession(c.Request.Context(), sessions, store, token)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, errInvalidSession) {
				logger.Error("Failed to resolve session", zap.Error(err))
				c.JSON(500, gin.H{"error": "Internal server error"})
				c.Abort()
				return
			}
			if required {
				c.JSON(401, gin.H{"error": "Unauthorized"})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		c.Set(ContextUser, user)
		c.Set(ContextUserID, user.UUID.String())
		c.Set(ContextToken, token)
		c.Next()
	}
}

var errInvalidSession = errors.New("invalid session")

func resolveSession(ctx context.Context, sessions SessionValidator, store storage.Store, token string) (*domain.User, error) {
	userID, err := sessions.ValidateUser(ctx, token)
	if err != nil {
		return nil, errInvalidSession
	}
	return store.Users().GetByID(ctx, userID)
}

// RequireAdmin must run after RequireSession
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetUser(c)
		if !ok {
			c.JSON(401, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}
		if !user.IsAdmin {
			c.JSON(403, gin.H{"error": "Forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUser returns the session user, if any
func GetUser(c *gin.Context) (*domain.User, bool) {
	v, exists := c.Get(ContextUser)
	if !exists {
		return nil, false
	}
	user, ok := v.(*domain.User)
	return user, ok && user != nil
}

// GetToken returns the session token, if any
func GetToken(c *gin.Context) string {
	return c.GetString(ContextToken)
}

// sessionToken prefers an Authorization bearer token over the session cookie
func sessionToken(c *gin.Context, cookieName string) string {
	if token, ok := bearerToken(c); ok {
		return token
	}
	if cookieName == "" {
		return ""
	}
	cookie, err := c.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// Logger returns a gin middleware for logging
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
