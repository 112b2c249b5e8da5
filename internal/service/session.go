package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionRevoked = errors.New("session revoked")
)

// SessionClaims are carried by relying-party session tokens
type SessionClaims struct {
	jwt.RegisteredClaims
}

// UserID returns the local user the session belongs to
func (c *SessionClaims) UserID() domain.UserID {
	return domain.UserIDFromString(c.Subject)
}

// SessionService issues and validates session tokens. A session is what the
// surrounding site would otherwise keep in its login cookie.
type SessionService struct {
	cfg     *config.Config
	revoked *RevocationList
	logger  *zap.Logger
	now     func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(cfg *config.Config, logger *zap.Logger) *SessionService {
	return &SessionService{
		cfg:     cfg,
		revoked: NewRevocationList(cfg.Security.TokenBlacklist, logger),
		logger:  logger.Named("session-service"),
		now:     time.Now,
	}
}

// Issue creates a signed session token for user
func (s *SessionService) Issue(user *domain.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(time.Duration(s.cfg.JWT.ExpiryHours) * time.Hour)

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.UUID.String(),
			Issuer:    s.cfg.JWT.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}

	s.logger.Debug("Session issued",
		zap.String("user_id", user.UUID.String()),
		zap.String("jti", claims.ID))
	return token, expiresAt, nil
}

// Validate verifies signature, issuer and expiry and checks the revocation list
func (s *SessionService) Validate(ctx context.Context, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWT.Secret), nil
	},
		jwt.WithIssuer(s.cfg.JWT.Issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}
	if claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	if s.revoked.Contains(ctx, claims.ID) {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// ValidateUser validates tokenString and returns the user it belongs to
func (s *SessionService) ValidateUser(ctx context.Context, tokenString string) (domain.UserID, error) {
	claims, err := s.Validate(ctx, tokenString)
	if err != nil {
		return domain.UserID{}, err
	}
	return claims.UserID(), nil
}

// Revoke invalidates a session until its natural expiry
func (s *SessionService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.Validate(ctx, tokenString)
	if err != nil {
		return err
	}
	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	s.revoked.Add(ctx, claims.ID, expiry)
	return nil
}

// RevocationList holds the ids of sessions ended by logout. Entries are kept
// until the session would have expired anyway.
type RevocationList struct {
	config config.TokenBlacklistConfig
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[string]time.Time // jti -> expiry
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRevocationList creates a new revocation list
func NewRevocationList(cfg config.TokenBlacklistConfig, logger *zap.Logger) *RevocationList {
	cfg.SetDefaults()
	return &RevocationList{
		config:   cfg,
		logger:   logger.Named("session-revocations"),
		entries:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Start begins the cleanup worker
func (r *RevocationList) Start() {
	if !r.config.Enabled {
		r.logger.Info("Session revocation disabled")
		return
	}

	r.wg.Add(1)
	go r.cleanupLoop()

	r.logger.Info("Session revocation started",
		zap.Int("cleanup_interval_seconds", r.config.CleanupIntervalSeconds),
	)
}

// Stop stops the cleanup worker
func (r *RevocationList) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *RevocationList) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Duration(r.config.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.cleanup(time.Now())
		}
	}
}

func (r *RevocationList) cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for jti, expiry := range r.entries {
		if now.After(expiry) {
			delete(r.entries, jti)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("Cleaned up expired revocations",
			zap.Int("removed", removed),
			zap.Int("remaining", len(r.entries)),
		)
	}
	return removed
}

// Add records jti as revoked until expiry
func (r *RevocationList) Add(ctx context.Context, jti string, expiry time.Time) {
	if !r.config.Enabled || jti == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jti] = expiry
}

// Contains reports whether jti has been revoked
func (r *RevocationList) Contains(ctx context.Context, jti string) bool {
	if !r.config.Enabled || jti == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[jti]
	return ok
}

// Len returns the number of revoked sessions being tracked
func (r *RevocationList) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
