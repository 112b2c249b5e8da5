package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

const (
	// idleBucketTTL is how long a client's bucket survives without requests
	idleBucketTTL = 30 * time.Minute
	sweepInterval = 10 * time.Minute

	// failureCost is the number of tokens a rejected password costs
	failureCost = 2
)

// AuthRateLimiter throttles the login endpoints per client. Each client gets
// a token bucket refilled at MaxAttempts per WindowSeconds; a client that
// empties its bucket is locked out for LockoutSeconds.
type AuthRateLimiter struct {
	cfg    config.AuthRateLimitConfig
	logger *zap.Logger

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	tokens      *rate.Limiter
	lastSeen    time.Time
	lockedUntil time.Time
}

// NewAuthRateLimiter creates a limiter for the login endpoints
func NewAuthRateLimiter(cfg config.AuthRateLimitConfig, logger *zap.Logger) *AuthRateLimiter {
	cfg.SetDefaults()
	return &AuthRateLimiter{
		cfg:       cfg,
		logger:    logger.Named("auth-ratelimit"),
		buckets:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// bucket returns the bucket for client. Callers hold r.mu.
func (r *AuthRateLimiter) bucket(client string, now time.Time) *clientBucket {
	if now.Sub(r.lastSweep) > sweepInterval {
		for key, b := range r.buckets {
			if now.Sub(b.lastSeen) > idleBucketTTL && now.After(b.lockedUntil) {
				delete(r.buckets, key)
			}
		}
		r.lastSweep = now
	}

	b, ok := r.buckets[client]
	if !ok {
		refill := rate.Limit(float64(r.cfg.MaxAttempts) / float64(r.cfg.WindowSeconds))
		burst := int(math.Ceil(float64(r.cfg.MaxAttempts) / 2))
		if burst < 1 {
			burst = 1
		}
		b = &clientBucket{tokens: rate.NewLimiter(refill, burst)}
		r.buckets[client] = b
	}
	b.lastSeen = now
	return b
}

// Allow reports whether client may attempt a login now. Running out of
// tokens starts the lockout.
func (r *AuthRateLimiter) Allow(client string) bool {
	if !r.cfg.Enabled {
		return true
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(client, now)
	if now.Before(b.lockedUntil) {
		return false
	}
	if b.tokens.AllowN(now, 1) {
		return true
	}

	lockout := time.Duration(r.cfg.LockoutSeconds) * time.Second
	b.lockedUntil = now.Add(lockout)
	r.logger.Warn("Too many login attempts, locking out client",
		zap.String("client", client),
		zap.Duration("lockout", lockout))
	return false
}

// RecordFailure charges client for a rejected password. The charge is only
// taken while the bucket still holds enough tokens.
func (r *AuthRateLimiter) RecordFailure(client string) {
	if !r.cfg.Enabled {
		return
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket(client, now).tokens.AllowN(now, failureCost)
}

// lockedOut reports whether client is currently locked out
func (r *AuthRateLimiter) lockedOut(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[client]
	return ok && time.Now().Before(b.lockedUntil)
}

// ClientIdentifier keys login throttling on the client IP
func ClientIdentifier(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// AuthRateLimitMiddleware rejects login requests from locked out clients
// with 429 and a Retry-After of the lockout period.
func AuthRateLimitMiddleware(rl *AuthRateLimiter) gin.HandlerFunc {
	retryAfter := strconv.Itoa(rl.cfg.LockoutSeconds)
	return func(c *gin.Context) {
		if rl.Allow(ClientIdentifier(c)) {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many login attempts. Please try again later.",
		})
	}
}
