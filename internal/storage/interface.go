package storage

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// SettingsStore is an opaque key/value store for realm credentials, webauthz
// endpoints and client registration. Multi-key writes are atomic.
type SettingsStore interface {
	// Get returns the value of key, or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// GetMany returns the values of the given keys. Missing keys are omitted.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// Set writes a single key
	Set(ctx context.Context, key, value string) error

	// SetMany writes all values or none of them
	SetMany(ctx context.Context, values map[string]string) error

	// CompareAndSet writes next only if the current value equals prev. An
	// absent key compares equal to "". It reports whether the write happened.
	CompareAndSet(ctx context.Context, key, prev, next string) (bool, error)

	// Delete removes keys; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error
}

// UserStore defines the interface for user storage operations
type UserStore interface {
	// Create creates a new user
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)

	// GetByLogin retrieves a user by username or, failing that, by email
	GetByLogin(ctx context.Context, login string) (*domain.User, error)

	// GetByRealmScopedUserID retrieves the user bound to a realm-scoped user id
	GetByRealmScopedUserID(ctx context.Context, rsuid string) (*domain.User, error)

	// Update updates profile fields. The binding is not written.
	Update(ctx context.Context, user *domain.User) error

	// UpdateBinding replaces the user's binding. The realm-scoped user id
	// must be unchanged or previously claimed.
	UpdateBinding(ctx context.Context, id domain.UserID, binding domain.UserAuthBinding) error

	// ClaimRealmScopedUserID assigns rsuid to a user that has none.
	// Returns ErrAlreadyExists if another user holds rsuid and ErrConflict if
	// the user already has an id.
	ClaimRealmScopedUserID(ctx context.Context, id domain.UserID, rsuid string) error

	// ClearBinding removes every binding field
	ClearBinding(ctx context.Context, id domain.UserID) error

	// Delete deletes a user
	Delete(ctx context.Context, id domain.UserID) error

	// List returns all users
	List(ctx context.Context) ([]*domain.User, error)
}

// Store combines all storage interfaces
type Store interface {
	Users() UserStore
	Settings() SettingsStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}
