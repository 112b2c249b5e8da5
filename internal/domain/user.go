package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserID represents a unique local user identifier
type UserID struct {
	ID string `json:"id" bson:"id"`
}

// NewUserID creates a new user ID
func NewUserID() UserID {
	return UserID{ID: uuid.New().String()}
}

// UserIDFromString creates a UserID from a string
func UserIDFromString(id string) UserID {
	return UserID{ID: id}
}

// String returns the string representation
func (u UserID) String() string {
	return u.ID
}

// BindingState is the passwordless login state of a user.
type BindingState string

const (
	StateNotRegistered BindingState = "not-registered"
	StateRegistered    BindingState = "registered"
	StateActivated     BindingState = "activated"
	StateDeactivated   BindingState = "deactivated"
)

// UserAuthBinding links a local user to its realm-scoped user.
type UserAuthBinding struct {
	RealmScopedUserID string `json:"loginshield_user_id,omitempty" bson:"realm_scoped_user_id,omitempty"`
	IsRegistered      bool   `json:"is_registered" bson:"is_registered"`
	IsActivated       bool   `json:"is_activated" bson:"is_activated"`
	IsConfirmed       bool   `json:"is_confirmed" bson:"is_confirmed"`
}

// State derives the binding state from the stored flags.
func (b UserAuthBinding) State() BindingState {
	switch {
	case b.RealmScopedUserID == "" || !b.IsRegistered:
		return StateNotRegistered
	case !b.IsConfirmed:
		return StateRegistered
	case b.IsActivated:
		return StateActivated
	default:
		return StateDeactivated
	}
}

// HasRealmUser reports whether a realm-scoped user id has been assigned.
func (b UserAuthBinding) HasRealmUser() bool {
	return b.RealmScopedUserID != ""
}

// User represents a local account of the relying party
type User struct {
	UUID         UserID          `json:"uuid" bson:"_id"`
	Username     string          `json:"username" bson:"username"`
	Email        string          `json:"email,omitempty" bson:"email,omitempty"`
	DisplayName  string          `json:"display_name,omitempty" bson:"display_name,omitempty"`
	PasswordHash *string         `json:"-" bson:"password_hash,omitempty"`
	IsAdmin      bool            `json:"is_admin" bson:"is_admin"`
	Binding      UserAuthBinding `json:"loginshield" bson:"binding"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Name returns the name reported to the realm service.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// MatchesLogin reports whether login is the user's username or email.
// Email comparison is case insensitive.
func (u *User) MatchesLogin(login string) bool {
	if login == "" {
		return false
	}
	return u.Username == login || (u.Email != "" && strings.EqualFold(u.Email, login))
}

// CreateUserRequest is used by the admin API to provision local accounts
type CreateUserRequest struct {
	Username    string `json:"username" binding:"required"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	IsAdmin     bool   `json:"is_admin"`
}
