package domain

import (
	"testing"
)

func TestNewUserID(t *testing.T) {
	id1 := NewUserID()
	id2 := NewUserID()

	if id1.ID == "" {
		t.Error("NewUserID() should generate non-empty ID")
	}

	if id1.ID == id2.ID {
		t.Error("NewUserID() should generate unique IDs")
	}
}

func TestUserIDFromString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"uuid string", "550e8400-e29b-41d4-a716-446655440000", "550e8400-e29b-41d4-a716-446655440000"},
		{"simple string", "test-id", "test-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := UserIDFromString(tt.input)
			if result.String() != tt.expected {
				t.Errorf("UserIDFromString(%q) = %q, want %q", tt.input, result.ID, tt.expected)
			}
		})
	}
}

func TestUserAuthBinding_State(t *testing.T) {
	tests := []struct {
		name    string
		binding UserAuthBinding
		want    BindingState
	}{
		{"empty", UserAuthBinding{}, StateNotRegistered},
		{"id without registration", UserAuthBinding{RealmScopedUserID: "abc"}, StateNotRegistered},
		{"registered without id", UserAuthBinding{IsRegistered: true}, StateNotRegistered},
		{"registered unconfirmed", UserAuthBinding{RealmScopedUserID: "abc", IsRegistered: true}, StateRegistered},
		{"activated", UserAuthBinding{RealmScopedUserID: "abc", IsRegistered: true, IsConfirmed: true, IsActivated: true}, StateActivated},
		{"deactivated", UserAuthBinding{RealmScopedUserID: "abc", IsRegistered: true, IsConfirmed: true}, StateDeactivated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.binding.State(); got != tt.want {
				t.Errorf("State() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUser_MatchesLogin(t *testing.T) {
	u := &User{Username: "alice", Email: "Alice@Example.com"}

	tests := []struct {
		login string
		want  bool
	}{
		{"alice", true},
		{"Alice@Example.com", true},
		{"alice@example.com", true},
		{"ALICE", false},
		{"bob", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := u.MatchesLogin(tt.login); got != tt.want {
			t.Errorf("MatchesLogin(%q) = %v, want %v", tt.login, got, tt.want)
		}
	}
}

func TestUser_MatchesLogin_NoEmail(t *testing.T) {
	u := &User{Username: "bob"}
	if u.MatchesLogin("") {
		t.Error("empty login must not match a user without email")
	}
}

func TestUser_Name(t *testing.T) {
	u := &User{Username: "alice"}
	if u.Name() != "alice" {
		t.Errorf("Name() = %q, want username fallback", u.Name())
	}
	u.DisplayName = "Alice Liddell"
	if u.Name() != "Alice Liddell" {
		t.Errorf("Name() = %q, want display name", u.Name())
	}
}
