package domain

// Login modes accepted by the LoginShield login endpoint
const (
	ModeActivateLoginShield = "activate-loginshield"
	ModeResumeLoginShield   = "resume-loginshield"
)

// Login dispatch error codes returned to the browser
const (
	LoginErrorRegistrationRequired = "registration-required"
	LoginErrorPasswordRequired     = "password-required"
	LoginErrorLoginRequired        = "login-required"
	LoginErrorLoginShieldRequired  = "loginshield-required"
)

// LoginChallenge is returned by a started login and consumed by the browser.
type LoginChallenge struct {
	Forward           string `json:"forward"`
	RealmScopedUserID string `json:"-"`
	IsNewKey          bool   `json:"-"`
}

// LoginRequest is the body of a LoginShield login call
type LoginRequest struct {
	Login       string `json:"login"`
	Mode        string `json:"mode"`
	VerifyToken string `json:"verifyToken"`
	RedirectTo  string `json:"redirectTo"`
}

// LoginResult is the outcome of a LoginShield login call
type LoginResult struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	IsConfirmed     bool   `json:"isConfirmed,omitempty"`
	Forward         string `json:"forward,omitempty"`
	Error           string `json:"error,omitempty"`

	// Set when a session was established; never serialized.
	User  *User  `json:"-"`
	Token string `json:"-"`
}

// PasswordLoginRequest is the body of a password login call
type PasswordLoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
	Remember bool   `json:"remember"`
}
