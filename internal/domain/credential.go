package domain

import (
	"strconv"
	"time"
)

// Setting keys persisted in the settings store. The names match the option
// names used by existing LoginShield installations so data can be migrated
// as-is.
const (
	KeyRealmID              = "loginshield_realm_id"
	KeyAccessToken          = "loginshield_access_token"
	KeyAccessTokenNotAfter  = "loginshield_access_token_not_after"
	KeyRefreshToken         = "loginshield_refresh_token"
	KeyRefreshTokenNotAfter = "loginshield_refresh_token_not_after"
	KeyRealm                = "loginshield_realm"
	KeyScope                = "loginshield_scope"
	KeyPath                 = "loginshield_path"
	KeyDiscoveryURI         = "loginshield_webauthz_discovery_uri"
	KeyRegisterURI          = "loginshield_webauthz_register_uri"
	KeyRequestURI           = "loginshield_webauthz_request_uri"
	KeyExchangeURI          = "loginshield_webauthz_exchange_uri"
	KeyEndpointsSource      = "loginshield_webauthz_endpoints_source"
	KeyClientID             = "loginshield_client_id"
	KeyClientToken          = "loginshield_client_token"
	KeyClientState          = "loginshield_client_state"
)

// RealmCredential is the access granted to manage the realm.
type RealmCredential struct {
	RealmID              string
	AccessToken          string
	AccessTokenNotAfter  time.Time
	RefreshToken         string
	RefreshTokenNotAfter time.Time
}

// AccessTokenValid reports whether the access token is present and unexpired.
// A zero expiry is treated as no expiry.
func (c RealmCredential) AccessTokenValid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.AccessTokenNotAfter.IsZero() || now.Before(c.AccessTokenNotAfter)
}

// RefreshTokenValid reports whether the refresh token can still be exchanged.
func (c RealmCredential) RefreshTokenValid(now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	return c.RefreshTokenNotAfter.IsZero() || now.Before(c.RefreshTokenNotAfter)
}

// TokenTuple returns the four settings written together after an exchange.
func (c RealmCredential) TokenTuple() map[string]string {
	return map[string]string{
		KeyAccessToken:          c.AccessToken,
		KeyAccessTokenNotAfter:  FormatUnix(c.AccessTokenNotAfter),
		KeyRefreshToken:         c.RefreshToken,
		KeyRefreshTokenNotAfter: FormatUnix(c.RefreshTokenNotAfter),
	}
}

// ClientRegistration is the identity issued by the authorization server.
type ClientRegistration struct {
	ClientID    string
	ClientToken string
}

// Registered reports whether both parts of the registration are present.
func (r ClientRegistration) Registered() bool {
	return r.ClientID != "" && r.ClientToken != ""
}

// AccessRequestState is the pending access request, including the nonce
// that must come back on exchange.
type AccessRequestState struct {
	Realm       string
	Scope       string
	Path        string
	ClientState string
}

// WebauthzEndpoints are the discovered authorization server endpoints.
// DiscoveryURI is the URI they were discovered from.
type WebauthzEndpoints struct {
	DiscoveryURI string
	RegisterURI  string
	RequestURI   string
	ExchangeURI  string
}

// Complete reports whether all endpoints are known.
func (e WebauthzEndpoints) Complete() bool {
	return e.RegisterURI != "" && e.RequestURI != "" && e.ExchangeURI != ""
}

// Phase is the webauthz protocol phase derived from stored state.
type Phase string

const (
	PhaseUnregistered    Phase = "unregistered"
	PhaseRegistered      Phase = "registered"
	PhaseAccessRequested Phase = "access-requested"
	PhaseGranted         Phase = "granted"
	PhaseRefreshing      Phase = "refreshing"
	PhaseExpired         Phase = "expired"
)

// FormatUnix encodes t as unix seconds; the zero time encodes as "".
func FormatUnix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseUnix decodes a value written by FormatUnix. Invalid input yields the
// zero time.
func ParseUnix(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
