// Package webauthz implements the client side of the Webauthz delegated
// access protocol: challenge parsing, discovery, client registration, access
// requests and grant/refresh token exchange.
package webauthz

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/logging"
	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

// ExchangeKind selects which token is presented to the exchange endpoint.
type ExchangeKind string

const (
	ExchangeGrant   ExchangeKind = "grant"
	ExchangeRefresh ExchangeKind = "refresh"
)

// ErrUnknownExchangeKind is returned by ExchangeToken for any kind other than
// grant or refresh. No request is made.
var ErrUnknownExchangeKind = errors.New("unknown exchange kind")

// ErrMissingAccessToken is returned when an exchange succeeds without an
// access token.
var ErrMissingAccessToken = fmt.Errorf("%w: exchange did not return an access token", transport.ErrUnexpectedResponse)

// Alphanumeric is the alphabet used for client state nonces.
const Alphanumeric = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ClientStateLength is the length of a generated client state nonce.
const ClientStateLength = 16

var disallowed = regexp.MustCompile(`[^a-zA-Z0-9!@#$%^&*()+/=?_{|}~.:,;-]`)

// Sanitize removes every character that may not appear in a client id or
// token. Values are sanitized before they are stored or sent as headers.
func Sanitize(s string) string {
	return disallowed.ReplaceAllString(s, "")
}

// Discovery holds the endpoints advertised by the authorization server.
type Discovery struct {
	RegisterURI string `json:"webauthz_register_uri"`
	RequestURI  string `json:"webauthz_request_uri"`
	ExchangeURI string `json:"webauthz_exchange_uri"`
}

// RegisterRequest is sent to the register endpoint.
type RegisterRequest struct {
	ClientName       string `json:"client_name"`
	ClientVersion    string `json:"client_version"`
	GrantRedirectURI string `json:"grant_redirect_uri"`
}

// Registration is the sanitized result of client registration.
type Registration struct {
	ClientID    string `json:"client_id"`
	ClientToken string `json:"client_token"`
}

// AccessRequest is sent to the request endpoint.
type AccessRequest struct {
	Realm       string `json:"realm"`
	Scope       string `json:"scope"`
	ClientState string `json:"client_state"`
}

// AccessResponse carries the URL the user's browser must be sent to.
type AccessResponse struct {
	Redirect string `json:"redirect"`
}

// TokenSet is returned by a successful exchange.
type TokenSet struct {
	AccessToken            string `json:"access_token"`
	AccessTokenMaxSeconds  int64  `json:"access_token_max_seconds"`
	RefreshToken           string `json:"refresh_token"`
	RefreshTokenMaxSeconds int64  `json:"refresh_token_max_seconds"`
}

// AccessNotAfter is the absolute expiry of the access token relative to now.
func (t *TokenSet) AccessNotAfter(now time.Time) time.Time {
	return now.Add(time.Duration(t.AccessTokenMaxSeconds) * time.Second)
}

// RefreshNotAfter is the absolute expiry of the refresh token relative to now.
func (t *TokenSet) RefreshNotAfter(now time.Time) time.Time {
	return now.Add(time.Duration(t.RefreshTokenMaxSeconds) * time.Second)
}

// Client talks to a webauthz authorization server.
type Client struct {
	http              *transport.Client
	discoveryAttempts int
	logger            *zap.Logger
}

// NewClient creates a new webauthz client. discoveryAttempts bounds the
// number of tries for discovery GETs; other calls are never retried.
func NewClient(http *transport.Client, discoveryAttempts int, logger *zap.Logger) *Client {
	if discoveryAttempts < 1 {
		discoveryAttempts = 1
	}
	return &Client{
		http:              http,
		discoveryAttempts: discoveryAttempts,
		logger:            logger.Named("webauthz"),
	}
}

// FetchDiscovery retrieves the register, request and exchange endpoints.
func (c *Client) FetchDiscovery(ctx context.Context, discoveryURI string) (*Discovery, error) {
	resp, err := c.http.GetWithRetry(ctx, metrics.OpDiscovery, discoveryURI, "", c.discoveryAttempts)
	if err != nil {
		return nil, err
	}
	if err := transport.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	var d Discovery
	if err := resp.Decode(&d); err != nil {
		return nil, err
	}
	if d.RegisterURI == "" || d.RequestURI == "" || d.ExchangeURI == "" {
		return nil, fmt.Errorf("%w: discovery document is missing endpoints", transport.ErrUnexpectedResponse)
	}
	return &d, nil
}

// RegisterClient registers this application with the authorization server.
// When clientToken is non-empty the server updates the existing registration.
func (c *Client) RegisterClient(ctx context.Context, registerURI string, req RegisterRequest, clientToken string) (*Registration, error) {
	resp, err := c.http.Post(ctx, metrics.OpRegister, registerURI, req, clientToken)
	if err != nil {
		return nil, err
	}
	if err := transport.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	var reg Registration
	if err := resp.Decode(&reg); err != nil {
		return nil, err
	}
	reg.ClientID = Sanitize(reg.ClientID)
	reg.ClientToken = Sanitize(reg.ClientToken)
	if reg.ClientID == "" || reg.ClientToken == "" {
		return nil, fmt.Errorf("%w: registration is missing client_id or client_token", transport.ErrUnexpectedResponse)
	}

	c.logger.Info("Registered client",
		zap.String("client_id", reg.ClientID),
		zap.Bool("update", clientToken != ""))
	return &reg, nil
}

// RequestAccess starts an access request. The caller must persist
// req.ClientState before sending the user to the returned redirect.
func (c *Client) RequestAccess(ctx context.Context, requestURI string, req AccessRequest, clientToken string) (*AccessResponse, error) {
	resp, err := c.http.Post(ctx, metrics.OpRequestAccess, requestURI, req, clientToken)
	if err != nil {
		return nil, err
	}
	if err := transport.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	var out AccessResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if out.Redirect == "" {
		return nil, fmt.Errorf("%w: access request did not return a redirect", transport.ErrUnexpectedResponse)
	}
	return &out, nil
}

type exchangeResponse struct {
	TokenSet
	Fault *struct {
		Type string `json:"type"`
	} `json:"fault"`
}

// ExchangeToken trades a grant token or refresh token for a new token set.
// It is never retried: a grant token may only be presented once.
func (c *Client) ExchangeToken(ctx context.Context, exchangeURI string, kind ExchangeKind, token, clientToken string) (*TokenSet, error) {
	var body map[string]string
	switch kind {
	case ExchangeGrant:
		body = map[string]string{"grant_token": token}
	case ExchangeRefresh:
		body = map[string]string{"refresh_token": token}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchangeKind, kind)
	}

	resp, err := c.http.Post(ctx, metrics.OpExchange, exchangeURI, body, clientToken)
	if err != nil {
		return nil, err
	}
	if err := transport.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	var out exchangeResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if out.Fault != nil {
		return nil, &transport.FaultError{Type: out.Fault.Type, StatusCode: resp.StatusCode}
	}

	ts := out.TokenSet
	ts.AccessToken = Sanitize(ts.AccessToken)
	ts.RefreshToken = Sanitize(ts.RefreshToken)
	if ts.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}

	c.logger.Debug("Exchanged token",
		zap.String("kind", string(kind)),
		logging.Secret("access_token", ts.AccessToken),
		zap.Int64("access_token_max_seconds", ts.AccessTokenMaxSeconds))
	return &ts, nil
}

// GenerateClientState returns a fresh client state nonce.
func GenerateClientState() (string, error) {
	return RandomString(ClientStateLength, Alphanumeric)
}

// RandomString returns n characters drawn uniformly from alphabet using
// crypto/rand.
func RandomString(n int, alphabet string) (string, error) {
	if n <= 0 || alphabet == "" {
		return "", errors.New("invalid random string parameters")
	}
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}
