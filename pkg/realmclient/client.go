// Package realmclient talks to the LoginShield realm service: realm lookup,
// realm-scoped user management and passwordless login start/verify.
package realmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/metrics"
	"github.com/sirosfoundation/go-loginshield/pkg/transport"
	"github.com/sirosfoundation/go-loginshield/pkg/webauthz"
)

const (
	pathRealm       = "/service/realm"
	pathUserCreate  = "/service/realm/user/create"
	pathUserDelete  = "/service/realm/user/delete"
	pathLoginStart  = "/service/realm/login/start"
	pathLoginVerify = "/service/realm/login/verify"
)

// ChallengeError is returned by realm lookups answered with 401 or 403. The
// challenge tells the caller whether a webauthz access request can fix it.
type ChallengeError struct {
	StatusCode int
	Challenge  webauthz.Challenge
}

func (e *ChallengeError) Error() string {
	if e.Challenge.IsWebauthz {
		return fmt.Sprintf("realm service requires authorization (status %d, realm %q)", e.StatusCode, e.Challenge.Realm)
	}
	return fmt.Sprintf("realm service denied access (status %d)", e.StatusCode)
}

// RealmInfo is the realm record returned by the realm service. Payload keeps
// the full document for callers that pass it through.
type RealmInfo struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"-"`
}

// CreateUserResult is returned by CreateRealmUser.
type CreateUserResult struct {
	IsCreated bool
	Forward   string
}

// DeleteUserResult is returned by DeleteRealmUser.
type DeleteUserResult struct {
	IsDeleted bool
}

// StartLoginResult is a login challenge the user's browser is forwarded to.
type StartLoginResult struct {
	Forward string
}

// VerifyLoginResult identifies the user that completed a login.
type VerifyLoginResult struct {
	RealmID           string
	RealmScopedUserID string
}

// Client is bound to one realm and one access token.
type Client struct {
	endpointURL string
	realmID     string
	accessToken string
	http        *transport.Client
	logger      *zap.Logger
}

// New creates a realm client. endpointURL must not have a trailing slash.
func New(endpointURL, realmID, accessToken string, http *transport.Client, logger *zap.Logger) *Client {
	return &Client{
		endpointURL: strings.TrimSuffix(endpointURL, "/"),
		realmID:     realmID,
		accessToken: accessToken,
		http:        http,
		logger:      logger.Named("realmclient"),
	}
}

// EndpointURL returns the base URL of the realm service.
func (c *Client) EndpointURL() string {
	return c.endpointURL
}

// FetchRealmByID looks up the realm by its id.
func (c *Client) FetchRealmByID(ctx context.Context, realmID string) (*RealmInfo, error) {
	return c.fetchRealm(ctx, url.Values{"id": {realmID}})
}

// FetchRealmByURL looks up the realm registered for a site URL.
func (c *Client) FetchRealmByURL(ctx context.Context, siteURL string) (*RealmInfo, error) {
	return c.fetchRealm(ctx, url.Values{"uri": {siteURL}})
}

func (c *Client) fetchRealm(ctx context.Context, query url.Values) (*RealmInfo, error) {
	resp, err := c.http.Get(ctx, metrics.OpRealmFetch, c.endpointURL+pathRealm+"?"+query.Encode(), c.accessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &ChallengeError{
			StatusCode: resp.StatusCode,
			Challenge:  webauthz.ParseChallenge(resp.Header),
		}
	}
	if err := transport.ClassifyStatus(resp); err != nil {
		return nil, err
	}

	var info RealmInfo
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	info.Payload = resp.Payload
	return &info, nil
}

type createUserRequest struct {
	RealmID           string `json:"realmId"`
	RealmScopedUserID string `json:"realmScopedUserId"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	Replace           *bool  `json:"replace,omitempty"`
	Redirect          string `json:"redirect,omitempty"`
}

type createUserResponse struct {
	IsCreated *bool  `json:"isCreated"`
	Forward   string `json:"forward"`
}

// CreateRealmUser registers a user with the immediate method. When replace is
// true an existing record for rsuid is overwritten instead of conflicting. A
// forward URL, if any, must point at the realm service.
func (c *Client) CreateRealmUser(ctx context.Context, rsuid, name, email string, replace bool) (*CreateUserResult, error) {
	out, err := c.createUser(ctx, createUserRequest{
		RealmID:           c.realmID,
		RealmScopedUserID: rsuid,
		Name:              name,
		Email:             email,
		Replace:           &replace,
	})
	if err != nil {
		return nil, err
	}
	if out.Forward != "" && !c.isServiceURL(out.Forward) {
		return nil, fmt.Errorf("%w: forward URL is not on the realm service", transport.ErrUnexpectedResponse)
	}
	return &CreateUserResult{IsCreated: *out.IsCreated, Forward: out.Forward}, nil
}

// CreateRealmUserWithRedirect registers a user with the redirect method. The
// returned forward URL must point at the realm service.
func (c *Client) CreateRealmUserWithRedirect(ctx context.Context, rsuid, redirect string) (*CreateUserResult, error) {
	out, err := c.createUser(ctx, createUserRequest{
		RealmID:           c.realmID,
		RealmScopedUserID: rsuid,
		Redirect:          redirect,
	})
	if err != nil {
		return nil, err
	}
	if !c.isServiceURL(out.Forward) {
		return nil, fmt.Errorf("%w: forward URL is not on the realm service", transport.ErrUnexpectedResponse)
	}
	return &CreateUserResult{IsCreated: *out.IsCreated, Forward: out.Forward}, nil
}

func (c *Client) createUser(ctx context.Context, req createUserRequest) (*createUserResponse, error) {
	var out createUserResponse
	if err := c.post(ctx, metrics.OpRealmUserCreate, pathUserCreate, req, &out); err != nil {
		return nil, err
	}
	if out.IsCreated == nil {
		return nil, fmt.Errorf("%w: create user response has no isCreated", transport.ErrUnexpectedResponse)
	}
	return &out, nil
}

// DeleteRealmUser removes a realm-scoped user.
func (c *Client) DeleteRealmUser(ctx context.Context, rsuid string) (*DeleteUserResult, error) {
	req := map[string]string{
		"realmId":           c.realmID,
		"realmScopedUserId": rsuid,
	}
	var out struct {
		IsDeleted *bool `json:"isDeleted"`
	}
	if err := c.post(ctx, metrics.OpRealmUserDelete, pathUserDelete, req, &out); err != nil {
		return nil, err
	}
	if out.IsDeleted == nil {
		return nil, fmt.Errorf("%w: delete user response has no isDeleted", transport.ErrUnexpectedResponse)
	}
	return &DeleteUserResult{IsDeleted: *out.IsDeleted}, nil
}

// StartLogin begins a passwordless login for rsuid. isNewKey requests the
// device-linking flow used for the first login after registration.
func (c *Client) StartLogin(ctx context.Context, rsuid, redirect string, isNewKey bool) (*StartLoginResult, error) {
	req := struct {
		RealmID  string `json:"realmId"`
		UserID   string `json:"userId"`
		IsNewKey bool   `json:"isNewKey"`
		Redirect string `json:"redirect"`
	}{c.realmID, rsuid, isNewKey, redirect}

	var out struct {
		Forward string `json:"forward"`
	}
	if err := c.post(ctx, metrics.OpLoginStart, pathLoginStart, req, &out); err != nil {
		return nil, err
	}
	if !c.isServiceURL(out.Forward) {
		c.logger.Warn("Rejected login forward URL outside realm service",
			zap.String("forward", out.Forward))
		return nil, fmt.Errorf("%w: forward URL is not on the realm service", transport.ErrUnexpectedResponse)
	}
	return &StartLoginResult{Forward: out.Forward}, nil
}

// VerifyLogin redeems a one-time verification token. Callers must compare
// the returned RealmID with their own realm id before trusting the result.
func (c *Client) VerifyLogin(ctx context.Context, token string) (*VerifyLoginResult, error) {
	var out struct {
		RealmID           string `json:"realmId"`
		RealmScopedUserID string `json:"realmScopedUserId"`
	}
	if err := c.post(ctx, metrics.OpLoginVerify, pathLoginVerify, map[string]string{"token": token}, &out); err != nil {
		return nil, err
	}
	if out.RealmID == "" || out.RealmScopedUserID == "" {
		return nil, fmt.Errorf("%w: verify response is missing realmId or realmScopedUserId", transport.ErrUnexpectedResponse)
	}
	return &VerifyLoginResult{RealmID: out.RealmID, RealmScopedUserID: out.RealmScopedUserID}, nil
}

// post sends body and decodes the JSON reply into out. The realm service
// replies are decoded regardless of status so that error and fault bodies
// are surfaced as FaultError.
func (c *Client) post(ctx context.Context, op, path string, body, out interface{}) error {
	resp, err := c.http.Post(ctx, op, c.endpointURL+path, body, c.accessToken)
	if err != nil {
		return err
	}

	if len(resp.Body) == 0 || !json.Valid(resp.Body) {
		if err := transport.ClassifyStatus(resp); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s returned no JSON body", transport.ErrUnexpectedResponse, op)
	}
	if fe := transport.FaultFromPayload(resp.Body, resp.StatusCode); fe != nil {
		return fe
	}
	if !resp.OK() {
		return &transport.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnexpectedResponse, err)
	}
	return nil
}

// isServiceURL reports whether u starts with the realm service endpoint, as
// a path boundary and not merely a string prefix of the host.
func (c *Client) isServiceURL(u string) bool {
	if u == "" || !strings.HasPrefix(u, c.endpointURL) {
		return false
	}
	rest := u[len(c.endpointURL):]
	return rest == "" || strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "?") || strings.HasPrefix(rest, "#")
}
