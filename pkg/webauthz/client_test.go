package webauthz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-loginshield/pkg/transport"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	tc, err := transport.New(transport.Options{Timeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return NewClient(tc, 3, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"abcXYZ019":                        "abcXYZ019",
		"!@#$%^&*()+/=?_{|}~.:,;-":         "!@#$%^&*()+/=?_{|}~.:,;-",
		"tok\r\nX-Injected: yes":           "tokX-Injected:yes",
		"spaces and \"quotes\" and <tags>": "spacesandquotesandtags",
		"ünïcödé":                          "ncd",
		"":                                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestFetchDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(w, http.StatusOK, map[string]string{
			"webauthz_register_uri": "https://as/register",
			"webauthz_request_uri":  "https://as/request",
			"webauthz_exchange_uri": "https://as/exchange",
		})
	}))
	defer srv.Close()

	d, err := newClient(t).FetchDiscovery(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://as/register", d.RegisterURI)
	assert.Equal(t, "https://as/request", d.RequestURI)
	assert.Equal(t, "https://as/exchange", d.ExchangeURI)
}

func TestFetchDiscovery_MissingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"webauthz_register_uri": "https://as/register"})
	}))
	defer srv.Close()

	_, err := newClient(t).FetchDiscovery(context.Background(), srv.URL)
	assert.ErrorIs(t, err, transport.ErrUnexpectedResponse)
}

func TestFetchDiscovery_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"webauthz_register_uri": "r", "webauthz_request_uri": "q", "webauthz_exchange_uri": "e",
		})
	}))
	defer srv.Close()

	_, err := newClient(t).FetchDiscovery(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRegisterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		var req RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Example", req.ClientName)
		assert.Equal(t, "1.0.0", req.ClientVersion)
		assert.Equal(t, "https://rp/admin/loginshield", req.GrantRedirectURI)
		writeJSON(w, http.StatusOK, map[string]string{
			"client_id":    "client 123\n",
			"client_token": "tok<en>",
		})
	}))
	defer srv.Close()

	reg, err := newClient(t).RegisterClient(context.Background(), srv.URL, RegisterRequest{
		ClientName:       "Example",
		ClientVersion:    "1.0.0",
		GrantRedirectURI: "https://rp/admin/loginshield",
	}, "old-token")
	require.NoError(t, err)
	assert.Equal(t, "client123", reg.ClientID)
	assert.Equal(t, "token", reg.ClientToken)
}

func TestRegisterClient_Fault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"fault": map[string]string{"type": "access-denied"}})
	}))
	defer srv.Close()

	_, err := newClient(t).RegisterClient(context.Background(), srv.URL, RegisterRequest{}, "")
	fe, ok := transport.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, "access-denied", fe.Type)
	assert.Equal(t, http.StatusForbidden, fe.StatusCode)
}

func TestRequestAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AccessRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r", req.Realm)
		assert.Equal(t, "s", req.Scope)
		assert.Equal(t, "state123", req.ClientState)
		writeJSON(w, http.StatusOK, map[string]string{"redirect": "https://as/grant?id=1"})
	}))
	defer srv.Close()

	out, err := newClient(t).RequestAccess(context.Background(), srv.URL,
		AccessRequest{Realm: "r", Scope: "s", ClientState: "state123"}, "ct")
	require.NoError(t, err)
	assert.Equal(t, "https://as/grant?id=1", out.Redirect)
}

func TestRequestAccess_NoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer srv.Close()

	_, err := newClient(t).RequestAccess(context.Background(), srv.URL, AccessRequest{}, "ct")
	assert.ErrorIs(t, err, transport.ErrUnexpectedResponse)
}

func TestExchangeToken_BodyCarriesExactlyOneToken(t *testing.T) {
	tests := []struct {
		kind    ExchangeKind
		field   string
		missing string
	}{
		{ExchangeGrant, "grant_token", "refresh_token"},
		{ExchangeRefresh, "refresh_token", "grant_token"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]interface{}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Len(t, body, 1)
				assert.Equal(t, "the-token", body[tt.field])
				assert.NotContains(t, body, tt.missing)
				assert.Equal(t, "Bearer client-token", r.Header.Get("Authorization"))
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"access_token":              "at",
					"access_token_max_seconds":  3600,
					"refresh_token":             "rt",
					"refresh_token_max_seconds": 86400,
				})
			}))
			defer srv.Close()

			ts, err := newClient(t).ExchangeToken(context.Background(), srv.URL, tt.kind, "the-token", "client-token")
			require.NoError(t, err)
			assert.Equal(t, "at", ts.AccessToken)
			assert.Equal(t, "rt", ts.RefreshToken)
			assert.EqualValues(t, 3600, ts.AccessTokenMaxSeconds)
			assert.EqualValues(t, 86400, ts.RefreshTokenMaxSeconds)
		})
	}
}

func TestExchangeToken_UnknownKindMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	_, err := newClient(t).ExchangeToken(context.Background(), srv.URL, ExchangeKind("password"), "x", "ct")
	assert.ErrorIs(t, err, ErrUnknownExchangeKind)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestExchangeToken_FaultInSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"fault": map[string]string{"type": "invalid-grant"}})
	}))
	defer srv.Close()

	_, err := newClient(t).ExchangeToken(context.Background(), srv.URL, ExchangeGrant, "g", "ct")
	fe, ok := transport.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, "invalid-grant", fe.Type)
}

func TestExchangeToken_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"refresh_token": "rt"})
	}))
	defer srv.Close()

	_, err := newClient(t).ExchangeToken(context.Background(), srv.URL, ExchangeGrant, "g", "ct")
	assert.ErrorIs(t, err, transport.ErrUnexpectedResponse)
}

func TestExchangeToken_NotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(t).ExchangeToken(context.Background(), srv.URL, ExchangeGrant, "g", "ct")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrUnexpectedResponse))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenSet_NotAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := &TokenSet{AccessTokenMaxSeconds: 60, RefreshTokenMaxSeconds: 3600}
	assert.Equal(t, int64(1700000060), ts.AccessNotAfter(now).Unix())
	assert.Equal(t, int64(1700003600), ts.RefreshNotAfter(now).Unix())
}

func TestGenerateClientState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := GenerateClientState()
		require.NoError(t, err)
		assert.Len(t, s, ClientStateLength)
		for _, r := range s {
			assert.Contains(t, Alphanumeric, string(r))
		}
		assert.False(t, seen[s], "duplicate state %q", s)
		seen[s] = true
	}
}

func TestRandomString_InvalidParams(t *testing.T) {
	_, err := RandomString(0, Alphanumeric)
	assert.Error(t, err)
	_, err = RandomString(4, "")
	assert.Error(t, err)
}
