package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeLoginShield simulates the realm service and its webauthz authorization
// server. Realm calls are challenged until a grant has been exchanged.
type FakeLoginShield struct {
	Server *httptest.Server
	URL    string

	RealmID string

	mu          sync.Mutex
	clientToken string
	clientState string
	grantToken  string
	accessToken string
	refreshSeq  int
	users       map[string]bool
	verify      map[string]string
}

// NewFakeLoginShield starts the fake service
func NewFakeLoginShield(t *testing.T) *FakeLoginShield {
	t.Helper()
	f := &FakeLoginShield{
		RealmID: "realm-1",
		users:   make(map[string]bool),
		verify:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/service/realm", f.handleRealm)
	mux.HandleFunc("/service/realm/user/create", f.requireAccess(f.handleCreateUser))
	mux.HandleFunc("/service/realm/user/delete", f.requireAccess(f.handleDeleteUser))
	mux.HandleFunc("/service/realm/login/start", f.requireAccess(f.handleStartLogin))
	mux.HandleFunc("/service/realm/login/verify", f.requireAccess(f.handleVerifyLogin))
	mux.HandleFunc("/webauthz/discovery", f.handleDiscovery)
	mux.HandleFunc("/webauthz/register", f.handleRegister)
	mux.HandleFunc("/webauthz/request", f.handleRequest)
	mux.HandleFunc("/webauthz/exchange", f.handleExchange)

	f.Server = httptest.NewServer(mux)
	f.URL = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

// Grant approves the pending access request and returns the grant token the
// authorization server would append to the grant redirect.
func (f *FakeLoginShield) Grant() (clientState, grantToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantToken = "grant-" + f.clientState
	return f.clientState, f.grantToken
}

// CompleteLogin finishes the login started for rsuid and returns the
// verification token the browser brings back.
func (f *FakeLoginShield) CompleteLogin(rsuid string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := fmt.Sprintf("verify-%s-%d", rsuid, len(f.verify))
	f.verify[token] = rsuid
	return token
}

// HasUser reports whether the realm knows rsuid
func (f *FakeLoginShield) HasUser(rsuid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[rsuid]
}

// RevokeAccess forgets the issued access token
func (f *FakeLoginShield) RevokeAccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessToken = ""
}

func (f *FakeLoginShield) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accessToken != "" && r.Header.Get("Authorization") == "Bearer "+f.accessToken
}

func (f *FakeLoginShield) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Webauthz realm="LoginShield", scope="realm:%s", path="/service/realm", webauthz_discovery_uri="%s/webauthz/discovery"`,
		f.RealmID, f.URL))
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func (f *FakeLoginShield) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.challenge(w)
			return
		}
		next(w, r)
	}
}

func (f *FakeLoginShield) handleRealm(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		f.challenge(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": f.RealmID, "name": "Test Site"})
}

func (f *FakeLoginShield) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RealmID           string `json:"realmId"`
		RealmScopedUserID string `json:"realmScopedUserId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RealmID != f.RealmID {
		writeJSON(w, http.StatusOK, map[string]interface{}{"fault": map[string]string{"type": "not-found"}})
		return
	}
	f.mu.Lock()
	f.users[req.RealmScopedUserID] = true
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"isCreated": true})
}

func (f *FakeLoginShield) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RealmScopedUserID string `json:"realmScopedUserId"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	existed := f.users[req.RealmScopedUserID]
	delete(f.users, req.RealmScopedUserID)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"isDeleted": existed})
}

func (f *FakeLoginShield) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		IsNewKey bool   `json:"isNewKey"`
		Redirect string `json:"redirect"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !f.HasUser(req.UserID) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"fault": map[string]string{"type": "not-found"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"forward": fmt.Sprintf("%s/login?user=%s&new_key=%t", f.URL, req.UserID, req.IsNewKey),
	})
}

func (f *FakeLoginShield) handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	rsuid, ok := f.verify[req.Token]
	delete(f.verify, req.Token)
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"fault": map[string]string{"type": "invalid-token"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"realmId": f.RealmID, "realmScopedUserId": rsuid})
}

func (f *FakeLoginShield) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"webauthz_register_uri": f.URL + "/webauthz/register",
		"webauthz_request_uri":  f.URL + "/webauthz/request",
		"webauthz_exchange_uri": f.URL + "/webauthz/exchange",
	})
}

func (f *FakeLoginShield) handleRegister(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.clientToken = "client-token-1"
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"client_id": "client-1", "client_token": "client-token-1"})
}

func (f *FakeLoginShield) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !f.clientAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid-client"})
		return
	}
	var req struct {
		ClientState string `json:"client_state"`
	}
	if !decode(w, r, &req) {
		return
	}
	f.mu.Lock()
	f.clientState = req.ClientState
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"redirect": f.URL + "/grant?request=1"})
}

func (f *FakeLoginShield) handleExchange(w http.ResponseWriter, r *http.Request) {
	if !f.clientAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid-client"})
		return
	}
	var req struct {
		GrantToken   string `json:"grant_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case req.GrantToken != "" && req.GrantToken == f.grantToken:
		f.grantToken = ""
	case req.RefreshToken != "" && strings.HasPrefix(req.RefreshToken, "refresh-"):
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"fault": map[string]string{"type": "access-denied"}})
		return
	}
	f.refreshSeq++
	f.accessToken = fmt.Sprintf("access-%d", f.refreshSeq)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":              f.accessToken,
		"access_token_max_seconds":  3600,
		"refresh_token":             fmt.Sprintf("refresh-%d", f.refreshSeq),
		"refresh_token_max_seconds": 86400,
	})
}

func (f *FakeLoginShield) clientAuthorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientToken != "" && r.Header.Get("Authorization") == "Bearer "+f.clientToken
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid-request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
