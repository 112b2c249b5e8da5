package domain

import (
	"testing"
	"time"
)

func TestRealmCredential_AccessTokenValid(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		cred RealmCredential
		want bool
	}{
		{"no token", RealmCredential{}, false},
		{"no expiry", RealmCredential{AccessToken: "at"}, true},
		{"future expiry", RealmCredential{AccessToken: "at", AccessTokenNotAfter: now.Add(time.Minute)}, true},
		{"expired", RealmCredential{AccessToken: "at", AccessTokenNotAfter: now.Add(-time.Second)}, false},
		{"expires now", RealmCredential{AccessToken: "at", AccessTokenNotAfter: now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.AccessTokenValid(now); got != tt.want {
				t.Errorf("AccessTokenValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRealmCredential_RefreshTokenValid(t *testing.T) {
	now := time.Unix(1700000000, 0)

	if (RealmCredential{}).RefreshTokenValid(now) {
		t.Error("empty refresh token must not be valid")
	}
	c := RealmCredential{RefreshToken: "rt", RefreshTokenNotAfter: now.Add(time.Hour)}
	if !c.RefreshTokenValid(now) {
		t.Error("unexpired refresh token should be valid")
	}
	if c.RefreshTokenValid(now.Add(2 * time.Hour)) {
		t.Error("expired refresh token should not be valid")
	}
}

func TestRealmCredential_TokenTuple(t *testing.T) {
	c := RealmCredential{
		AccessToken:          "at",
		AccessTokenNotAfter:  time.Unix(100, 0),
		RefreshToken:         "rt",
		RefreshTokenNotAfter: time.Unix(200, 0),
	}

	tuple := c.TokenTuple()
	if len(tuple) != 4 {
		t.Fatalf("TokenTuple() has %d entries, want 4", len(tuple))
	}
	want := map[string]string{
		KeyAccessToken:          "at",
		KeyAccessTokenNotAfter:  "100",
		KeyRefreshToken:         "rt",
		KeyRefreshTokenNotAfter: "200",
	}
	for k, v := range want {
		if tuple[k] != v {
			t.Errorf("tuple[%s] = %q, want %q", k, tuple[k], v)
		}
	}
}

func TestFormatParseUnix(t *testing.T) {
	if FormatUnix(time.Time{}) != "" {
		t.Error("zero time should format as empty string")
	}
	if !ParseUnix("").IsZero() {
		t.Error("empty string should parse as zero time")
	}
	if !ParseUnix("not-a-number").IsZero() {
		t.Error("invalid input should parse as zero time")
	}

	ts := time.Unix(1700000123, 0)
	if got := ParseUnix(FormatUnix(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

func TestWebauthzEndpoints_Complete(t *testing.T) {
	e := WebauthzEndpoints{DiscoveryURI: "d", RegisterURI: "r", RequestURI: "q"}
	if e.Complete() {
		t.Error("endpoints without exchange uri should not be complete")
	}
	e.ExchangeURI = "e"
	if !e.Complete() {
		t.Error("endpoints should be complete")
	}
}

func TestClientRegistration_Registered(t *testing.T) {
	if (ClientRegistration{ClientID: "id"}).Registered() {
		t.Error("registration without token should not count")
	}
	if !(ClientRegistration{ClientID: "id", ClientToken: "tok"}).Registered() {
		t.Error("complete registration should count")
	}
}
