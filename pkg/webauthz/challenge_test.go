package webauthz

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(v string) http.Header {
	h := http.Header{}
	if v != "" {
		h.Set("WWW-Authenticate", v)
	}
	return h
}

func TestParseChallenge_WellFormed(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Challenge
	}{
		{
			name:   "webauthz scheme",
			header: `Webauthz realm="r", scope="s", path="p", webauthz_discovery_uri="https://x"`,
			want:   Challenge{Realm: "r", Scope: "s", Path: "p", DiscoveryURI: "https://x"},
		},
		{
			name:   "bearer scheme",
			header: `Bearer realm="r", scope="s", path="p", webauthz_discovery_uri="https://x"`,
			want:   Challenge{Realm: "r", Scope: "s", Path: "p", DiscoveryURI: "https://x"},
		},
		{
			name:   "scheme is case insensitive",
			header: `WEBAUTHZ realm="r", scope="s", path="p", webauthz_discovery_uri="https://x"`,
			want:   Challenge{Realm: "r", Scope: "s", Path: "p", DiscoveryURI: "https://x"},
		},
		{
			name:   "unquoted values",
			header: `webauthz realm=r, scope=s, path=p, webauthz_discovery_uri=https://x`,
			want:   Challenge{Realm: "r", Scope: "s", Path: "p", DiscoveryURI: "https://x"},
		},
		{
			name:   "url encoded values",
			header: `Webauthz realm="Example%20Blog", scope="realm%3Aadmin", path="%2Fservice%2Frealm", webauthz_discovery_uri="https%3A%2F%2Floginshield.com%2F.well-known%2Fwebauthz.json"`,
			want: Challenge{
				Realm:        "Example Blog",
				Scope:        "realm:admin",
				Path:         "/service/realm",
				DiscoveryURI: "https://loginshield.com/.well-known/webauthz.json",
			},
		},
		{
			name:   "value containing equals",
			header: `Webauthz realm="r", scope="a=b", path="p", webauthz_discovery_uri="https://x/d?realm=r&v=1"`,
			want:   Challenge{Realm: "r", Scope: "a=b", Path: "p", DiscoveryURI: "https://x/d?realm=r&v=1"},
		},
		{
			name:   "parameter order does not matter",
			header: `Webauthz webauthz_discovery_uri="https://x", path="p", realm="r", scope="s"`,
			want:   Challenge{Realm: "r", Scope: "s", Path: "p", DiscoveryURI: "https://x"},
		},
		{
			name:   "only discovery uri",
			header: `Webauthz webauthz_discovery_uri="https://x"`,
			want:   Challenge{DiscoveryURI: "https://x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseChallenge(header(tt.header))
			assert.True(t, got.IsWebauthz)
			assert.Equal(t, tt.header, got.Raw)
			assert.Equal(t, tt.want.Realm, got.Realm)
			assert.Equal(t, tt.want.Scope, got.Scope)
			assert.Equal(t, tt.want.Path, got.Path)
			assert.Equal(t, tt.want.DiscoveryURI, got.DiscoveryURI)
		})
	}
}

func TestParseChallenge_NotWebauthz(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantRaw string
	}{
		{"absent", "", ""},
		{"missing discovery uri", `Webauthz realm="r", scope="s", path="p"`, `Webauthz realm="r", scope="s", path="p"`},
		{"empty discovery uri", `Webauthz realm="r", webauthz_discovery_uri=""`, `Webauthz realm="r", webauthz_discovery_uri=""`},
		{"basic scheme", `Basic realm="r"`, `Basic realm="r"`},
		{"scheme without params", `Webauthz`, `Webauthz`},
		{"digest with discovery uri", `Digest webauthz_discovery_uri="https://x"`, `Digest webauthz_discovery_uri="https://x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseChallenge(header(tt.header))
			assert.False(t, got.IsWebauthz)
			assert.Equal(t, tt.wantRaw, got.Raw)
			assert.Empty(t, got.DiscoveryURI)
			assert.Empty(t, got.Realm)
		})
	}
}

func TestParseChallenge_MalformedPairsIgnored(t *testing.T) {
	got := ParseChallenge(header(`Webauthz garbage, realm="r", webauthz_discovery_uri="https://x"`))
	assert.True(t, got.IsWebauthz)
	assert.Equal(t, "r", got.Realm)
}

func TestParseChallenge_UndecodableValueKeptRaw(t *testing.T) {
	got := ParseChallenge(header(`Webauthz realm="100%", webauthz_discovery_uri="https://x"`))
	assert.True(t, got.IsWebauthz)
	assert.Equal(t, "100%", got.Realm)
}
