package webauthz

import (
	"net/http"
	"net/url"
	"strings"
)

// Challenge is the result of inspecting a WWW-Authenticate header. When
// IsWebauthz is false the remaining fields other than Raw are empty.
type Challenge struct {
	IsWebauthz   bool
	Raw          string
	Realm        string
	Scope        string
	Path         string
	DiscoveryURI string
}

var challengeSchemes = []string{"webauthz ", "bearer "}

// ParseChallenge extracts a webauthz challenge from response headers. A
// challenge without a discovery URI is not usable and is reported as not
// webauthz.
func ParseChallenge(h http.Header) Challenge {
	raw := h.Get("WWW-Authenticate")
	if raw == "" {
		return Challenge{}
	}

	var params string
	lower := strings.ToLower(raw)
	matched := false
	for _, scheme := range challengeSchemes {
		if strings.HasPrefix(lower, scheme) {
			params = raw[len(scheme):]
			matched = true
			break
		}
	}
	if !matched {
		return Challenge{Raw: raw}
	}

	values := parseParams(params)
	discovery := values["webauthz_discovery_uri"]
	if discovery == "" {
		return Challenge{Raw: raw}
	}

	return Challenge{
		IsWebauthz:   true,
		Raw:          raw,
		Realm:        values["realm"],
		Scope:        values["scope"],
		Path:         values["path"],
		DiscoveryURI: discovery,
	}
}

// parseParams splits `k1="v1", k2=v2` into a map. Each pair is split on its
// first '=' so values may contain '='.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ", ") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		out[key] = value
	}
	return out
}
