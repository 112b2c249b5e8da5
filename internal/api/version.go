// Package api provides the HTTP handlers for the LoginShield relying party.
package api

// APIVersion represents the current API version supported by this server.
// This allows frontends to auto-detect capabilities.
const (
	// APIVersion1 is the original API version.
	APIVersion1 = 1

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion1
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"loginshield-login",
		"password-login",
		"webauthz",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
}
