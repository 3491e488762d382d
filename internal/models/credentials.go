// Package models defines types shared across internal packages.
package models

// OAuth1Record is the persisted state of an OAuth1 negotiation for one
// session and API.
type OAuth1Record struct {
	APIKey             string `json:"api_key"`
	APISecret          string `json:"api_secret"`
	RequestToken       string `json:"request_token"`
	RequestTokenSecret string `json:"request_token_secret"`
	AccessToken        string `json:"access_token"`
	AccessTokenSecret  string `json:"access_token_secret"`
}

// HasAccess reports whether both halves of the access credential exist.
func (r OAuth1Record) HasAccess() bool {
	return r.AccessToken != "" && r.AccessTokenSecret != ""
}

// OAuth2Record is the persisted state of an OAuth2 negotiation for one
// session and API. BaseURL is the redirect URI (authorization-code) or
// the caller's referer (implicit, client-credentials).
type OAuth2Record struct {
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	BaseURL      string `json:"base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HasAccess reports whether an access token exists.
func (r OAuth2Record) HasAccess() bool {
	return r.AccessToken != ""
}

// SessionState is the persisted per-session gate: which APIs completed a
// negotiation in this session.
type SessionState struct {
	Authed map[string]bool `json:"authed"`
}
