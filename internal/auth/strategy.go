// Package auth decides how a proxied call authenticates and gates the
// service behind optional HTTP basic auth.
package auth

import (
	"github.com/alexjbarnes/apibroker/internal/catalog"
)

// Kind identifies the authentication variant applied to a call.
type Kind string

const (
	Unsecured               Kind = "unsecured"
	StaticKey               Kind = "static-key"
	Signature               Kind = "signature"
	OAuth1ThreeLegged       Kind = "oauth1-three-legged"
	OAuth1TwoLegged         Kind = "oauth1-two-legged"
	OAuth2AuthorizationCode Kind = "oauth2-authorization-code"
	OAuth2Implicit          Kind = "oauth2-implicit"
	OAuth2ClientCredentials Kind = "oauth2-client-credentials"
)

// AuthRequired is the flag value a caller sends when the method needs a
// delegated credential.
const AuthRequired = "authrequired"

// Flags are the per-request security markers sent by the caller.
type Flags struct {
	OAuth  string
	OAuth2 string
}

// DemandsAuth reports whether either flag asks for authentication.
func (f Flags) DemandsAuth() bool {
	return f.OAuth == AuthRequired || f.OAuth2 == AuthRequired
}

// Strategy is the outcome of resolving a descriptor against a request.
// Negotiate means a handshake has to run before the call can be signed.
type Strategy struct {
	Kind      Kind
	Negotiate bool
}

// Secured reports whether the call goes out through a negotiated
// credential rather than the plain call path.
func (s Strategy) Secured() bool {
	switch s.Kind {
	case Unsecured, StaticKey, Signature:
		return false
	}
	return true
}

// Resolve picks the strategy for a call. It does no I/O. authed is the
// session's gate state for the descriptor's API.
func Resolve(d *catalog.Descriptor, flags Flags, authed bool) Strategy {
	demand := flags.DemandsAuth()

	switch a := d.Auth.(type) {
	case catalog.StaticKey:
		return Strategy{Kind: StaticKey}

	case catalog.Signature:
		return Strategy{Kind: Signature}

	case catalog.OAuth1:
		switch a.Type {
		case catalog.OAuth1ThreeLegged:
			if demand && !authed {
				return Strategy{Kind: OAuth1ThreeLegged, Negotiate: true}
			}
			if demand || authed {
				return Strategy{Kind: OAuth1ThreeLegged}
			}
		case catalog.OAuth1TwoLegged:
			if demand {
				return Strategy{Kind: OAuth1TwoLegged}
			}
		}

	case catalog.OAuth2:
		if !demand && !authed {
			break
		}
		kind, ok := oauth2Kinds[a.Type]
		if !ok {
			break
		}
		return Strategy{Kind: kind, Negotiate: !authed}
	}

	return Strategy{Kind: Unsecured}
}

var oauth2Kinds = map[string]Kind{
	catalog.OAuth2AuthorizationCode: OAuth2AuthorizationCode,
	catalog.OAuth2Implicit:          OAuth2Implicit,
	catalog.OAuth2ClientCredentials: OAuth2ClientCredentials,
}
