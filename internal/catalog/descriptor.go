package catalog

import (
	"fmt"
	"strings"

	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
)

// Auth is the authentication variant of a descriptor. It is decided once
// when the descriptor loads: exactly one of the concrete types below.
type Auth interface {
	authVariant()
}

// NoAuth marks an API that takes no credentials.
type NoAuth struct{}

// StaticKey appends the caller's API key as a query parameter.
type StaticKey struct {
	Param string
}

// Signature appends a digest of key+secret+timestamp as a query parameter.
type Signature struct {
	Type     string // signed_md5 or signed_sha256
	Digest   string // hex or base64
	SigParam string
	KeyParam string
}

// OAuth1 configures a two-legged or three-legged OAuth 1.0 or 1.0a API.
// KeyParam, when set, carries the caller's key on unauthenticated calls.
type OAuth1 struct {
	Version    string
	Type       string // three-legged or two-legged
	RequestURL string
	AccessURL  string
	SigninURL  string
	Crypt      string
	KeyParam   string
}

// OAuth2 configures one of the OAuth2 grant flows.
type OAuth2 struct {
	Type                string // authorization-code, implicit, client_credentials
	BaseSite            string
	AuthorizeURL        string
	AccessTokenURL      string
	TokenName           string
	AuthorizationHeader string
	KeyParam            string
}

func (NoAuth) authVariant()    {}
func (StaticKey) authVariant() {}
func (Signature) authVariant() {}
func (OAuth1) authVariant()    {}
func (OAuth2) authVariant()    {}

const (
	OAuth1ThreeLegged = "three-legged"
	OAuth1TwoLegged   = "two-legged"

	OAuth2AuthorizationCode = "authorization-code"
	OAuth2Implicit          = "implicit"
	OAuth2ClientCredentials = "client_credentials"

	SignedMD5    = "signed_md5"
	SignedSHA256 = "signed_sha256"
)

// ConfirmsCallback reports whether the provider speaks OAuth 1.0a and so
// must confirm the callback when issuing a request token. Plain 1.0
// providers never send oauth_callback_confirmed.
func (o OAuth1) ConfirmsCallback() bool {
	return !strings.EqualFold(strings.TrimSpace(o.Version), "1.0")
}

// HeaderMode reports whether the access token travels in an
// Authorization: Bearer header rather than the query string.
func (o OAuth2) HeaderMode() bool {
	return o.AuthorizationHeader == "Y"
}

// AccessTokenName is the query parameter carrying the token on signed
// requests.
func (o OAuth2) AccessTokenName() string {
	if o.TokenName != "" {
		return o.TokenName
	}
	return "access_token"
}

// Descriptor is the immutable description of one upstream API.
type Descriptor struct {
	Name         string
	Title        string
	Protocol     string
	BaseURL      string
	PublicPath   string
	PrivatePath  string
	Headers      map[string]string
	EnableCookie bool
	Href         string
	Auth         Auth
}

// Scheme returns the declared protocol, defaulting to http.
func (d *Descriptor) Scheme() string {
	p := strings.TrimSuffix(strings.ToLower(d.Protocol), ":")
	if p == "" {
		return "http"
	}
	return p
}

// Validate reports descriptor fields the broker needs but the catalog
// lacks. It is checked per call so one bad entry never stops the process.
func (d *Descriptor) Validate() error {
	if d.BaseURL == "" {
		return fmt.Errorf("%w: %s: baseURL is required", apierrors.ErrConfiguration, d.Name)
	}

	switch a := d.Auth.(type) {
	case OAuth1:
		switch a.Type {
		case OAuth1ThreeLegged:
			if a.RequestURL == "" || a.AccessURL == "" || a.SigninURL == "" {
				return fmt.Errorf("%w: %s: three-legged oauth needs requestURL, accessURL and signinURL", apierrors.ErrConfiguration, d.Name)
			}
		case OAuth1TwoLegged:
		default:
			return fmt.Errorf("%w: %s: unknown oauth type %q", apierrors.ErrConfiguration, d.Name, a.Type)
		}
	case OAuth2:
		if a.BaseSite == "" || a.AccessTokenURL == "" {
			return fmt.Errorf("%w: %s: oauth2 needs baseSite and accessTokenURL", apierrors.ErrConfiguration, d.Name)
		}
		switch a.Type {
		case OAuth2AuthorizationCode:
			if a.AuthorizeURL == "" {
				return fmt.Errorf("%w: %s: authorization-code needs authorizeURL", apierrors.ErrConfiguration, d.Name)
			}
		case OAuth2Implicit, OAuth2ClientCredentials:
		default:
			return fmt.Errorf("%w: %s: unknown oauth2 type %q", apierrors.ErrConfiguration, d.Name, a.Type)
		}
	case Signature:
		if a.Type != SignedMD5 && a.Type != SignedSHA256 {
			return fmt.Errorf("%w: %s: unknown signature type %q", apierrors.ErrConfiguration, d.Name, a.Type)
		}
		if a.SigParam == "" {
			return fmt.Errorf("%w: %s: signature needs sigParam", apierrors.ErrConfiguration, d.Name)
		}
	}

	return nil
}

// rawDescriptor is the on-disk form of a catalog entry.
type rawDescriptor struct {
	Name         string            `json:"name" yaml:"name"`
	Protocol     string            `json:"protocol" yaml:"protocol"`
	BaseURL      string            `json:"baseURL" yaml:"baseURL"`
	PublicPath   string            `json:"publicPath" yaml:"publicPath"`
	PrivatePath  string            `json:"privatePath" yaml:"privatePath"`
	KeyParam     string            `json:"keyParam" yaml:"keyParam"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
	EnableCookie bool              `json:"enableCookie" yaml:"enableCookie"`
	Href         string            `json:"href" yaml:"href"`

	Signature *struct {
		Type     string `json:"type" yaml:"type"`
		Digest   string `json:"digest" yaml:"digest"`
		SigParam string `json:"sigParam" yaml:"sigParam"`
	} `json:"signature" yaml:"signature"`

	OAuth *struct {
		Version    string `json:"version" yaml:"version"`
		Type       string `json:"type" yaml:"type"`
		RequestURL string `json:"requestURL" yaml:"requestURL"`
		AccessURL  string `json:"accessURL" yaml:"accessURL"`
		SigninURL  string `json:"signinURL" yaml:"signinURL"`
		Crypt      string `json:"crypt" yaml:"crypt"`
	} `json:"oauth" yaml:"oauth"`

	OAuth2 *struct {
		Type                string `json:"type" yaml:"type"`
		BaseSite            string `json:"baseSite" yaml:"baseSite"`
		AuthorizeURL        string `json:"authorizeURL" yaml:"authorizeURL"`
		AccessTokenURL      string `json:"accessTokenURL" yaml:"accessTokenURL"`
		TokenName           string `json:"tokenName" yaml:"tokenName"`
		AuthorizationHeader string `json:"authorizationHeader" yaml:"authorizationHeader"`
	} `json:"oauth2" yaml:"oauth2"`
}

// bothOAuth reports whether the entry declares oauth and oauth2 blocks.
func (r *rawDescriptor) bothOAuth() bool {
	return r.OAuth != nil && r.OAuth2 != nil
}

// descriptor converts the raw entry. OAuth1 beats OAuth2 when both are
// declared; oauth blocks beat signature and key settings.
func (r *rawDescriptor) descriptor(name string) *Descriptor {
	d := &Descriptor{
		Name:         name,
		Title:        r.Name,
		Protocol:     r.Protocol,
		BaseURL:      r.BaseURL,
		PublicPath:   r.PublicPath,
		PrivatePath:  r.PrivatePath,
		Headers:      r.Headers,
		EnableCookie: r.EnableCookie,
		Href:         r.Href,
	}
	if d.Headers == nil {
		d.Headers = map[string]string{}
	}

	switch {
	case r.OAuth != nil:
		d.Auth = OAuth1{
			Version:    r.OAuth.Version,
			Type:       r.OAuth.Type,
			RequestURL: r.OAuth.RequestURL,
			AccessURL:  r.OAuth.AccessURL,
			SigninURL:  r.OAuth.SigninURL,
			Crypt:      r.OAuth.Crypt,
			KeyParam:   r.KeyParam,
		}
	case r.OAuth2 != nil:
		typ := r.OAuth2.Type
		if typ == "client-credentials" {
			typ = OAuth2ClientCredentials
		}
		d.Auth = OAuth2{
			Type:                typ,
			BaseSite:            r.OAuth2.BaseSite,
			AuthorizeURL:        r.OAuth2.AuthorizeURL,
			AccessTokenURL:      r.OAuth2.AccessTokenURL,
			TokenName:           r.OAuth2.TokenName,
			AuthorizationHeader: r.OAuth2.AuthorizationHeader,
			KeyParam:            r.KeyParam,
		}
	case r.Signature != nil:
		digest := r.Signature.Digest
		if digest == "" {
			digest = "hex"
		}
		d.Auth = Signature{
			Type:     r.Signature.Type,
			Digest:   digest,
			SigParam: r.Signature.SigParam,
			KeyParam: r.KeyParam,
		}
	case r.KeyParam != "":
		d.Auth = StaticKey{Param: r.KeyParam}
	default:
		d.Auth = NoAuth{}
	}

	return d
}
