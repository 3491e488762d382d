package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/apibroker/internal/catalog"
	"github.com/alexjbarnes/apibroker/internal/credential"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/alexjbarnes/apibroker/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	oauth2CallbackPath = "/oauth2Success/"

	// tokenBodyLimit caps token endpoint responses.
	tokenBodyLimit = 1 << 20
)

// OAuth2 drives the authorization-code, implicit and client-credentials
// grants and authenticates requests with the issued token.
type OAuth2 struct {
	creds  *credential.Store
	client *http.Client
	logger *slog.Logger
}

// NewOAuth2 creates an OAuth2 negotiator using client for token requests.
func NewOAuth2(creds *credential.Store, client *http.Client, logger *slog.Logger) *OAuth2 {
	return &OAuth2{creds: creds, client: client, logger: logger}
}

func (o *OAuth2) config(cfg catalog.OAuth2, key, secret, redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     key,
		ClientSecret: secret,
		RedirectURL:  redirect,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.BaseSite + cfg.AuthorizeURL,
			TokenURL:  cfg.BaseSite + cfg.AccessTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Start begins the descriptor's grant. Authorization-code and implicit
// return a URL for the user; client-credentials fetches the token
// immediately and marks the session authed. A non-empty state is sent
// with the authorization-code request and returned on its redirect.
func (o *OAuth2) Start(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth2, sess Session, key, secret, referer, state string) (*Negotiation, error) {
	callback, err := callbackURL(referer, oauth2CallbackPath, d.Name)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case catalog.OAuth2AuthorizationCode:
		signin := o.config(cfg, key, secret, callback).AuthCodeURL(state)
		rec := models.OAuth2Record{APIKey: key, APISecret: secret, BaseURL: callback}
		if err := o.creds.SaveOAuth2Start(ctx, sess.ID(), d.Name, rec); err != nil {
			return nil, fmt.Errorf("saving oauth2 start: %w", err)
		}
		o.logger.Info("oauth2 authorization started", slog.String("api", d.Name))
		return &Negotiation{Signin: signin}, nil

	case catalog.OAuth2Implicit:
		// The token endpoint doubles as the authorize URL for implicit
		// providers.
		c := o.config(cfg, key, secret, callback)
		c.Endpoint.AuthURL = c.Endpoint.TokenURL
		implicit := c.AuthCodeURL("", oauth2.SetAuthURLParam("response_type", "token"))

		rec := models.OAuth2Record{APIKey: key, APISecret: secret, BaseURL: referer}
		if err := o.creds.SaveOAuth2Start(ctx, sess.ID(), d.Name, rec); err != nil {
			return nil, fmt.Errorf("saving oauth2 start: %w", err)
		}
		o.logger.Info("oauth2 implicit started", slog.String("api", d.Name))
		return &Negotiation{Implicit: implicit}, nil

	case catalog.OAuth2ClientCredentials:
		rec := models.OAuth2Record{APIKey: key, APISecret: secret, BaseURL: referer}
		if err := o.creds.SaveOAuth2Start(ctx, sess.ID(), d.Name, rec); err != nil {
			return nil, fmt.Errorf("saving oauth2 start: %w", err)
		}

		access, refresh, err := o.clientCredentialsToken(ctx, cfg, key, secret)
		if err != nil {
			o.logger.Warn("oauth2 client credentials failed",
				slog.String("api", d.Name),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		if err := o.creds.SaveOAuth2Tokens(ctx, sess.ID(), d.Name, access, refresh, true); err != nil {
			return nil, fmt.Errorf("saving oauth2 tokens: %w", err)
		}
		if err := sess.MarkAuthed(ctx, d.Name); err != nil {
			return nil, fmt.Errorf("marking session authed: %w", err)
		}
		o.logger.Info("oauth2 client credentials issued", slog.String("api", d.Name))
		return &Negotiation{Refresh: callback}, nil
	}

	return nil, fmt.Errorf("%w: %s: unknown oauth2 type %q", apierrors.ErrConfiguration, d.Name, cfg.Type)
}

// clientCredentialsToken performs the client_credentials token request.
// In header mode the request is a POST with HTTP Basic credentials and
// the grant in the body; otherwise it is a GET with the grant in the
// query string.
func (o *OAuth2) clientCredentialsToken(ctx context.Context, cfg catalog.OAuth2, key, secret string) (string, string, error) {
	tokenURL := cfg.BaseSite + cfg.AccessTokenURL
	grant := "grant_type=client_credentials&client_id=" + url.QueryEscape(key) +
		"&client_secret=" + url.QueryEscape(secret)

	var (
		req *http.Request
		err error
	)
	if cfg.HeaderMode() {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(grant))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(key, secret)
		}
	} else {
		sep := "?"
		if strings.Contains(tokenURL, "?") {
			sep = "&"
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, tokenURL+sep+grant, nil)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: building token request: %v", apierrors.ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", "", negotiationError("getting OAuth access token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, tokenBodyLimit))
	if err != nil {
		return "", "", negotiationError("reading OAuth access token", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &apierrors.HTTPError{
			Status:   http.StatusInternalServerError,
			Upstream: resp.StatusCode,
			Err:      fmt.Errorf("%w: token endpoint returned %d", apierrors.ErrNegotiation, resp.StatusCode),
		}
	}

	access, refresh := parseTokenResponse(body)
	if access == "" {
		return "", "", negotiationError("getting OAuth access token", fmt.Errorf("response has no access_token"))
	}
	return access, refresh, nil
}

// parseTokenResponse reads a JSON token response, falling back to form
// encoding for providers that answer that way.
func parseTokenResponse(body []byte) (access, refresh string) {
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		return r.Get("access_token").String(), r.Get("refresh_token").String()
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return "", ""
	}
	return vals.Get("access_token"), vals.Get("refresh_token")
}

// Complete handles the provider redirect back to the broker.
func (o *OAuth2) Complete(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth2, sess Session, code string) error {
	rec := o.creds.LoadOAuth2(ctx, sess.ID(), d.Name)

	switch cfg.Type {
	case catalog.OAuth2ClientCredentials:
		if rec.HasAccess() {
			return sess.MarkAuthed(ctx, d.Name)
		}
		return nil

	case catalog.OAuth2Implicit:
		// The token arrives later on a proxied call.
		return nil

	case catalog.OAuth2AuthorizationCode:
		if rec.APIKey == "" && rec.BaseURL == "" {
			return negotiationError("completing OAuth2", fmt.Errorf("no pending authorization for %s", d.Name))
		}
		if code == "" {
			return fmt.Errorf("%w: missing code", apierrors.ErrBadRequest)
		}

		exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, o.client)
		tok, err := o.config(cfg, rec.APIKey, rec.APISecret, rec.BaseURL).Exchange(exchangeCtx, code)
		if err != nil {
			o.logger.Warn("oauth2 code exchange failed",
				slog.String("api", d.Name),
				slog.String("error", err.Error()),
			)
			return exchangeError(err)
		}

		if err := o.creds.SaveOAuth2Tokens(ctx, sess.ID(), d.Name, tok.AccessToken, tok.RefreshToken, false); err != nil {
			return fmt.Errorf("saving oauth2 tokens: %w", err)
		}
		if err := sess.MarkAuthed(ctx, d.Name); err != nil {
			return fmt.Errorf("marking session authed: %w", err)
		}
		o.logger.Info("oauth2 authorization completed", slog.String("api", d.Name))
		return nil
	}

	return fmt.Errorf("%w: %s: unknown oauth2 type %q", apierrors.ErrConfiguration, d.Name, cfg.Type)
}

// SaveImplicitToken persists a token the caller obtained from an
// implicit redirect and marks the session authed.
func (o *OAuth2) SaveImplicitToken(ctx context.Context, d *catalog.Descriptor, sess Session, token string) error {
	if err := o.creds.SaveOAuth2Tokens(ctx, sess.ID(), d.Name, token, "", false); err != nil {
		return fmt.Errorf("saving implicit token: %w", err)
	}
	return sess.MarkAuthed(ctx, d.Name)
}

// Client returns an HTTP client carrying the session's access token,
// either as a bearer header or as the descriptor's token query parameter.
func (o *OAuth2) Client(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth2, sess Session) (*http.Client, error) {
	rec := o.creds.LoadOAuth2(ctx, sess.ID(), d.Name)
	if !rec.HasAccess() {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrNotAuthorized, d.Name)
	}

	if cfg.HeaderMode() {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rec.AccessToken, TokenType: "Bearer"})
		client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, o.client), src)
		client.Timeout = o.client.Timeout
		client.CheckRedirect = o.client.CheckRedirect
		return client, nil
	}

	return &http.Client{
		Timeout:       o.client.Timeout,
		CheckRedirect: o.client.CheckRedirect,
		Transport: &tokenParamTransport{
			base:  o.client.Transport,
			name:  cfg.AccessTokenName(),
			token: rec.AccessToken,
		},
	}, nil
}

// tokenParamTransport adds the access token as a query parameter.
type tokenParamTransport struct {
	base  http.RoundTripper
	name  string
	token string
}

func (t *tokenParamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	q := r.URL.Query()
	q.Set(t.name, t.token)
	r.URL.RawQuery = q.Encode()

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

func exchangeError(err error) error {
	he := &apierrors.HTTPError{
		Status: http.StatusInternalServerError,
		Err:    fmt.Errorf("%w: getting OAuth access token: %v", apierrors.ErrNegotiation, err),
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		he.Upstream = re.Response.StatusCode
	}
	return he
}
