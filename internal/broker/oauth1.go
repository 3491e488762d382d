package broker

import (
	"context"
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
	"github.com/dghubble/oauth1"
)

const oauth1CallbackPath = "/authSuccess/"

// OAuth1 drives the three-legged handshake and signs OAuth1 requests.
type OAuth1 struct {
	creds  *credential.Store
	client *http.Client
	logger *slog.Logger
}

// NewOAuth1 creates an OAuth1 negotiator. client is the base upstream
// client the signing transport wraps.
func NewOAuth1(creds *credential.Store, client *http.Client, logger *slog.Logger) *OAuth1 {
	return &OAuth1{creds: creds, client: client, logger: logger}
}

func (o *OAuth1) config(ctx context.Context, cfg catalog.OAuth1, key, secret, callback string) *oauth1.Config {
	return &oauth1.Config{
		ConsumerKey:    key,
		ConsumerSecret: secret,
		CallbackURL:    callback,
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: cfg.RequestURL,
			AccessTokenURL:  cfg.AccessURL,
		},
		Signer:     signerFor(cfg.Crypt, secret),
		HTTPClient: o.handshakeClient(ctx, o.client.Transport),
	}
}

// handshakeClient is the upstream client bound to ctx. The oauth1
// package issues token requests without a context of its own.
func (o *OAuth1) handshakeClient(ctx context.Context, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport:     &contextTransport{ctx: ctx, base: base},
		Timeout:       o.client.Timeout,
		CheckRedirect: o.client.CheckRedirect,
	}
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// unconfirmedTransport marks request token responses from OAuth 1.0
// providers as callback-confirmed. Those providers predate
// oauth_callback_confirmed, which the oauth1 package insists on.
type unconfirmedTransport struct {
	base http.RoundTripper
}

func (t *unconfirmedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated) {
		return resp, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, tokenBodyLimit))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(body))
	if vals, err := url.ParseQuery(text); err == nil && vals.Get("oauth_callback_confirmed") == "" {
		text += "&oauth_callback_confirmed=true"
	}
	resp.Body = io.NopCloser(strings.NewReader(text))
	resp.ContentLength = int64(len(text))
	resp.Header.Del("Content-Length")
	return resp, nil
}

// signerFor maps the descriptor's crypt setting onto a signer.
// HMAC-SHA1 is the default.
func signerFor(crypt, consumerSecret string) oauth1.Signer {
	switch strings.ToUpper(crypt) {
	case "HMAC-SHA256":
		return &oauth1.HMAC256Signer{ConsumerSecret: consumerSecret}
	case "PLAINTEXT":
		return plaintextSigner{consumerSecret: consumerSecret}
	default:
		return &oauth1.HMACSigner{ConsumerSecret: consumerSecret}
	}
}

// plaintextSigner implements the PLAINTEXT signature method: the signing
// key itself, sent over TLS.
type plaintextSigner struct {
	consumerSecret string
}

func (plaintextSigner) Name() string { return "PLAINTEXT" }

func (s plaintextSigner) Sign(tokenSecret, _ string) (string, error) {
	return s.consumerSecret + "&" + tokenSecret, nil
}

// Start obtains a request token and returns the sign-in URL the user
// visits. The consumer credentials and request token pair are persisted
// for the callback. A non-empty state rides on the callback URL so the
// redirect can be matched to sess without its cookie.
func (o *OAuth1) Start(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth1, sess Session, key, secret, referer, state string) (string, error) {
	callback, err := callbackURL(referer, oauth1CallbackPath, d.Name)
	if err != nil {
		return "", err
	}
	if state != "" {
		callback += "?state=" + url.QueryEscape(state)
	}

	c := o.config(ctx, cfg, key, secret, callback)
	if !cfg.ConfirmsCallback() {
		c.HTTPClient.Transport = &unconfirmedTransport{base: c.HTTPClient.Transport}
	}
	token, tokenSecret, err := c.RequestToken()
	if err != nil {
		o.logger.Warn("oauth1 request token failed",
			slog.String("api", d.Name),
			slog.String("error", err.Error()),
		)
		return "", negotiationError("getting OAuth request token", err)
	}

	rec := models.OAuth1Record{
		APIKey:             key,
		APISecret:          secret,
		RequestToken:       token,
		RequestTokenSecret: tokenSecret,
	}
	if err := o.creds.SaveOAuth1Request(ctx, sess.ID(), d.Name, rec); err != nil {
		return "", fmt.Errorf("saving request token: %w", err)
	}

	o.logger.Info("oauth1 negotiation started", slog.String("api", d.Name))
	return cfg.SigninURL + token, nil
}

// Complete exchanges the verifier for an access token, persists it and
// only then marks the session authed.
func (o *OAuth1) Complete(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth1, sess Session, verifier string) error {
	rec := o.creds.LoadOAuth1(ctx, sess.ID(), d.Name)
	if rec.RequestToken == "" {
		return negotiationError("completing OAuth", fmt.Errorf("no pending request token for %s", d.Name))
	}

	token, tokenSecret, err := o.config(ctx, cfg, rec.APIKey, rec.APISecret, "").
		AccessToken(rec.RequestToken, rec.RequestTokenSecret, verifier)
	if err != nil {
		o.logger.Warn("oauth1 access token failed",
			slog.String("api", d.Name),
			slog.String("error", err.Error()),
		)
		return negotiationError("getting OAuth access token", err)
	}

	if err := o.creds.SaveOAuth1Access(ctx, sess.ID(), d.Name, token, tokenSecret); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	if err := sess.MarkAuthed(ctx, d.Name); err != nil {
		return fmt.Errorf("marking session authed: %w", err)
	}

	o.logger.Info("oauth1 negotiation completed", slog.String("api", d.Name))
	return nil
}

// Client returns an HTTP client signing requests with the session's
// access token. Caller-supplied consumer credentials override the stored
// ones.
func (o *OAuth1) Client(ctx context.Context, d *catalog.Descriptor, cfg catalog.OAuth1, sess Session, key, secret string) (*http.Client, error) {
	rec := o.creds.LoadOAuth1(ctx, sess.ID(), d.Name)
	if !rec.HasAccess() {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrNotAuthorized, d.Name)
	}
	if key == "" {
		key = rec.APIKey
	}
	if secret == "" {
		secret = rec.APISecret
	}
	return o.signingClient(ctx, o.config(ctx, cfg, key, secret, ""), oauth1.NewToken(rec.AccessToken, rec.AccessTokenSecret)), nil
}

// TwoLeggedClient signs every request with the consumer credentials and
// no token.
func (o *OAuth1) TwoLeggedClient(ctx context.Context, cfg catalog.OAuth1, key, secret string) *http.Client {
	return o.signingClient(ctx, o.config(ctx, cfg, key, secret, ""), oauth1.NewToken("", ""))
}

func (o *OAuth1) signingClient(ctx context.Context, cfg *oauth1.Config, token *oauth1.Token) *http.Client {
	client := cfg.Client(context.WithValue(ctx, oauth1.HTTPClient, o.client), token)
	client.Timeout = o.client.Timeout
	client.CheckRedirect = o.client.CheckRedirect
	return client
}
