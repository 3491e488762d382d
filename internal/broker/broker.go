// Package broker negotiates delegated credentials and forwards caller
// requests upstream with the right authentication applied.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/catalog"
	"github.com/alexjbarnes/apibroker/internal/credential"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/alexjbarnes/apibroker/internal/proxy"
	"github.com/google/uuid"
)

// Session is the caller's session as seen by the broker. The session
// layer owns it; the broker only reads and sets the gate.
type Session interface {
	ID() string
	Authed(api string) bool
	MarkAuthed(ctx context.Context, api string) error
}

// Catalog resolves API names to descriptors.
type Catalog interface {
	Descriptor(name string) (*catalog.Descriptor, error)
}

// Negotiation is the answer to a negotiation start. At most one URL is
// set; none when nothing had to be negotiated.
type Negotiation struct {
	Signin   string `json:"signin,omitempty"`
	Implicit string `json:"implicit,omitempty"`
	Refresh  string `json:"refresh,omitempty"`
	Authed   bool   `json:"authed,omitempty"`
}

// Request is one inbound call or negotiation request.
type Request struct {
	API          string
	MethodURI    string
	HTTPMethod   string
	Params       map[string]string
	Locations    map[string]string
	Content      string
	ContentType  string
	HeaderNames  []string
	HeaderValues []string
	APIKey       string
	APISecret    string
	Flags        auth.Flags

	// AccessToken is an implicit-grant token handed back by the caller.
	AccessToken string

	Referer string
	Cookie  string

	// BindCallback ties the provider callback to this session through a
	// state token, for callers whose browser does not carry the session
	// cookie.
	BindCallback bool
}

// Outcome is the result of Process: either a negotiation the caller must
// finish first, or the upstream response.
type Outcome struct {
	Negotiation *Negotiation
	Result      *proxy.Result
}

// Broker ties the catalog, credential store, negotiators and proxy
// together.
type Broker struct {
	catalog Catalog
	creds   *credential.Store
	proxy   *proxy.Proxy
	oauth1  *OAuth1
	oauth2  *OAuth2
	logger  *slog.Logger
}

// New creates a Broker. Negotiators share the proxy's upstream client.
func New(cat Catalog, creds *credential.Store, px *proxy.Proxy, logger *slog.Logger) *Broker {
	return &Broker{
		catalog: cat,
		creds:   creds,
		proxy:   px,
		oauth1:  NewOAuth1(creds, px.Client(), logger),
		oauth2:  NewOAuth2(creds, px.Client(), logger),
		logger:  logger,
	}
}

func (b *Broker) descriptor(name string) (*catalog.Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: apiName is required", apierrors.ErrBadRequest)
	}
	d, err := b.catalog.Descriptor(name)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Process resolves the strategy for req and either starts the required
// negotiation or forwards the call.
func (b *Broker) Process(ctx context.Context, sess Session, req *Request) (*Outcome, error) {
	d, err := b.descriptor(req.API)
	if err != nil {
		return nil, err
	}

	if o2, ok := d.Auth.(catalog.OAuth2); ok && req.AccessToken != "" && o2.Type == catalog.OAuth2Implicit {
		if err := b.oauth2.SaveImplicitToken(ctx, d, sess, req.AccessToken); err != nil {
			return nil, err
		}
	}

	strategy := auth.Resolve(d, req.Flags, sess.Authed(d.Name))
	b.logger.Debug("strategy resolved",
		slog.String("api", d.Name),
		slog.String("kind", string(strategy.Kind)),
		slog.Bool("negotiate", strategy.Negotiate),
	)

	if strategy.Negotiate {
		n, err := b.negotiate(ctx, d, sess, req, strategy)
		if err != nil {
			return nil, err
		}
		if strategy.Kind != auth.OAuth2ClientCredentials {
			return &Outcome{Negotiation: n}, nil
		}
		// The client-credentials token is already in place.
		strategy.Negotiate = false
	}

	res, err := b.call(ctx, d, sess, req, strategy)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res}, nil
}

func (b *Broker) negotiate(ctx context.Context, d *catalog.Descriptor, sess Session, req *Request, s auth.Strategy) (*Negotiation, error) {
	state, err := b.callbackState(ctx, d, sess, req)
	if err != nil {
		return nil, err
	}

	switch a := d.Auth.(type) {
	case catalog.OAuth1:
		signin, err := b.oauth1.Start(ctx, d, a, sess, req.APIKey, req.APISecret, req.Referer, state)
		if err != nil {
			return nil, err
		}
		return &Negotiation{Signin: signin}, nil
	case catalog.OAuth2:
		return b.oauth2.Start(ctx, d, a, sess, req.APIKey, req.APISecret, req.Referer, state)
	}
	return nil, fmt.Errorf("%w: %s cannot negotiate %s", apierrors.ErrConfiguration, d.Name, s.Kind)
}

func (b *Broker) call(ctx context.Context, d *catalog.Descriptor, sess Session, req *Request, s auth.Strategy) (*proxy.Result, error) {
	c := &proxy.Call{
		Descriptor:   d,
		Method:       req.HTTPMethod,
		Path:         req.MethodURI,
		Params:       req.Params,
		Locations:    req.Locations,
		HeaderNames:  req.HeaderNames,
		HeaderValues: req.HeaderValues,
		Body:         req.Content,
		ContentType:  req.ContentType,
		APIKey:       req.APIKey,
		APISecret:    req.APISecret,
		Cookie:       req.Cookie,
	}

	if !s.Secured() {
		return b.proxy.Execute(ctx, c)
	}

	var (
		client *http.Client
		err    error
	)
	switch a := d.Auth.(type) {
	case catalog.OAuth1:
		if s.Kind == auth.OAuth1TwoLegged {
			client = b.oauth1.TwoLeggedClient(ctx, a, req.APIKey, req.APISecret)
		} else {
			c.Private = true
			client, err = b.oauth1.Client(ctx, d, a, sess, req.APIKey, req.APISecret)
		}
	case catalog.OAuth2:
		c.Private = true
		client, err = b.oauth2.Client(ctx, d, a, sess)
	default:
		err = fmt.Errorf("%w: %s has no credential for %s", apierrors.ErrConfiguration, d.Name, s.Kind)
	}
	if err != nil {
		return nil, err
	}

	return b.proxy.ExecuteSigned(ctx, client, c, nil)
}

// AuthorizeOAuth1 starts a three-legged negotiation when the request
// demands auth and the session is not yet authed.
func (b *Broker) AuthorizeOAuth1(ctx context.Context, sess Session, req *Request) (*Negotiation, error) {
	d, err := b.descriptor(req.API)
	if err != nil {
		return nil, err
	}
	a, ok := d.Auth.(catalog.OAuth1)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not use oauth", apierrors.ErrBadRequest, d.Name)
	}

	s := auth.Resolve(d, req.Flags, sess.Authed(d.Name))
	if s.Kind != auth.OAuth1ThreeLegged || !s.Negotiate {
		return &Negotiation{Authed: sess.Authed(d.Name)}, nil
	}

	state, err := b.callbackState(ctx, d, sess, req)
	if err != nil {
		return nil, err
	}
	signin, err := b.oauth1.Start(ctx, d, a, sess, req.APIKey, req.APISecret, req.Referer, state)
	if err != nil {
		return nil, err
	}
	return &Negotiation{Signin: signin}, nil
}

// AuthorizeOAuth2 starts the descriptor's OAuth2 grant unconditionally.
func (b *Broker) AuthorizeOAuth2(ctx context.Context, sess Session, req *Request) (*Negotiation, error) {
	d, err := b.descriptor(req.API)
	if err != nil {
		return nil, err
	}
	a, ok := d.Auth.(catalog.OAuth2)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not use oauth2", apierrors.ErrBadRequest, d.Name)
	}
	state, err := b.callbackState(ctx, d, sess, req)
	if err != nil {
		return nil, err
	}
	return b.oauth2.Start(ctx, d, a, sess, req.APIKey, req.APISecret, req.Referer, state)
}

// callbackState issues a single-use state token bound to sess when the
// request asks for it. Only grants that redirect back with a verifier or
// code need one.
func (b *Broker) callbackState(ctx context.Context, d *catalog.Descriptor, sess Session, req *Request) (string, error) {
	if !req.BindCallback {
		return "", nil
	}
	switch a := d.Auth.(type) {
	case catalog.OAuth1:
	case catalog.OAuth2:
		if a.Type != catalog.OAuth2AuthorizationCode {
			return "", nil
		}
	default:
		return "", nil
	}

	state := uuid.NewString()
	if err := b.creds.SaveCallback(ctx, d.Name, state, sess.ID()); err != nil {
		return "", fmt.Errorf("saving callback state: %w", err)
	}
	return state, nil
}

// CallbackSession returns the session ID a provider redirect belongs to
// when it carries a state token issued by a bound negotiation. The token
// is consumed.
func (b *Broker) CallbackSession(ctx context.Context, api, state string) (string, bool) {
	if state == "" {
		return "", false
	}
	return b.creds.TakeCallback(ctx, api, state)
}

// CompleteOAuth1 handles /authSuccess/{api}.
func (b *Broker) CompleteOAuth1(ctx context.Context, sess Session, api, verifier string) error {
	d, err := b.descriptor(api)
	if err != nil {
		return err
	}
	a, ok := d.Auth.(catalog.OAuth1)
	if !ok {
		return fmt.Errorf("%w: %s does not use oauth", apierrors.ErrBadRequest, d.Name)
	}
	return b.oauth1.Complete(ctx, d, a, sess, verifier)
}

// CompleteOAuth2 handles /oauth2Success/{api}.
func (b *Broker) CompleteOAuth2(ctx context.Context, sess Session, api, code string) error {
	d, err := b.descriptor(api)
	if err != nil {
		return err
	}
	a, ok := d.Auth.(catalog.OAuth2)
	if !ok {
		return fmt.Errorf("%w: %s does not use oauth2", apierrors.ErrBadRequest, d.Name)
	}
	return b.oauth2.Complete(ctx, d, a, sess, code)
}

// callbackURL builds scheme://host{path}{api} from the caller's referer.
func callbackURL(referer, path, api string) (string, error) {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: a Referer header with scheme and host is required", apierrors.ErrBadRequest)
	}
	return u.Scheme + "://" + u.Host + path + url.PathEscape(api), nil
}

// negotiationError reports a failed handshake as a 500.
func negotiationError(step string, err error) error {
	return &apierrors.HTTPError{
		Status: http.StatusInternalServerError,
		Err:    fmt.Errorf("%w: %s: %v", apierrors.ErrNegotiation, step, err),
	}
}
