// Package proxy builds and executes the outbound call for a proxied API
// request: path templating, parameter and header partition, static key
// and signature injection, cookie relay and the response envelope.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/apibroker/internal/catalog"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	defaultContentType = "application/x-www-form-urlencoded"

	// logBodyLimit caps how much of an upstream body reaches debug logs.
	logBodyLimit = 512
)

// Call is one caller request to forward upstream.
type Call struct {
	Descriptor   *catalog.Descriptor
	Method       string
	Path         string
	Params       map[string]string
	Locations    map[string]string
	HeaderNames  []string
	HeaderValues []string
	Body         string
	ContentType  string
	APIKey       string
	APISecret    string

	// Cookie is the inbound Cookie header, relayed when the descriptor
	// enables cookies.
	Cookie string

	// Private selects the descriptor's private path prefix.
	Private bool
}

// Result is the envelope returned to the caller.
type Result struct {
	Headers  map[string]string `json:"headers"`
	Response any               `json:"response"`
	Call     string            `json:"call"`
	Code     int               `json:"code"`

	// SetCookie is the first cookie set by the upstream, if relayed.
	SetCookie *http.Cookie `json:"-"`
}

// Proxy executes outbound calls.
type Proxy struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient returns the upstream HTTP client. Redirects are returned to
// the caller rather than followed.
func NewClient(timeout time.Duration, insecureTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via UPSTREAM_TLS_INSECURE
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// New creates a Proxy issuing unsecured calls through client.
func New(client *http.Client, maxBody int64, logger *slog.Logger) *Proxy {
	return &Proxy{client: client, maxBody: maxBody, logger: logger, now: time.Now}
}

// SetClock replaces the clock used for request signatures.
func (p *Proxy) SetClock(now func() time.Time) {
	p.now = now
}

// Client returns the base upstream client, used by negotiators as the
// transport under their signing layer.
func (p *Proxy) Client() *http.Client {
	return p.client
}

// Execute issues an unsecured call, applying the descriptor's static key
// or signature when it has one. OAuth APIs with a keyParam get the
// caller's key on their unauthenticated calls too.
func (p *Proxy) Execute(ctx context.Context, c *Call) (*Result, error) {
	path, headerParams, query := partition(c.Path, c.Params, c.Locations)

	reqPath := c.Descriptor.PublicPath + path
	if q := query.Encode(); q != "" {
		reqPath += "?" + q
	}

	switch a := c.Descriptor.Auth.(type) {
	case catalog.StaticKey:
		if c.APIKey != "" {
			reqPath = appendQuery(reqPath, a.Param, c.APIKey)
		}
	case catalog.OAuth1:
		if a.KeyParam != "" && c.APIKey != "" {
			reqPath = appendQuery(reqPath, a.KeyParam, c.APIKey)
		}
	case catalog.OAuth2:
		if a.KeyParam != "" && c.APIKey != "" {
			reqPath = appendQuery(reqPath, a.KeyParam, c.APIKey)
		}
	case catalog.Signature:
		if a.KeyParam != "" && c.APIKey != "" {
			reqPath = appendQuery(reqPath, a.KeyParam, c.APIKey)
		}
		reqPath = appendQuery(reqPath, a.SigParam, sign(a, c.APIKey, c.APISecret, p.now()))
	}

	headers := mergeHeaders(c.Descriptor.Headers, c.HeaderNames, c.HeaderValues, headerParams)
	return p.do(ctx, p.client, c, reqPath, headers, false)
}

// ExecuteSigned issues a call through client, which authenticates each
// request on the way out. extra headers land on top of the merged set.
// JSON bodies come back decoded.
func (p *Proxy) ExecuteSigned(ctx context.Context, client *http.Client, c *Call, extra map[string]string) (*Result, error) {
	path, headerParams, query := partition(c.Path, c.Params, c.Locations)

	prefix := c.Descriptor.PublicPath
	if c.Private {
		prefix = c.Descriptor.PrivatePath
	}
	reqPath := prefix + path
	if q := query.Encode(); q != "" {
		reqPath += "?" + q
	}

	headers := mergeHeaders(c.Descriptor.Headers, c.HeaderNames, c.HeaderValues, headerParams)
	for k, v := range extra {
		headers[k] = v
	}
	return p.do(ctx, client, c, reqPath, headers, true)
}

func (p *Proxy) do(ctx context.Context, client *http.Client, c *Call, reqPath string, headers map[string]string, decode bool) (*Result, error) {
	d := c.Descriptor
	target := d.Scheme() + "://" + d.BaseURL + reqPath

	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %v", apierrors.ErrBadRequest, d.Name, err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && c.Body != "" {
		req.Header.Set("Content-Type", defaultContentType)
	}
	if c.ContentType != "" {
		req.Header.Set("Content-Type", c.ContentType)
	}
	// net/http writes Content-Length from this field. A zero length is
	// only sent for methods other than GET and HEAD when the transfer
	// encoding is explicitly identity; GET and HEAD never carry one.
	req.ContentLength = int64(len(c.Body))
	if c.Body == "" {
		req.TransferEncoding = []string{"identity"}
	}
	if d.EnableCookie && c.Cookie != "" {
		req.Header.Set("Cookie", c.Cookie)
	}

	p.logger.Debug("calling upstream",
		slog.String("api", d.Name),
		slog.String("method", method),
		slog.String("url", redact(target)),
	)

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Warn("upstream call failed",
			slog.String("api", d.Name),
			slog.String("error", err.Error()),
		)
		return nil, &apierrors.HTTPError{
			Status: http.StatusBadGateway,
			Err:    fmt.Errorf("%w: %s: %v", apierrors.ErrUpstreamCall, d.Name, err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, &apierrors.HTTPError{
			Status:   http.StatusBadGateway,
			Upstream: resp.StatusCode,
			Err:      fmt.Errorf("%w: reading %s response: %v", apierrors.ErrUpstreamCall, d.Name, err),
		}
	}
	if int64(len(raw)) > p.maxBody {
		return nil, &apierrors.HTTPError{
			Status:   http.StatusBadGateway,
			Upstream: resp.StatusCode,
			Err:      fmt.Errorf("%w: %s response exceeds %d bytes", apierrors.ErrUpstreamCall, d.Name, p.maxBody),
		}
	}

	p.logger.Debug("upstream responded",
		slog.String("api", d.Name),
		slog.Int("status", resp.StatusCode),
		slog.String("body", truncate(string(raw), logBodyLimit)),
	)

	res := &Result{
		Headers: flattenHeaders(resp.Header),
		Call:    target,
		Code:    resp.StatusCode,
	}

	text := string(raw)
	if decode && gjson.Valid(text) {
		res.Response = gjson.Parse(text).Value()
	} else {
		res.Response = text
	}

	if d.EnableCookie {
		if sc := resp.Header.Values("Set-Cookie"); len(sc) > 0 {
			cookie, err := http.ParseSetCookie(sc[0])
			if err != nil {
				p.logger.Debug("ignoring unparseable upstream cookie",
					slog.String("api", d.Name),
					slog.String("error", err.Error()),
				)
			} else {
				res.SetCookie = cookie
			}
		}
	}

	return res, nil
}

// flattenHeaders lowercases header names and joins repeated values.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

// redact hides query values, which may carry keys and tokens.
func redact(target string) string {
	i := strings.IndexByte(target, '?')
	if i < 0 {
		return target
	}
	return target[:i] + "?<" + strconv.Itoa(strings.Count(target[i:], "=")) + " params>"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
