package broker

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/catalog"
	"github.com/alexjbarnes/apibroker/internal/credential"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenRequest is what the fake token endpoint received.
type tokenRequest struct {
	method string
	auth   string
	body   string
	query  url.Values
	form   url.Values
}

type tokenServer struct {
	*httptest.Server
	mu       sync.Mutex
	last     tokenRequest
	response string
	ctype    string
	status   int
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{
		response: `{"access_token":"AT","refresh_token":"RT","token_type":"bearer"}`,
		ctype:    "application/json",
		status:   http.StatusOK,
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(b))

		ts.mu.Lock()
		ts.last = tokenRequest{
			method: r.Method,
			auth:   r.Header.Get("Authorization"),
			body:   string(b),
			query:  r.URL.Query(),
			form:   form,
		}
		resp, ctype, status := ts.response, ts.ctype, ts.status
		ts.mu.Unlock()

		w.Header().Set("Content-Type", ctype)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) respond(body, ctype string, status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.response, ts.ctype, ts.status = body, ctype, status
}

func (ts *tokenServer) request() tokenRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.last
}

func oauth2Descriptor(name string, ts *tokenServer, api *apiServer, o catalog.OAuth2) *catalog.Descriptor {
	o.BaseSite = ts.URL
	if o.AuthorizeURL == "" {
		o.AuthorizeURL = "/authorize"
	}
	o.AccessTokenURL = "/token"
	return &catalog.Descriptor{
		Name:        name,
		BaseURL:     hostOf(api.Server),
		PrivatePath: "/api",
		Auth:        o,
	}
}

var demandAuth = auth.Flags{OAuth: auth.AuthRequired}

func TestClientCredentials_HeaderModeRequest(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["cc"] = oauth2Descriptor("cc", ts, newAPIServer(t), catalog.OAuth2{
		Type: catalog.OAuth2ClientCredentials, AuthorizationHeader: "Y",
	})

	sess := newSession()
	n, err := h.broker.AuthorizeOAuth2(context.Background(), sess, &Request{
		API: "cc", APIKey: "k", APISecret: "s", Referer: testReferer,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://app.example/oauth2Success/cc", n.Refresh)

	got := ts.request()
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("k:s")), got.auth)
	assert.Equal(t, "grant_type=client_credentials&client_id=k&client_secret=s", got.body)

	assert.Equal(t, "AT", h.value(t, "cc", credential.FieldOAuth2AccessToken))
	assert.Equal(t, "RT", h.value(t, "cc", credential.FieldOAuth2RefreshToken))
	assert.Equal(t, "AT", h.value(t, "cc", credential.FieldAccessToken))
	assert.Equal(t, "RT", h.value(t, "cc", credential.FieldRefreshToken))
	assert.True(t, sess.Authed("cc"))
}

func TestClientCredentials_QueryModeFormResponse(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	ts.respond("access_token=FORM&expires=3600", "application/x-www-form-urlencoded", http.StatusOK)
	h.cat["cc"] = oauth2Descriptor("cc", ts, newAPIServer(t), catalog.OAuth2{
		Type: catalog.OAuth2ClientCredentials,
	})

	_, err := h.broker.AuthorizeOAuth2(context.Background(), newSession(), &Request{
		API: "cc", APIKey: "k", APISecret: "s", Referer: testReferer,
	})
	require.NoError(t, err)

	got := ts.request()
	assert.Equal(t, http.MethodGet, got.method)
	assert.Empty(t, got.auth)
	assert.Equal(t, "client_credentials", got.query.Get("grant_type"))
	assert.Equal(t, "k", got.query.Get("client_id"))
	assert.Equal(t, "s", got.query.Get("client_secret"))

	assert.Equal(t, "FORM", h.value(t, "cc", credential.FieldOAuth2AccessToken))
	assert.Empty(t, h.value(t, "cc", credential.FieldOAuth2RefreshToken))
}

func TestClientCredentials_FailureNotAuthed(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	ts.respond(`{"error":"invalid_client"}`, "application/json", http.StatusUnauthorized)
	h.cat["cc"] = oauth2Descriptor("cc", ts, newAPIServer(t), catalog.OAuth2{
		Type: catalog.OAuth2ClientCredentials, AuthorizationHeader: "Y",
	})

	sess := newSession()
	_, err := h.broker.AuthorizeOAuth2(context.Background(), sess, &Request{
		API: "cc", APIKey: "k", APISecret: "bad", Referer: testReferer,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrNegotiation)
	assert.Equal(t, http.StatusInternalServerError, apierrors.StatusOf(err))
	assert.Equal(t, http.StatusUnauthorized, apierrors.UpstreamStatusOf(err))
	assert.False(t, sess.Authed("cc"))
	assert.Empty(t, h.value(t, "cc", credential.FieldOAuth2AccessToken))
}

func TestClientCredentials_ProcessNegotiatesThenCalls(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	api := newAPIServer(t)
	h.cat["cc"] = oauth2Descriptor("cc", ts, api, catalog.OAuth2{
		Type: catalog.OAuth2ClientCredentials, AuthorizationHeader: "Y",
	})

	sess := newSession()
	out, err := h.broker.Process(context.Background(), sess, &Request{
		API: "cc", MethodURI: "/me", HTTPMethod: "GET",
		APIKey: "k", APISecret: "s", Flags: demandAuth, Referer: testReferer,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, sess.Authed("cc"))
	assert.Equal(t, "Bearer AT", api.request().Header.Get("Authorization"))
	assert.Equal(t, "/api/me", api.request().URL.Path)
}

func TestAuthorizationCode_StartAndComplete(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	api := newAPIServer(t)
	h.cat["gh"] = oauth2Descriptor("gh", ts, api, catalog.OAuth2{
		Type: catalog.OAuth2AuthorizationCode, TokenName: "oauth_token",
	})
	ctx := context.Background()
	sess := newSession()

	out, err := h.broker.Process(ctx, sess, &Request{
		API: "gh", APIKey: "k", APISecret: "s", Flags: demandAuth, Referer: testReferer,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Negotiation)

	signin, err := url.Parse(out.Negotiation.Signin)
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/authorize", signin.Scheme+"://"+signin.Host+signin.Path)
	assert.Equal(t, "code", signin.Query().Get("response_type"))
	assert.Equal(t, "k", signin.Query().Get("client_id"))
	assert.Equal(t, "http://app.example/oauth2Success/gh", signin.Query().Get("redirect_uri"))
	assert.False(t, signin.Query().Has("state"))
	assert.Equal(t, "http://app.example/oauth2Success/gh", h.value(t, "gh", credential.FieldBaseURL))

	var sawToken string
	sess.onMark = func(api string) {
		sawToken = h.value(t, api, credential.FieldOAuth2AccessToken)
	}
	require.NoError(t, h.broker.CompleteOAuth2(ctx, sess, "gh", "the-code"))
	assert.True(t, sess.Authed("gh"))
	assert.Equal(t, "AT", sawToken)

	got := ts.request()
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "authorization_code", got.form.Get("grant_type"))
	assert.Equal(t, "the-code", got.form.Get("code"))
	assert.Equal(t, "http://app.example/oauth2Success/gh", got.form.Get("redirect_uri"))
	assert.Equal(t, "k", got.form.Get("client_id"))
	assert.Equal(t, "s", got.form.Get("client_secret"))

	res, err := h.broker.Process(ctx, sess, &Request{API: "gh", MethodURI: "/user", HTTPMethod: "GET"})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, "AT", api.request().URL.Query().Get("oauth_token"))
	assert.Empty(t, api.request().Header.Get("Authorization"))
}

func TestAuthorizationCode_BoundCallbackState(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["gh"] = oauth2Descriptor("gh", ts, newAPIServer(t), catalog.OAuth2{
		Type: catalog.OAuth2AuthorizationCode,
	})
	ctx := context.Background()

	n, err := h.broker.AuthorizeOAuth2(ctx, newSession(), &Request{
		API: "gh", APIKey: "k", APISecret: "s", Referer: testReferer, BindCallback: true,
	})
	require.NoError(t, err)

	signin, err := url.Parse(n.Signin)
	require.NoError(t, err)
	state := signin.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "http://app.example/oauth2Success/gh", signin.Query().Get("redirect_uri"))

	_, ok := h.broker.CallbackSession(ctx, "other", state)
	assert.False(t, ok)
	id, ok := h.broker.CallbackSession(ctx, "gh", state)
	require.True(t, ok)
	assert.Equal(t, testSession, id)
}

func TestClientCredentials_BindCallbackSendsNoState(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["cc"] = oauth2Descriptor("cc", ts, newAPIServer(t), catalog.OAuth2{
		Type: catalog.OAuth2ClientCredentials,
	})

	_, err := h.broker.AuthorizeOAuth2(context.Background(), newSession(), &Request{
		API: "cc", APIKey: "k", APISecret: "s", Referer: testReferer, BindCallback: true,
	})
	require.NoError(t, err)
	assert.False(t, ts.request().form.Has("state"))
}

func TestAuthorizationCode_ExchangeFailure(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["gh"] = oauth2Descriptor("gh", ts, newAPIServer(t), catalog.OAuth2{Type: catalog.OAuth2AuthorizationCode})
	ctx := context.Background()
	sess := newSession()

	_, err := h.broker.AuthorizeOAuth2(ctx, sess, &Request{API: "gh", APIKey: "k", APISecret: "s", Referer: testReferer})
	require.NoError(t, err)

	ts.respond(`{"error":"bad_verification_code"}`, "application/json", http.StatusBadRequest)
	err = h.broker.CompleteOAuth2(ctx, sess, "gh", "stale")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrNegotiation)
	assert.Equal(t, http.StatusBadRequest, apierrors.UpstreamStatusOf(err))
	assert.False(t, sess.Authed("gh"))
}

func TestAuthorizationCode_ConcurrentStartsStayConsistent(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["gh"] = oauth2Descriptor("gh", ts, newAPIServer(t), catalog.OAuth2{Type: catalog.OAuth2AuthorizationCode})
	sess := newSession()

	pairs := map[string]string{"k1": "s1", "k2": "s2"}

	var wg sync.WaitGroup
	signins := make(chan string, len(pairs))
	for key, secret := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.broker.Process(context.Background(), sess, &Request{
				API: "gh", APIKey: key, APISecret: secret, Flags: demandAuth, Referer: testReferer,
			})
			if err != nil || out.Negotiation == nil {
				signins <- ""
				return
			}
			signins <- out.Negotiation.Signin
		}()
	}
	wg.Wait()
	close(signins)

	for s := range signins {
		u, err := url.Parse(s)
		require.NoError(t, err)
		assert.Equal(t, "code", u.Query().Get("response_type"))
	}

	key := h.value(t, "gh", credential.FieldAPIKey)
	require.Contains(t, pairs, key)
	assert.Equal(t, pairs[key], h.value(t, "gh", credential.FieldAPISecret))
	assert.Equal(t, "http://app.example/oauth2Success/gh", h.value(t, "gh", credential.FieldBaseURL))
}

func TestImplicit_StartThenCallerToken(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	api := newAPIServer(t)
	h.cat["imp"] = oauth2Descriptor("imp", ts, api, catalog.OAuth2{Type: catalog.OAuth2Implicit})
	ctx := context.Background()
	sess := newSession()

	out, err := h.broker.Process(ctx, sess, &Request{
		API: "imp", APIKey: "k", APISecret: "s", Flags: demandAuth, Referer: testReferer,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Negotiation)

	u, err := url.Parse(out.Negotiation.Implicit)
	require.NoError(t, err)
	assert.Equal(t, "/token", u.Path)
	assert.Equal(t, "token", u.Query().Get("response_type"))
	assert.Equal(t, "http://app.example/oauth2Success/imp", u.Query().Get("redirect_uri"))
	assert.Equal(t, testReferer, h.value(t, "imp", credential.FieldBaseURL))

	require.NoError(t, h.broker.CompleteOAuth2(ctx, sess, "imp", ""))
	assert.False(t, sess.Authed("imp"))

	res, err := h.broker.Process(ctx, sess, &Request{
		API: "imp", MethodURI: "/me", HTTPMethod: "GET", AccessToken: "IMPLICIT",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.True(t, sess.Authed("imp"))
	assert.Equal(t, "IMPLICIT", h.value(t, "imp", credential.FieldOAuth2AccessToken))
	assert.Equal(t, "IMPLICIT", api.request().URL.Query().Get("access_token"))
}

func TestOAuth2_ClientWithoutTokenIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	ts := newTokenServer(t)
	h.cat["gh"] = oauth2Descriptor("gh", ts, newAPIServer(t), catalog.OAuth2{Type: catalog.OAuth2AuthorizationCode})

	sess := newSession()
	sess.authed["gh"] = true

	_, err := h.broker.Process(context.Background(), sess, &Request{API: "gh", MethodURI: "/x", HTTPMethod: "GET"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrNotAuthorized)
}

func TestParseTokenResponse(t *testing.T) {
	a, r := parseTokenResponse([]byte(`{"access_token":"x","refresh_token":"y"}`))
	assert.Equal(t, "x", a)
	assert.Equal(t, "y", r)

	a, r = parseTokenResponse([]byte("access_token=p&refresh_token=q"))
	assert.Equal(t, "p", a)
	assert.Equal(t, "q", r)

	a, _ = parseTokenResponse([]byte("%zz"))
	assert.Empty(t, a)
}
