package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

const testIndex = `{
	// comments are allowed, like the JSON.minify days
	"plain": {"name": "Plain", "protocol": "http", "baseURL": "api.example.com", "publicPath": "/v1", "privatePath": "/v1"},
	"keyed": {"baseURL": "k.example.com", "keyParam": "api_key"},
	"signed": {"baseURL": "s.example.com", "keyParam": "key", "signature": {"type": "signed_md5", "sigParam": "sig"}},
	"three": {"baseURL": "t.example.com", "keyParam": "consumer_key", "oauth": {"type": "three-legged", "version": "1.0", "requestURL": "http://t/req", "accessURL": "http://t/acc", "signinURL": "http://t/auth?oauth_token=", "crypt": "HMAC-SHA1"}},
	"both": {"baseURL": "b.example.com", "oauth": {"type": "two-legged"}, "oauth2": {"type": "implicit", "baseSite": "http://b", "accessTokenURL": "/token"}},
	"cc": {"baseURL": "c.example.com", "keyParam": "client_key", "oauth2": {"type": "client-credentials", "baseSite": "http://c", "accessTokenURL": "/token", "authorizationHeader": "Y"}},
	/* block comment */
	"url": {"baseURL": "u.example.com", "headers": {"X-Url": "http://not/a/comment"}}
}`

func testCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "apiconfig.json", testIndex)
	c, err := Open(dir, testLogger())
	require.NoError(t, err)
	return c, dir
}

func TestOpen_MissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), testLogger())
	require.Error(t, err)
}

func TestOpen_MissingIndex(t *testing.T) {
	_, err := Open(t.TempDir(), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apiconfig")
}

func TestDescriptor_Variants(t *testing.T) {
	c, _ := testCatalog(t)

	cases := map[string]Auth{
		"plain":  NoAuth{},
		"keyed":  StaticKey{Param: "api_key"},
		"signed": Signature{Type: SignedMD5, Digest: "hex", SigParam: "sig", KeyParam: "key"},
	}
	for name, want := range cases {
		d, err := c.Descriptor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, d.Auth, name)
	}

	d, err := c.Descriptor("cc")
	require.NoError(t, err)
	o2, ok := d.Auth.(OAuth2)
	require.True(t, ok)
	assert.Equal(t, OAuth2ClientCredentials, o2.Type)
	assert.True(t, o2.HeaderMode())
	assert.Equal(t, "access_token", o2.AccessTokenName())
	assert.Equal(t, "client_key", o2.KeyParam)

	d, err = c.Descriptor("three")
	require.NoError(t, err)
	o1, ok := d.Auth.(OAuth1)
	require.True(t, ok)
	assert.Equal(t, "consumer_key", o1.KeyParam)
	assert.False(t, o1.ConfirmsCallback())
}

func TestOAuth1_ConfirmsCallback(t *testing.T) {
	tests := map[string]bool{
		"1.0":   false,
		" 1.0 ": false,
		"1.0a":  true,
		"1.0A":  true,
		"":      true,
	}
	for version, want := range tests {
		assert.Equal(t, want, OAuth1{Version: version}.ConfirmsCallback(), version)
	}
}

func TestDescriptor_OAuth1WinsOverOAuth2(t *testing.T) {
	c, _ := testCatalog(t)
	d, err := c.Descriptor("both")
	require.NoError(t, err)
	_, ok := d.Auth.(OAuth1)
	assert.True(t, ok)
}

func TestDescriptor_CommentStrippingKeepsStrings(t *testing.T) {
	c, _ := testCatalog(t)
	d, err := c.Descriptor("url")
	require.NoError(t, err)
	assert.Equal(t, "http://not/a/comment", d.Headers["X-Url"])
	assert.Equal(t, "http", d.Scheme())
}

func TestDescriptor_Unknown(t *testing.T) {
	c, _ := testCatalog(t)
	_, err := c.Descriptor("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrUnknownAPI)
}

func TestValidate(t *testing.T) {
	ok := &Descriptor{Name: "a", BaseURL: "x", Auth: NoAuth{}}
	assert.NoError(t, ok.Validate())

	bad := []*Descriptor{
		{Name: "nobase", Auth: NoAuth{}},
		{Name: "3l", BaseURL: "x", Auth: OAuth1{Type: OAuth1ThreeLegged}},
		{Name: "o1type", BaseURL: "x", Auth: OAuth1{Type: "one-legged"}},
		{Name: "o2", BaseURL: "x", Auth: OAuth2{Type: OAuth2Implicit}},
		{Name: "code", BaseURL: "x", Auth: OAuth2{Type: OAuth2AuthorizationCode, BaseSite: "b", AccessTokenURL: "/t"}},
		{Name: "sig", BaseURL: "x", Auth: Signature{Type: "signed_crc", SigParam: "s"}},
	}
	for _, d := range bad {
		err := d.Validate()
		require.Error(t, err, d.Name)
		assert.ErrorIs(t, err, apierrors.ErrConfiguration, d.Name)
	}
}

func TestNames_Sorted(t *testing.T) {
	c, _ := testCatalog(t)
	assert.Equal(t, []string{"both", "cc", "keyed", "plain", "signed", "three", "url"}, c.Names())
}

func TestDefinition_ResolvesIncludes(t *testing.T) {
	c, dir := testCatalog(t)
	writeFile(t, dir, "plain.json", `{
		"endpoints": [
			{"external": {"href": "./users.json"}},
			{"name": "Misc", "methods": [
				{"MethodName": "Ping", "HTTPMethod": "GET"},
				{"external": {"href": "./misc-methods.json", "type": "list"}},
				{"MethodName": "Last", "HTTPMethod": "DELETE"}
			]}
		]
	}`)
	writeFile(t, dir, "users.json", `{"name": "Users", "methods": [{"MethodName": "Get user", "HTTPMethod": "GET", "URI": "/users/:id"}]}`)
	writeFile(t, dir, "misc-methods.json", `[{"MethodName": "Echo", "HTTPMethod": "POST"}, {"MethodName": "Time", "HTTPMethod": "GET"}]`)

	def, err := c.Definition("plain")
	require.NoError(t, err)

	endpoints := def["endpoints"].([]any)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "Users", endpoints[0].(map[string]any)["name"])

	methods := endpoints[1].(map[string]any)["methods"].([]any)
	var names []string
	for _, m := range methods {
		names = append(names, m.(map[string]any)["MethodName"].(string))
	}
	assert.Equal(t, []string{"Ping", "Echo", "Time", "Last"}, names)
}

func TestDefinition_SelfIncludeFails(t *testing.T) {
	c, dir := testCatalog(t)
	writeFile(t, dir, "plain.json", `{"endpoints": [{"external": {"href": "./plain.json"}}]}`)

	_, err := c.Definition("plain")
	require.Error(t, err)
}

func TestDefinition_YAML(t *testing.T) {
	c, dir := testCatalog(t)
	writeFile(t, dir, "keyed.yaml", "endpoints:\n  - name: Things\n    methods:\n      - MethodName: List things\n        HTTPMethod: GET\n")

	def, err := c.Definition("keyed")
	require.NoError(t, err)
	res := Search("keyed", def, "things")
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, SearchMatch{Label: "List things", Category: "Things", Type: "GET"}, res.Results[0])
}

func TestRefresh_PicksUpChanges(t *testing.T) {
	c, dir := testCatalog(t)
	writeFile(t, dir, "plain.json", `{"endpoints": []}`)
	_, err := c.Definition("plain")
	require.NoError(t, err)

	writeFile(t, dir, "apiconfig.json", `{"plain": {"baseURL": "new.example.com"}}`)
	writeFile(t, dir, "plain.json", `{"endpoints": [{"name": "New", "methods": []}]}`)
	require.NoError(t, c.Refresh("plain"))

	d, err := c.Descriptor("plain")
	require.NoError(t, err)
	assert.Equal(t, "new.example.com", d.BaseURL)

	def, err := c.Definition("plain")
	require.NoError(t, err)
	assert.Len(t, def["endpoints"], 1)
}

func TestDefinition_RefreshDuringLoadIsNotCached(t *testing.T) {
	c, dir := testCatalog(t)
	writeFile(t, dir, "plain.json", `{"endpoints": []}`)

	c.load = func(d *Descriptor) (map[string]any, error) {
		def, err := c.loadDefinition(d)
		// The file changes and is refreshed while this load is in flight.
		writeFile(t, dir, "plain.json", `{"endpoints": [{"name": "New", "methods": []}]}`)
		require.NoError(t, c.Refresh("plain"))
		return def, err
	}

	def, err := c.Definition("plain")
	require.NoError(t, err)
	assert.Empty(t, def["endpoints"])

	c.load = c.loadDefinition
	def, err = c.Definition("plain")
	require.NoError(t, err)
	assert.Len(t, def["endpoints"], 1)
}

func TestSearch(t *testing.T) {
	def := map[string]any{
		"endpoints": []any{
			map[string]any{"name": "Users", "methods": []any{
				map[string]any{"MethodName": "Get user profile", "HTTPMethod": "GET", "Synopsis": "Returns a profile"},
				map[string]any{"MethodName": "Delete user", "HTTPMethod": "DELETE", "parameters": []any{
					map[string]any{"Name": "id", "Default": float64(42)},
				}},
			}},
			map[string]any{"name": "Orders", "methods": []any{
				map[string]any{"MethodName": "List orders", "HTTPMethod": "GET"},
			}},
		},
	}

	res := Search("x", def, "user profile")
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "Get user profile", res.Results[0].Label)

	res = Search("x", def, "orders OR delete")
	assert.Equal(t, 2, res.TotalMatches)

	res = Search("x", def, "42")
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "Delete user", res.Results[0].Label)

	res = Search("x", def, "   ")
	assert.Equal(t, 0, res.TotalMatches)
}

func TestWatch_RefreshesOnWrite(t *testing.T) {
	c, dir := testCatalog(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "apiconfig.json", `{"fresh": {"baseURL": "f.example.com"}}`)

	assert.Eventually(t, func() bool {
		_, err := c.Descriptor("fresh")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
