package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/broker"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/tidwall/gjson"
)

// maxRequestBody caps inbound /processReq, /auth and /auth2 bodies.
const maxRequestBody = 10 << 20

// bracketKey matches form keys like params[id] or headerNames[0].
var bracketKey = regexp.MustCompile(`^(\w+)\[([^\]]*)\]$`)

// decodeRequest reads a broker request from a JSON body, a form body or
// the query string, whichever the caller sent.
func decodeRequest(w http.ResponseWriter, r *http.Request, sessionCookie string) (*broker.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var (
		req *broker.Request
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		req, err = fromJSON(r.Body)
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: invalid form data: %v", apierrors.ErrBadRequest, err)
		}
		req = fromForm(r.Form)
	}
	if err != nil {
		return nil, err
	}

	req.Referer = r.Referer()
	req.Cookie = relayedCookies(r, sessionCookie)
	return req, nil
}

func fromJSON(body io.Reader) (*broker.Request, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", apierrors.ErrBadRequest, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return &broker.Request{}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON body", apierrors.ErrBadRequest)
	}

	doc := gjson.ParseBytes(data)

	// requestContent may be sent as an embedded document rather than a
	// pre-serialised string.
	content := doc.Get("requestContent")
	contentText := content.String()
	if content.IsObject() || content.IsArray() {
		contentText = content.Raw
	}

	return &broker.Request{
		API:          doc.Get("apiName").String(),
		MethodURI:    doc.Get("methodUri").String(),
		HTTPMethod:   doc.Get("httpMethod").String(),
		Params:       stringMap(doc.Get("params")),
		Locations:    stringMap(doc.Get("locations")),
		Content:      contentText,
		ContentType:  doc.Get("contentType").String(),
		HeaderNames:  stringList(doc.Get("headerNames")),
		HeaderValues: stringList(doc.Get("headerValues")),
		APIKey:       doc.Get("apiKey").String(),
		APISecret:    doc.Get("apiSecret").String(),
		Flags: auth.Flags{
			OAuth:  doc.Get("oauth").String(),
			OAuth2: doc.Get("oauth2").String(),
		},
		AccessToken: doc.Get("accessToken").String(),
	}, nil
}

// stringMap flattens a JSON object of scalars into strings. Numbers and
// booleans keep their literal form.
func stringMap(v gjson.Result) map[string]string {
	out := map[string]string{}
	v.ForEach(func(k, val gjson.Result) bool {
		out[k.String()] = val.String()
		return true
	})
	return out
}

func stringList(v gjson.Result) []string {
	if !v.Exists() {
		return nil
	}
	if !v.IsArray() {
		return []string{v.String()}
	}
	var out []string
	for _, item := range v.Array() {
		out = append(out, item.String())
	}
	return out
}

// fromForm reads the jQuery-style form encoding the explorer UI posts:
// params[id]=42, locations[id]=header, headerNames[]=X-A.
func fromForm(form url.Values) *broker.Request {
	req := &broker.Request{
		API:         form.Get("apiName"),
		MethodURI:   form.Get("methodUri"),
		HTTPMethod:  form.Get("httpMethod"),
		Content:     form.Get("requestContent"),
		ContentType: form.Get("contentType"),
		APIKey:      form.Get("apiKey"),
		APISecret:   form.Get("apiSecret"),
		Flags: auth.Flags{
			OAuth:  form.Get("oauth"),
			OAuth2: form.Get("oauth2"),
		},
		AccessToken: form.Get("accessToken"),
		Params:      map[string]string{},
		Locations:   map[string]string{},
	}

	indexed := map[string]map[int]string{}
	for key, values := range form {
		m := bracketKey.FindStringSubmatch(key)
		if m == nil || len(values) == 0 {
			continue
		}
		name, inner := m[1], m[2]
		switch name {
		case "params":
			req.Params[inner] = values[0]
		case "locations":
			req.Locations[inner] = values[0]
		case "headerNames", "headerValues":
			if inner == "" {
				continue
			}
			i, err := strconv.Atoi(inner)
			if err != nil {
				continue
			}
			if indexed[name] == nil {
				indexed[name] = map[int]string{}
			}
			indexed[name][i] = values[0]
		}
	}

	req.HeaderNames = formList(form, "headerNames", indexed["headerNames"])
	req.HeaderValues = formList(form, "headerValues", indexed["headerValues"])
	return req
}

// formList collects name, name[] and name[N] values, the indexed ones in
// index order.
func formList(form url.Values, name string, indexed map[int]string) []string {
	out := append([]string{}, form[name]...)
	out = append(out, form[name+"[]"]...)

	keys := make([]int, 0, len(indexed))
	for i := range indexed {
		keys = append(keys, i)
	}
	sort.Ints(keys)
	for _, i := range keys {
		out = append(out, indexed[i])
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// relayedCookies rebuilds the inbound Cookie header without the broker's
// own session cookie.
func relayedCookies(r *http.Request, sessionCookie string) string {
	var parts []string
	for _, c := range r.Cookies() {
		if c.Name == sessionCookie {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
