package proxy

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/apibroker/internal/catalog"
)

// LocationHeader marks a parameter that travels as a request header.
const LocationHeader = "header"

// partition splits params into the substituted path, header params and
// the remaining query values. Empty values are dropped before anything
// else happens.
func partition(path string, params, locations map[string]string) (string, map[string]string, url.Values) {
	headers := map[string]string{}
	query := url.Values{}

	for name, value := range params {
		if value == "" {
			continue
		}
		if locations[name] == LocationHeader {
			headers[name] = value
			continue
		}
		if p, ok := substitute(path, name, value); ok {
			path = p
			continue
		}
		query.Set(name, value)
	}

	return path, headers, query
}

// substitute replaces the first ":name" placeholder in path with the
// escaped value. The placeholder must end at a non-word character so
// ":id" never matches inside ":idx".
func substitute(path, name, value string) (string, bool) {
	placeholder := ":" + name
	from := 0
	for {
		i := strings.Index(path[from:], placeholder)
		if i < 0 {
			return path, false
		}
		start := from + i
		end := start + len(placeholder)
		if end == len(path) || !isWordByte(path[end]) {
			return path[:start] + escapeComponent(value) + path[end:], true
		}
		from = end
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// escapeComponent percent-encodes a path segment the way
// encodeURIComponent does.
func escapeComponent(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	for _, keep := range []string{"!", "'", "(", ")", "*"} {
		e = strings.ReplaceAll(e, url.QueryEscape(keep), keep)
	}
	return e
}

// mergeHeaders layers the header sources in order: descriptor headers,
// caller headerNames/headerValues, header-location params. Later layers
// win. Blank header names are skipped.
func mergeHeaders(static map[string]string, names, values []string, params map[string]string) map[string]string {
	out := make(map[string]string, len(static)+len(names)+len(params))
	for k, v := range static {
		out[k] = v
	}
	for i, n := range names {
		if n == "" {
			continue
		}
		var v string
		if i < len(values) {
			v = values[i]
		}
		out[n] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// sign computes hash(apiKey + apiSecret + unixSeconds) for a signature
// descriptor.
func sign(sig catalog.Signature, apiKey, apiSecret string, now time.Time) string {
	msg := []byte(apiKey + apiSecret + strconv.FormatInt(now.Unix(), 10))

	var sum []byte
	switch sig.Type {
	case catalog.SignedSHA256:
		h := sha256.Sum256(msg)
		sum = h[:]
	default:
		h := md5.Sum(msg)
		sum = h[:]
	}

	if sig.Digest == "base64" {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// appendQuery adds name=value to a path that may already carry a query.
func appendQuery(path, name, value string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + url.QueryEscape(name) + "=" + url.QueryEscape(value)
}
