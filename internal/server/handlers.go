package server

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/apibroker/internal/broker"
	"github.com/alexjbarnes/apibroker/internal/catalog"
	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"github.com/alexjbarnes/apibroker/internal/session"
)

// Catalog is the read side of the API catalog the routes use.
type Catalog interface {
	Names() []string
	Descriptor(name string) (*catalog.Descriptor, error)
	Definition(name string) (map[string]any, error)
	Refresh(name string) error
}

// apiSummary is one entry of the GET /apis listing.
type apiSummary struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Protocol    string `json:"protocol"`
	BaseURL     string `json:"baseURL"`
	PublicPath  string `json:"publicPath,omitempty"`
	PrivatePath string `json:"privatePath,omitempty"`
	Auth        string `json:"auth"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.}}</title></head>
<body>
<p>{{.}}. You can close this window.</p>
<script>
if (window.opener) { window.opener.focus(); }
window.close();
</script>
</body>
</html>
`))

// Sessions loads a session by ID, for callbacks bound to a session other
// than the browser's.
type Sessions interface {
	Load(ctx context.Context, id string) *session.Session
}

type handlers struct {
	broker        *broker.Broker
	catalog       Catalog
	sessions      Sessions
	sessionCookie string
	logger        *slog.Logger
}

func (h *handlers) sessionFor(w http.ResponseWriter, r *http.Request) *session.Session {
	sess := session.FromContext(r.Context())
	if sess == nil {
		h.logger.Error("request reached broker route without a session", slog.String("path", r.URL.Path))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "session unavailable"})
	}
	return sess
}

// processReq handles POST /processReq.
func (h *handlers) processReq(w http.ResponseWriter, r *http.Request) {
	sess := h.sessionFor(w, r)
	if sess == nil {
		return
	}
	req, err := decodeRequest(w, r, h.sessionCookie)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.broker.Process(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out.Negotiation != nil {
		writeJSON(w, http.StatusOK, out.Negotiation)
		return
	}

	if out.Result.SetCookie != nil {
		http.SetCookie(w, out.Result.SetCookie)
	}
	writeJSON(w, envelopeStatus(out.Result.Code), out.Result)
}

// authorize handles ALL /auth.
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	h.negotiate(w, r, h.broker.AuthorizeOAuth1)
}

// authorize2 handles ALL /auth2.
func (h *handlers) authorize2(w http.ResponseWriter, r *http.Request) {
	h.negotiate(w, r, h.broker.AuthorizeOAuth2)
}

type startFunc func(ctx context.Context, sess broker.Session, req *broker.Request) (*broker.Negotiation, error)

func (h *handlers) negotiate(w http.ResponseWriter, r *http.Request, start startFunc) {
	sess := h.sessionFor(w, r)
	if sess == nil {
		return
	}
	req, err := decodeRequest(w, r, h.sessionCookie)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	n, err := start(r.Context(), sess, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// callbackSession is the session a provider redirect completes. A state
// issued by a bound negotiation wins over the browser's own session.
func (h *handlers) callbackSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if id, ok := h.broker.CallbackSession(r.Context(), r.PathValue("api"), r.URL.Query().Get("state")); ok {
		return h.sessions.Load(r.Context(), id)
	}
	return h.sessionFor(w, r)
}

// oauth1Success handles GET /authSuccess/{api}.
func (h *handlers) oauth1Success(w http.ResponseWriter, r *http.Request) {
	sess := h.callbackSession(w, r)
	if sess == nil {
		return
	}
	err := h.broker.CompleteOAuth1(r.Context(), sess, r.PathValue("api"), r.URL.Query().Get("oauth_verifier"))
	h.finishCallback(w, r, err)
}

// oauth2Success handles GET /oauth2Success/{api}.
func (h *handlers) oauth2Success(w http.ResponseWriter, r *http.Request) {
	sess := h.callbackSession(w, r)
	if sess == nil {
		return
	}
	err := h.broker.CompleteOAuth2(r.Context(), sess, r.PathValue("api"), r.URL.Query().Get("code"))
	h.finishCallback(w, r, err)
}

func (h *handlers) finishCallback(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPage.Execute(w, "OAuth Successful"); err != nil {
		h.logger.Warn("rendering callback page", slog.String("error", err.Error()))
	}
}

// listAPIs handles GET /apis.
func (h *handlers) listAPIs(w http.ResponseWriter, _ *http.Request) {
	names := h.catalog.Names()
	out := make([]apiSummary, 0, len(names))
	for _, name := range names {
		d, err := h.catalog.Descriptor(name)
		if err != nil {
			continue
		}
		out = append(out, apiSummary{
			Name:        d.Name,
			Title:       d.Title,
			Protocol:    d.Scheme(),
			BaseURL:     d.BaseURL,
			PublicPath:  d.PublicPath,
			PrivatePath: d.PrivatePath,
			Auth:        authLabel(d.Auth),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// definition handles GET /apis/{api}. ?refresh=1 re-reads the files first.
func (h *handlers) definition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("api")
	if r.URL.Query().Get("refresh") != "" {
		if err := h.catalog.Refresh(name); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	def, err := h.catalog.Definition(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// search handles GET /search?api=&term=.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("api")

	def, err := h.catalog.Definition(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog.Search(name, def, q.Get("term")))
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError answers with the mapped status and the upstream code when
// one is known.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierrors.StatusOf(err)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Info("request rejected", attrs...)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: apierrors.UpstreamStatusOf(err)})
}

// envelopeStatus mirrors the upstream status on the outer response,
// except for statuses that forbid a body.
func envelopeStatus(code int) int {
	switch {
	case code < 200, code == http.StatusNoContent, code == http.StatusNotModified:
		return http.StatusOK
	}
	return code
}

func authLabel(a catalog.Auth) string {
	switch a.(type) {
	case catalog.StaticKey:
		return "key"
	case catalog.Signature:
		return "signed"
	case catalog.OAuth1:
		return "oauth1"
	case catalog.OAuth2:
		return "oauth2"
	}
	return "none"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
