// Package server provides HTTP server construction for apibroker.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/broker"
	"github.com/alexjbarnes/apibroker/internal/session"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Broker     *broker.Broker
	Catalog    Catalog
	Sessions   *session.Manager
	MCPHandler http.Handler
	Logger     *slog.Logger

	// SessionCookie is never relayed upstream.
	SessionCookie string

	// BasicAuthUser enables the basic-auth gate when set.
	BasicAuthUser         string
	BasicAuthPasswordHash string
}

// NewMux builds the HTTP handler with the broker, callback, catalog and
// MCP endpoints. Broker routes run inside the session middleware and
// everything sits behind the optional basic-auth gate.
func NewMux(cfg MuxConfig) http.Handler {
	h := &handlers{
		broker:        cfg.Broker,
		catalog:       cfg.Catalog,
		sessions:      cfg.Sessions,
		sessionCookie: cfg.SessionCookie,
		logger:        cfg.Logger,
	}
	withSession := cfg.Sessions.Middleware

	mux := http.NewServeMux()
	mux.Handle("POST /processReq", withSession(http.HandlerFunc(h.processReq)))
	mux.Handle("/auth", withSession(http.HandlerFunc(h.authorize)))
	mux.Handle("/auth2", withSession(http.HandlerFunc(h.authorize2)))
	mux.Handle("GET /authSuccess/{api}", withSession(http.HandlerFunc(h.oauth1Success)))
	mux.Handle("GET /oauth2Success/{api}", withSession(http.HandlerFunc(h.oauth2Success)))

	mux.HandleFunc("GET /apis", h.listAPIs)
	mux.HandleFunc("GET /apis/{api}", h.definition)
	mux.HandleFunc("GET /search", h.search)
	mux.HandleFunc("GET /healthz", healthz)

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", cfg.MCPHandler)
	}

	gate := auth.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPasswordHash, cfg.Logger)
	return gate(mux)
}
