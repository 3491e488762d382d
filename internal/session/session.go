// Package session owns the per-session authorization gate. Sessions are
// identified by a cookie and persisted in the shared kv.Store so any
// instance can serve any request.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/apibroker/internal/kv"
	"github.com/alexjbarnes/apibroker/internal/models"
	"github.com/google/uuid"
)

// TTL is the session lifetime. Each gate write resets it.
const TTL = 14 * 24 * time.Hour

const keyPrefix = "session:"

type ctxKey struct{}

// Session is the gate state for one session ID.
type Session struct {
	id    string
	store kv.Store

	mu     sync.Mutex
	authed map[string]bool
}

// ID returns the session identifier used to namespace credentials.
func (s *Session) ID() string {
	return s.id
}

// Authed reports whether a negotiation for api completed in this session.
func (s *Session) Authed(api string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed[api]
}

// MarkAuthed sets the gate for api. Callers must have persisted the
// access credential first. The stored state is re-read and merged so a
// concurrent request marking another API is not lost.
func (s *Session) MarkAuthed(ctx context.Context, api string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := load(ctx, s.store, s.id)
	if err != nil {
		return err
	}
	for k, v := range s.authed {
		if v {
			current.Authed[k] = true
		}
	}
	current.Authed[api] = true

	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.store.SetMany(ctx, map[string]string{keyPrefix + s.id: string(data)}, TTL); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.authed = current.Authed
	return nil
}

func load(ctx context.Context, store kv.Store, id string) (models.SessionState, error) {
	state := models.SessionState{Authed: map[string]bool{}}

	raw, ok, err := store.Get(ctx, keyPrefix+id)
	if err != nil {
		return state, fmt.Errorf("loading session: %w", err)
	}
	if !ok {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return state, fmt.Errorf("decoding session: %w", err)
	}
	if state.Authed == nil {
		state.Authed = map[string]bool{}
	}
	return state, nil
}

// Manager issues and loads sessions.
type Manager struct {
	store  kv.Store
	cookie string
	secure bool
	logger *slog.Logger
}

// NewManager creates a Manager storing sessions in store under the given
// cookie name.
func NewManager(store kv.Store, cookie string, secure bool, logger *slog.Logger) *Manager {
	return &Manager{store: store, cookie: cookie, secure: secure, logger: logger}
}

// Load returns the session for id. A store failure yields an empty gate,
// never an authed one.
func (m *Manager) Load(ctx context.Context, id string) *Session {
	state, err := load(ctx, m.store, id)
	if err != nil {
		m.logger.Warn("session load failed, treating as unauthenticated",
			slog.String("error", err.Error()),
		)
	}
	return &Session{id: id, store: m.store, authed: state.Authed}
}

// Middleware attaches the caller's session to the request context,
// issuing a new session cookie when none is present.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(m.cookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				id = c.Value
			}
		}

		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     m.cookie,
				Value:    id,
				Path:     "/",
				MaxAge:   int(TTL / time.Second),
				HttpOnly: true,
				Secure:   m.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		s := m.Load(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
	})
}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session attached by Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
