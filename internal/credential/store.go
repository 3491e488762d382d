// Package credential persists negotiation state per (session, API) on top
// of a kv.Store. Keys are "{sessionId}:{apiName}:{field}" and every write
// carries the same fixed expiry as the session, so abandoned negotiations
// clean themselves up.
package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/apibroker/internal/kv"
	"github.com/alexjbarnes/apibroker/internal/models"
)

// TTL matches the session lifetime. It is set on every write and never
// extended by reads.
const TTL = 14 * 24 * time.Hour

// Field names a credential value within a (session, API) namespace.
type Field string

const (
	FieldAPIKey             Field = "apiKey"
	FieldAPISecret          Field = "apiSecret"
	FieldRequestToken       Field = "requestToken"
	FieldRequestTokenSecret Field = "requestTokenSecret"
	FieldAccessToken        Field = "accessToken"
	FieldAccessTokenSecret  Field = "accessTokenSecret"
	FieldRefreshToken       Field = "refreshToken"
	FieldBaseURL            Field = "baseURL"

	// OAuth2 flows store tokens under the provider's own naming.
	FieldOAuth2AccessToken  Field = "access_token"
	FieldOAuth2RefreshToken Field = "refresh_token"
)

// Key builds the store key for a field.
func Key(sessionID, api string, f Field) string {
	return sessionID + ":" + api + ":" + string(f)
}

// Store reads and writes typed credential records.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

// New wraps a kv.Store.
func New(store kv.Store, logger *slog.Logger) *Store {
	return &Store{kv: store, logger: logger}
}

func (s *Store) write(ctx context.Context, sessionID, api string, fields map[Field]string) error {
	values := make(map[string]string, len(fields))
	for f, v := range fields {
		values[Key(sessionID, api, f)] = v
	}
	return s.kv.SetMany(ctx, values, TTL)
}

// read returns the requested fields. A store failure is logged and
// reported as all-empty, which callers treat as "not authenticated".
func (s *Store) read(ctx context.Context, sessionID, api string, fields ...Field) []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = Key(sessionID, api, f)
	}

	vals, err := s.kv.MGet(ctx, keys...)
	if err != nil || len(vals) != len(keys) {
		s.logger.Warn("credential read failed",
			slog.String("api", api),
			slog.Any("error", err),
		)
		return make([]string, len(fields))
	}
	return vals
}

// SaveOAuth1Request persists the consumer credentials and request token
// issued at the start of a three-legged negotiation.
func (s *Store) SaveOAuth1Request(ctx context.Context, sessionID, api string, rec models.OAuth1Record) error {
	return s.write(ctx, sessionID, api, map[Field]string{
		FieldAPIKey:             rec.APIKey,
		FieldAPISecret:          rec.APISecret,
		FieldRequestToken:       rec.RequestToken,
		FieldRequestTokenSecret: rec.RequestTokenSecret,
	})
}

// SaveOAuth1Access persists the access token pair. Both halves are written
// in one call so a reader never sees one without the other.
func (s *Store) SaveOAuth1Access(ctx context.Context, sessionID, api, token, secret string) error {
	return s.write(ctx, sessionID, api, map[Field]string{
		FieldAccessToken:       token,
		FieldAccessTokenSecret: secret,
	})
}

// LoadOAuth1 returns whatever OAuth1 state exists for the pair.
func (s *Store) LoadOAuth1(ctx context.Context, sessionID, api string) models.OAuth1Record {
	v := s.read(ctx, sessionID, api,
		FieldAPIKey, FieldAPISecret,
		FieldRequestToken, FieldRequestTokenSecret,
		FieldAccessToken, FieldAccessTokenSecret,
	)
	return models.OAuth1Record{
		APIKey:             v[0],
		APISecret:          v[1],
		RequestToken:       v[2],
		RequestTokenSecret: v[3],
		AccessToken:        v[4],
		AccessTokenSecret:  v[5],
	}
}

// SaveOAuth2Start persists the client credentials and base URL written
// when an OAuth2 flow begins.
func (s *Store) SaveOAuth2Start(ctx context.Context, sessionID, api string, rec models.OAuth2Record) error {
	return s.write(ctx, sessionID, api, map[Field]string{
		FieldAPIKey:    rec.APIKey,
		FieldAPISecret: rec.APISecret,
		FieldBaseURL:   rec.BaseURL,
	})
}

// SaveOAuth2Tokens persists issued tokens under the OAuth2 field names.
// With camelCase set the same values are also written as accessToken and
// refreshToken, which the client-credentials callback checks. An empty
// refresh token is not written.
func (s *Store) SaveOAuth2Tokens(ctx context.Context, sessionID, api, access, refresh string, camelCase bool) error {
	fields := map[Field]string{FieldOAuth2AccessToken: access}
	if refresh != "" {
		fields[FieldOAuth2RefreshToken] = refresh
	}
	if camelCase {
		fields[FieldAccessToken] = access
		if refresh != "" {
			fields[FieldRefreshToken] = refresh
		}
	}
	return s.write(ctx, sessionID, api, fields)
}

// LoadOAuth2 returns whatever OAuth2 state exists for the pair. The
// OAuth2-named access token wins over the camelCase copy.
func (s *Store) LoadOAuth2(ctx context.Context, sessionID, api string) models.OAuth2Record {
	v := s.read(ctx, sessionID, api,
		FieldAPIKey, FieldAPISecret, FieldBaseURL,
		FieldOAuth2AccessToken, FieldOAuth2RefreshToken,
		FieldAccessToken, FieldRefreshToken,
	)

	rec := models.OAuth2Record{
		APIKey:       v[0],
		APISecret:    v[1],
		BaseURL:      v[2],
		AccessToken:  v[3],
		RefreshToken: v[4],
	}
	if rec.AccessToken == "" {
		rec.AccessToken = v[5]
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = v[6]
	}
	return rec
}

// CallbackTTL bounds how long a provider redirect may take to arrive for
// a bound callback.
const CallbackTTL = time.Hour

func callbackKey(api, state string) string {
	return "callback:" + api + ":" + state
}

// SaveCallback binds a callback state token to the session that started
// the negotiation, for callers whose browser does not carry that session.
func (s *Store) SaveCallback(ctx context.Context, api, state, sessionID string) error {
	return s.kv.SetMany(ctx, map[string]string{callbackKey(api, state): sessionID}, CallbackTTL)
}

// TakeCallback returns the session bound to state and consumes the
// binding. Unknown, expired and already used tokens report false.
func (s *Store) TakeCallback(ctx context.Context, api, state string) (string, bool) {
	key := callbackKey(api, state)
	id, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("callback state read failed",
			slog.String("api", api),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if !ok || id == "" {
		return "", false
	}

	if err := s.kv.SetMany(ctx, map[string]string{key: ""}, CallbackTTL); err != nil {
		s.logger.Warn("callback state consume failed",
			slog.String("api", api),
			slog.String("error", err.Error()),
		)
	}
	return id, true
}
