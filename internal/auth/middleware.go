package auth

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// unprotectedPaths stay reachable without credentials so load balancers
// can probe the process.
var unprotectedPaths = map[string]bool{
	"/healthz": true,
}

// HashPassword returns the bcrypt hash stored in BASIC_AUTH_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BasicAuth returns HTTP middleware that requires the given user and a
// password matching the bcrypt hash. An empty user disables the gate.
// Repeated failures from one IP are answered with 429 for a while.
func BasicAuth(user, passwordHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return basicAuth(user, passwordHash, logger, newFailureLimiter())
}

func basicAuth(user, passwordHash string, logger *slog.Logger, limiter *failureLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if user == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unprotectedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if limiter.blocked(ip) {
				logger.Warn("basic auth: too many failures",
					slog.String("ip", ip),
				)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)

				return
			}

			u, p, ok := r.BasicAuth()
			if !ok {
				logger.Debug("basic auth: no credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				challenge(w)

				return
			}

			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
			passOK := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) == nil
			if !userOK || !passOK {
				limiter.fail(ip)
				logger.Warn("basic auth: rejected credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				challenge(w)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="apibroker", charset="UTF-8"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
