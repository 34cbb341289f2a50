package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// SessionKey is the context key for storing the authenticated session.
const SessionKey contextKey = "session"

const (
	// CookieName is the name of the cookie session that carries the token
	// for browser and websocket clients.
	CookieName = "groupchat-session"

	tokenValue = "token"
)

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess auth.Session) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// GetSession extracts the session from the context.
// Returns the zero Session if not found.
func GetSession(ctx context.Context) auth.Session {
	sess, _ := ctx.Value(SessionKey).(auth.Session)
	return sess
}

// GetUsername extracts the logged-in username from the context.
// Returns empty string if not found.
func GetUsername(ctx context.Context) string {
	return GetSession(ctx).Username
}

// TokenAuthenticator turns a token into a session.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Session, error)
}

// Auth authenticates HTTP requests. The token is read from the
// Authorization header, or else from the cookie session.
type Auth struct {
	authenticator TokenAuthenticator
	cookies       sessions.Store
}

// NewAuth creates the auth middleware.
func NewAuth(authenticator TokenAuthenticator, cookies sessions.Store) *Auth {
	return &Auth{authenticator: authenticator, cookies: cookies}
}

// RequireAuth rejects requests without a valid session with 401 and adds
// the session to the context of the others.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.token(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		if token == "" {
			unauthorized(w, auth.ErrMissingToken)
			return
		}

		sess, err := a.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, models.ErrUnauthenticated) {
				slog.Error("Authentication failed", "path", r.URL.Path, "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			unauthorized(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// OptionalAuth adds the session to the context if the request carries a
// valid token, and passes every request through.
func (a *Auth) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.token(r)
		if err == nil && token != "" {
			if sess, err := a.authenticator.Authenticate(r.Context(), token); err == nil {
				r = r.WithContext(WithSession(r.Context(), sess))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// NewCookieStore creates the cookie store for the session cookie. secure
// must be false when the server is reached over plain HTTP, or browsers
// never send the cookie back.
func NewCookieStore(key []byte, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore(key)
	store.Options.Path = "/"
	store.Options.HttpOnly = true
	store.Options.Secure = secure
	store.Options.SameSite = http.SameSiteLaxMode
	return store
}

// SaveToken stores token in the cookie session for maxAge seconds.
func (a *Auth) SaveToken(w http.ResponseWriter, r *http.Request, token string, maxAge int) error {
	session, err := a.cookies.New(r, CookieName)
	if err != nil && session == nil {
		return err
	}
	session.Values[tokenValue] = token
	session.Options.MaxAge = maxAge
	return session.Save(r, w)
}

// ClearToken expires the cookie session.
func (a *Auth) ClearToken(w http.ResponseWriter, r *http.Request) error {
	session, err := a.cookies.New(r, CookieName)
	if err != nil && session == nil {
		return err
	}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func (a *Auth) token(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", auth.ErrInvalidToken
		}
		return parts[1], nil
	}

	if a.cookies == nil {
		return "", nil
	}
	if _, err := r.Cookie(CookieName); err != nil {
		return "", nil
	}
	session, err := a.cookies.Get(r, CookieName)
	if err != nil {
		// tampered or signed with an old key
		return "", auth.ErrInvalidToken
	}
	token, _ := session.Values[tokenValue].(string)
	return token, nil
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
