package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/virtualtours/internal/auth"
	"github.com/dukerupert/virtualtours/internal/store"
)

const SessionCookieName = "vt_session"

// Sessions resolves the browser session cookie into an auth.Identity,
// starting a fresh anonymous session when the cookie is missing or stale.
func Sessions(sessionStore *store.SessionStore, secure bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
				sess, err := sessionStore.GetByToken(ctx, cookie.Value)
				if err != nil {
					logger.Error("load session", "error", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if sess != nil {
					id := auth.Identity{SessionRowID: sess.ID, SessionID: sess.SessionID}
					if sess.Email != nil {
						id.Email = *sess.Email
					}
					AddLogAttrs(r, slog.String("session", id.SessionID))
					next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
					return
				}
			}

			sess, err := sessionStore.Create(ctx)
			if err != nil {
				logger.Error("create session", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    sess.Token,
				Path:     "/",
				Expires:  sess.ExpiresAt,
				HttpOnly: true,
				Secure:   secure,
				SameSite: http.SameSiteLaxMode,
			})
			id := auth.Identity{SessionRowID: sess.ID, SessionID: sess.SessionID}
			AddLogAttrs(r, slog.String("session", id.SessionID))
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
		})
	}
}

// RequireAuth rejects requests whose session has not signed in. It must run
// after Sessions.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.Email(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":    "sign in required",
				"redirect": "/login",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionOf reports the anonymous session id carried by r, for handlers
// mounted behind Sessions.
func SessionOf(r *http.Request) (string, bool) {
	sid := auth.SessionID(r.Context())
	return sid, sid != ""
}
