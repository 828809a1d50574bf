package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/virtualtours/internal/auth"
	"github.com/dukerupert/virtualtours/internal/magiclink"
	"github.com/dukerupert/virtualtours/internal/store"
)

type AuthHandler struct {
	authenticator *magiclink.Authenticator
	sessionStore  *store.SessionStore
	logger        *slog.Logger
}

func NewAuthHandler(a *magiclink.Authenticator, ss *store.SessionStore, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{authenticator: a, sessionStore: ss, logger: logger}
}

// Login emails a sign-in link. The response is the same whether or not the
// account existed before.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	email, err := formValue(r, "email")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := h.authenticator.RequestLink(r.Context(), email); err != nil {
		if !errors.Is(err, magiclink.ErrEmailRequired) {
			h.logger.Error("request magic link", "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "check_email",
		"email":  magiclink.NormalizeEmail(email),
	})
}

// Verify consumes the token from the emailed link and signs the browser
// session in, then sends the browser home.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, errors.New("verify without session"))
		return
	}

	acct, err := h.authenticator.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if !errors.Is(err, magiclink.ErrInvalidOrExpired) {
			h.logger.Error("verify magic link", "error", err)
		}
		writeError(w, err)
		return
	}

	if err := h.sessionStore.SetEmail(r.Context(), id.SessionRowID, acct.Email); err != nil {
		h.logger.Error("bind session", "error", err, "email", acct.Email)
		writeError(w, err)
		return
	}
	h.logger.Info("signed in", "email", acct.Email, "session_id", id.SessionID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if ok && id.Authenticated() {
		if err := h.sessionStore.ClearEmail(r.Context(), id.SessionRowID); err != nil {
			h.logger.Error("logout", "error", err)
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// Me reports who the browser session belongs to.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    id.SessionID,
		"email":         id.Email,
		"authenticated": id.Authenticated(),
	})
}
