package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/virtualtours/internal/auth"
	"github.com/dukerupert/virtualtours/internal/ledger"
)

type AccountHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewAccountHandler(l *ledger.Ledger, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{ledger: l, logger: logger}
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	email := auth.Email(r.Context())
	balance, err := h.ledger.Balance(r.Context(), email)
	if err != nil {
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			h.logger.Error("read balance", "email", email, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": email, "balance": balance})
}
