package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/virtualtours/internal/checkout"
	"github.com/dukerupert/virtualtours/internal/generation"
	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/magiclink"
)

const maxFormBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
}

// statusFor maps domain errors onto HTTP responses. Unknown errors are 500s
// and their text is not exposed.
func statusFor(err error) (int, errorBody) {
	switch {
	case errors.Is(err, magiclink.ErrEmailRequired):
		return http.StatusBadRequest, errorBody{Error: "email is required"}
	case errors.Is(err, magiclink.ErrInvalidOrExpired):
		return http.StatusBadRequest, errorBody{Error: "this sign-in link is invalid or has expired, request a new one", Redirect: "/login"}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorBody{Error: "not enough credits", Redirect: "/buy_credits"}
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, errorBody{Error: "account not found"}
	case errors.Is(err, generation.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "generation not found"}
	case errors.Is(err, generation.ErrWrongSession):
		return http.StatusForbidden, errorBody{Error: "generation belongs to another session"}
	case errors.Is(err, generation.ErrSessionNeeded):
		return http.StatusBadRequest, errorBody{Error: "session required"}
	case errors.Is(err, generation.ErrShuttingDown):
		return http.StatusServiceUnavailable, errorBody{Error: "server is shutting down, try again shortly"}
	case errors.Is(err, checkout.ErrInvalidAmount):
		return http.StatusBadRequest, errorBody{Error: fmt.Sprintf("credit_amount must be between %d and %d", checkout.MinCredits, checkout.MaxCredits)}
	case errors.Is(err, checkout.ErrInvalidSignature):
		return http.StatusBadRequest, errorBody{Error: "invalid signature"}
	case errors.Is(err, checkout.ErrMissingMetadata):
		return http.StatusBadRequest, errorBody{Error: "missing metadata"}
	case errors.Is(err, checkout.ErrMalformedEvent):
		return http.StatusBadRequest, errorBody{Error: "malformed event"}
	case errors.Is(err, checkout.ErrPaymentProvider):
		return http.StatusBadGateway, errorBody{Error: "payment provider unavailable"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	writeJSON(w, status, body)
}

// formValue reads key from a JSON object body or from form values.
func formValue(r *http.Request, key string) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
		return strings.TrimSpace(r.FormValue(key)), nil
	}

	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxFormBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	switch v := body[key].(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
