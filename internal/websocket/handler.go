package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// SessionFunc resolves the browser session of a request.
type SessionFunc func(r *http.Request) (string, bool)

// HandleWebSocket upgrades the request and runs it as a client of the
// caller's session. Requests without a session get 401.
func HandleWebSocket(hub *Hub, sessionOf SessionFunc, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := sessionOf(r)
		if !ok || sessionID == "" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		client := NewClient(hub, conn, sessionID)
		client.Run(r.Context())
	}
}
