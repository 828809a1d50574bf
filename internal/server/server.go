package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dukerupert/virtualtours/internal/backup"
	"github.com/dukerupert/virtualtours/internal/checkout"
	"github.com/dukerupert/virtualtours/internal/generation"
	"github.com/dukerupert/virtualtours/internal/handler"
	"github.com/dukerupert/virtualtours/internal/imagestore"
	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/magiclink"
	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/middleware"
	"github.com/dukerupert/virtualtours/internal/push"
	"github.com/dukerupert/virtualtours/internal/store"
	ws "github.com/dukerupert/virtualtours/internal/websocket"
)

type Config struct {
	SecureCookies     bool
	OriginPatterns    []string
	LoginRateLimit    int
	CheckoutRateLimit int
	RateLimitWindow   time.Duration
}

// Deps are the long-lived collaborators the HTTP layer drives.
type Deps struct {
	Workflow      *generation.Workflow
	Checkout      *checkout.Orchestrator
	Authenticator *magiclink.Authenticator
	Ledger        *ledger.Ledger
	Images        *imagestore.Store
	Hub           *ws.Hub
	Backups       *backup.Manager
	Metrics       *metrics.Metrics
	// Push is nil when web push is not configured.
	Push *push.Service
	// Limiter defaults to an in-memory limiter.
	Limiter middleware.Limiter
}

type Server struct {
	db           *sql.DB
	cfg          Config
	deps         Deps
	sessionStore *store.SessionStore
	memLimiter   *middleware.RateLimiter

	authH       *handler.AuthHandler
	accountH    *handler.AccountHandler
	generationH *handler.GenerationHandler
	checkoutH   *handler.CheckoutHandler
	webhookH    *handler.WebhookHandler
	pushH       *handler.PushHandler

	logger *slog.Logger
}

func New(db *sql.DB, cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = 5
	}
	if cfg.CheckoutRateLimit <= 0 {
		cfg.CheckoutRateLimit = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 15 * time.Minute
	}

	s := &Server{
		db:           db,
		cfg:          cfg,
		deps:         deps,
		sessionStore: store.NewSessionStore(db),
		logger:       logger,
	}
	if s.deps.Limiter == nil {
		s.memLimiter = middleware.NewRateLimiter()
		s.deps.Limiter = s.memLimiter
	}

	s.authH = handler.NewAuthHandler(deps.Authenticator, s.sessionStore, logger.With("component", "auth"))
	s.accountH = handler.NewAccountHandler(deps.Ledger, logger.With("component", "account"))
	s.generationH = handler.NewGenerationHandler(deps.Workflow, deps.Images, logger.With("component", "generation_handler"))
	s.checkoutH = handler.NewCheckoutHandler(deps.Checkout, logger.With("component", "checkout"))
	s.webhookH = handler.NewWebhookHandler(deps.Checkout, logger.With("component", "webhook"))
	if deps.Push != nil {
		s.pushH = handler.NewPushHandler(store.NewPushStore(db), deps.Push, logger.With("component", "push"))
	}
	return s
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the in-memory limiter for cleanup tasks, or nil when a
// shared limiter was injected.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.memLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// No browser session
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	// Session-scoped, anonymous allowed
	mux.Handle("POST /login", s.session(s.rateLimited("login", s.cfg.LoginRateLimit, s.authH.Login)))
	mux.Handle("GET /auth/verify", s.session(http.HandlerFunc(s.authH.Verify)))
	mux.Handle("POST /logout", s.session(http.HandlerFunc(s.authH.Logout)))
	mux.Handle("GET /me", s.session(http.HandlerFunc(s.authH.Me)))
	mux.Handle("GET /scenes", http.HandlerFunc(s.generationH.Scenes))
	mux.Handle("GET /generations", s.session(http.HandlerFunc(s.generationH.List)))
	mux.Handle("GET /tours", s.session(http.HandlerFunc(s.generationH.List)))
	mux.Handle("GET /generations/{id}", s.session(http.HandlerFunc(s.generationH.Get)))
	mux.Handle("GET /generations/{id}/image", s.session(http.HandlerFunc(s.generationH.Image)))
	mux.Handle("GET /success", s.session(http.HandlerFunc(s.checkoutH.Success)))
	mux.Handle("GET /cancel", s.session(http.HandlerFunc(s.checkoutH.Cancel)))
	mux.Handle("GET /ws", s.session(ws.HandleWebSocket(s.deps.Hub, middleware.SessionOf, s.cfg.OriginPatterns, s.logger.With("component", "websocket"))))
	if s.pushH != nil {
		mux.HandleFunc("GET /push/vapid-key", s.pushH.VAPIDKey)
		mux.Handle("POST /push/subscriptions", s.session(http.HandlerFunc(s.pushH.Subscribe)))
		mux.Handle("DELETE /push/subscriptions", s.session(http.HandlerFunc(s.pushH.Unsubscribe)))
	}

	// Signed in
	mux.Handle("POST /generations", s.signedIn(http.HandlerFunc(s.generationH.Create)))
	mux.Handle("GET /balance", s.signedIn(http.HandlerFunc(s.accountH.Balance)))
	mux.Handle("POST /checkout", s.signedIn(s.rateLimited("checkout", s.cfg.CheckoutRateLimit, s.checkoutH.CreateCheckoutSession)))

	var h http.Handler = mux
	h = s.deps.Metrics.InstrumentHandler(h)
	h = middleware.RequestLogger(s.logger.With("component", "http"))(h)
	h = chimw.Recoverer(h)
	h = chimw.RequestID(h)
	return h
}

func (s *Server) session(h http.Handler) http.Handler {
	return middleware.Sessions(s.sessionStore, s.cfg.SecureCookies, s.logger.With("component", "session"))(h)
}

func (s *Server) signedIn(h http.Handler) http.Handler {
	return s.session(middleware.RequireAuth(h))
}

func (s *Server) rateLimited(scope string, limit int, h http.HandlerFunc) http.Handler {
	keyFunc := func(r *http.Request) string {
		return scope + ":" + middleware.RealIP(r)
	}
	return middleware.RateLimit(s.deps.Limiter, keyFunc, limit, s.cfg.RateLimitWindow)(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check database ping", "error", err)
		status["status"] = "degraded"
		status["database"] = "unreachable"
	}
	if s.deps.Backups != nil {
		status["backup"] = s.deps.Backups.Status()
	}
	if s.deps.Hub != nil {
		status["websocket_clients"] = s.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}
