package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dukerupert/virtualtours/internal/backup"
	"github.com/dukerupert/virtualtours/internal/checkout"
	"github.com/dukerupert/virtualtours/internal/config"
	"github.com/dukerupert/virtualtours/internal/database"
	"github.com/dukerupert/virtualtours/internal/email"
	"github.com/dukerupert/virtualtours/internal/generation"
	"github.com/dukerupert/virtualtours/internal/imagestore"
	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/logging"
	"github.com/dukerupert/virtualtours/internal/magiclink"
	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/middleware"
	"github.com/dukerupert/virtualtours/internal/objectstore"
	"github.com/dukerupert/virtualtours/internal/push"
	"github.com/dukerupert/virtualtours/internal/replicate"
	"github.com/dukerupert/virtualtours/internal/server"
	"github.com/dukerupert/virtualtours/internal/store"
	"github.com/dukerupert/virtualtours/internal/stripe"
	ws "github.com/dukerupert/virtualtours/internal/websocket"
)

// processedEventRetention bounds the webhook dedup table.
const processedEventRetention = 90 * 24 * time.Hour

func main() {
	restoreKey := flag.String("restore", "", "restore the database from this backup key and exit")
	backupNow := flag.Bool("backup", false, "take a backup now and exit")
	listBackups := flag.Bool("list-backups", false, "list stored backups and exit")
	vapidKeys := flag.Bool("vapid-keys", false, "print a new VAPID key pair for web push and exit")
	flag.Parse()

	if *vapidKeys {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New()
	bucket := objectstore.New(cfg.S3)
	backupCfg := backup.Config{Passphrase: cfg.BackupPassphrase, RetentionDays: cfg.BackupRetentionDays}

	if *restoreKey != "" {
		mgr := backup.NewManager(backupCfg, nil, bucket, m, logger.With("component", "backup"))
		if err := mgr.Restore(context.Background(), *restoreKey, cfg.DBPath); err != nil {
			slog.Error("restore failed", "key", *restoreKey, "error", err)
			os.Exit(1)
		}
		slog.Info("database restored", "key", *restoreKey, "path", cfg.DBPath)
		return
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	backups := backup.NewManager(backupCfg, db, bucket, m, logger.With("component", "backup"))
	if *backupNow || *listBackups {
		code := runBackupCommand(backups, *backupNow)
		db.Close()
		os.Exit(code)
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	images := imagestore.New(cfg.DataDir, bucket, logger.With("component", "imagestore"))
	l := ledger.New(db)

	provider := replicate.NewClient(cfg.ReplicateToken, cfg.ReplicateModel, logger.With("component", "replicate"),
		replicate.WithPolling(2*time.Second, 150))

	notifiers := []generation.Option{generation.WithNotifier(hub)}
	var pushService *push.Service
	if cfg.PushEnabled() {
		pushService = push.NewService(cfg.Push)
		notifiers = append(notifiers, generation.WithNotifier(
			push.NewNotifier(pushService, store.NewPushStore(db), logger.With("component", "push"))))
	}

	genCfg := generation.DefaultConfig()
	genCfg.MaxRetries = uint64(cfg.GenerationRetries)
	genCfg.RefundOnFailure = cfg.RefundFailedGenerations
	genCfg.TaskTimeout = cfg.GenerationTimeout
	workflow := generation.New(db, l, store.NewGenerationStore(db), provider, images, genCfg,
		logger.With("component", "generation"),
		append(notifiers, generation.WithMetrics(m))...,
	)

	accounts := store.NewAccountStore(db)
	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, email.WithLinkTTL(magiclink.DefaultTTL))
	authenticator := magiclink.NewAuthenticator(accounts, emailClient, cfg.BaseURL, logger.With("component", "magiclink"))

	payments := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
	events := store.NewEventStore(db)
	orchestrator := checkout.New(db, l, events, payments, cfg.BaseURL, m, logger.With("component", "checkout"))

	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = middleware.NewRedisLimiter(rdb, "vt:rl", logger.With("component", "ratelimit"))
	}

	srv := server.New(db, server.Config{
		SecureCookies:     cfg.Secure(),
		OriginPatterns:    []string{originHost(cfg.BaseURL)},
		LoginRateLimit:    cfg.LoginRateLimit,
		CheckoutRateLimit: cfg.CheckoutRateLimit,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, server.Deps{
		Workflow:      workflow,
		Checkout:      orchestrator,
		Authenticator: authenticator,
		Ledger:        l,
		Images:        images,
		Hub:           hub,
		Backups:       backups,
		Metrics:       m,
		Push:          pushService,
		Limiter:       limiter,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := workflow.Resume(ctx); err != nil {
		slog.Error("resume pending generations", "error", err)
	} else if n > 0 {
		slog.Info("resumed pending generations", "count", n)
	}

	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() {
		housekeeping(ctx, srv, accounts, events)
	})
	if backups.Status().State != backup.StateDisabled {
		if _, err := scheduler.AddFunc(cfg.BackupSchedule, func() { backups.Run(ctx) }); err != nil {
			slog.Error("invalid BACKUP_SCHEDULE", "schedule", cfg.BackupSchedule, "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("virtual tours starting", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := workflow.Shutdown(shutdownCtx); err != nil {
		slog.Warn("generations left pending for next start", "error", err)
	}
	<-scheduler.Stop().Done()
}

func housekeeping(ctx context.Context, srv *server.Server, accounts *store.AccountStore, events *store.EventStore) {
	if n, err := srv.SessionStore().DeleteExpired(ctx); err != nil {
		slog.Error("cleanup expired sessions", "error", err)
	} else if n > 0 {
		slog.Info("cleaned up expired sessions", "count", n)
	}
	if n, err := accounts.ClearExpiredMagicLinks(ctx, time.Now()); err != nil {
		slog.Error("cleanup expired magic links", "error", err)
	} else if n > 0 {
		slog.Info("cleared expired magic links", "count", n)
	}
	if n, err := events.DeleteOlderThan(ctx, time.Now().Add(-processedEventRetention)); err != nil {
		slog.Error("prune processed events", "error", err)
	} else if n > 0 {
		slog.Info("pruned processed events", "count", n)
	}
	if rl := srv.RateLimiter(); rl != nil {
		rl.Cleanup()
	}
}

func runBackupCommand(backups *backup.Manager, take bool) int {
	ctx := context.Background()
	if take {
		key, err := backups.RunNow(ctx)
		if err != nil {
			slog.Error("backup failed", "error", err)
			return 1
		}
		fmt.Println(key)
		return 0
	}
	objs, err := backups.List(ctx)
	if err != nil {
		slog.Error("list backups", "error", err)
		return 1
	}
	for _, o := range objs {
		fmt.Printf("%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format(time.RFC3339))
	}
	return 0
}

func originHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}
