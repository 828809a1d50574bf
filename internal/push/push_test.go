package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/virtualtours/internal/database"
	"github.com/dukerupert/virtualtours/internal/model"
	"github.com/dukerupert/virtualtours/internal/store"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	// Uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}

	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(privBytes) != 32 {
		t.Errorf("private key length = %d, want 32", len(privBytes))
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

// browserKeys returns the p256dh and auth values a browser would register.
func browserKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate browser key: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

type pushServer struct {
	mu   sync.Mutex
	hits map[string]int
	srv  *httptest.Server
}

// newPushServer answers 201 except for paths starting with /gone.
func newPushServer(t *testing.T) *pushServer {
	ps := &pushServer{hits: map[string]int{}}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.hits[r.URL.Path]++
		ps.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if strings.HasPrefix(r.URL.Path, "/gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) count(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func newTestService(t *testing.T, client *http.Client) *Service {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	return NewService(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "mailto:tours@example.com",
	}).WithHTTPClient(client)
}

func TestSend(t *testing.T) {
	ps := newPushServer(t)
	svc := newTestService(t, ps.srv.Client())
	p256dh, auth := browserKeys(t)

	sub := &model.PushSubscription{Endpoint: ps.srv.URL + "/ok/1", P256dhKey: p256dh, AuthKey: auth}
	if err := svc.Send(context.Background(), sub, Payload{Title: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := ps.count("/ok/1"); got != 1 {
		t.Errorf("hits = %d, want 1", got)
	}

	sub.Endpoint = ps.srv.URL + "/gone/1"
	if err := svc.Send(context.Background(), sub, Payload{Title: "hi"}); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestNotifierRemovesExpiredSubscriptions(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	subs := store.NewPushStore(db)
	ctx := context.Background()

	ps := newPushServer(t)
	p256dh, auth := browserKeys(t)
	for _, path := range []string{"/ok/a", "/gone/b"} {
		if _, err := subs.Subscribe(ctx, "sess-1", ps.srv.URL+path, p256dh, auth); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := subs.Subscribe(ctx, "sess-2", ps.srv.URL+"/ok/other", p256dh, auth); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewNotifier(newTestService(t, ps.srv.Client()), subs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.NotifyGeneration(&model.Generation{ID: 7, SessionID: "sess-1", Status: model.GenerationReady, Prompt: "A market"})

	if ps.count("/ok/a") != 1 || ps.count("/gone/b") != 1 {
		t.Errorf("hits = %v", ps.hits)
	}
	if ps.count("/ok/other") != 0 {
		t.Error("another session's subscription was notified")
	}
	left, err := subs.ListBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].Endpoint != ps.srv.URL+"/ok/a" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestPayloadFor(t *testing.T) {
	ready := PayloadFor(&model.Generation{ID: 3, Status: model.GenerationReady, Prompt: "Forum at dawn"})
	if ready.Title != "Your tour image is ready" || ready.Body != "Forum at dawn" {
		t.Errorf("ready payload = %+v", ready)
	}
	if ready.URL != "/generations/3" || ready.Tag != "generation-3" {
		t.Errorf("ready payload = %+v", ready)
	}

	refunded := PayloadFor(&model.Generation{ID: 4, Status: model.GenerationFailed, Error: "boom", Refunded: true})
	if refunded.Body != "No credit was used." {
		t.Errorf("refunded body = %q", refunded.Body)
	}

	failed := PayloadFor(&model.Generation{ID: 5, Status: model.GenerationFailed, Error: "boom"})
	if failed.Body != "boom" {
		t.Errorf("failed body = %q", failed.Body)
	}
}
