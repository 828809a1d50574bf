package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/virtualtours/internal/checkout"
	"github.com/dukerupert/virtualtours/internal/database"
	"github.com/dukerupert/virtualtours/internal/generation"
	"github.com/dukerupert/virtualtours/internal/imagestore"
	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/magiclink"
	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/push"
	"github.com/dukerupert/virtualtours/internal/store"
	"github.com/dukerupert/virtualtours/internal/stripe"
	ws "github.com/dukerupert/virtualtours/internal/websocket"
)

const webhookSecret = "whsec_server_test"

type linkSender struct {
	mu    sync.Mutex
	links []string
}

func (s *linkSender) Configured() bool { return true }

func (s *linkSender) SendMagicLink(_ context.Context, _, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, link)
	return nil
}

func (s *linkSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.links) == 0 {
		t.Fatal("no magic link sent")
	}
	return s.links[len(s.links)-1]
}

type pngProvider struct{}

func (pngProvider) Generate(_ context.Context, _ string) ([]string, error) {
	return []string{"https://cdn.test/out.png"}, nil
}

func (pngProvider) Download(_ context.Context, _ string) ([]byte, error) {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))
	return buf.Bytes(), nil
}

type testEnv struct {
	srv    *httptest.Server
	sender *linkSender
	ledger *ledger.Ledger
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := ws.NewHub(logger)
	l := ledger.New(db)
	images := imagestore.New(t.TempDir(), nil, logger)
	sender := &linkSender{}

	cfg := generation.DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.PollInterval = 3 * time.Second
	wf := generation.New(db, l, store.NewGenerationStore(db), pngProvider{}, images, cfg, logger,
		generation.WithNotifier(hub), generation.WithMetrics(m))
	t.Cleanup(func() { wf.Shutdown(context.Background()) })

	payments := stripe.NewClient(stripe.Config{SecretKey: "sk_test_x", WebhookSecret: webhookSecret})
	s := New(db, Config{}, Deps{
		Workflow:      wf,
		Checkout:      checkout.New(db, l, store.NewEventStore(db), payments, "http://tours.test", m, logger),
		Authenticator: magiclink.NewAuthenticator(store.NewAccountStore(db), sender, "http://tours.test", logger),
		Ledger:        l,
		Images:        images,
		Hub:           hub,
		Metrics:       m,
		Push:          push.NewService(push.Config{VAPIDPublicKey: "BPublicKey", Subscriber: "mailto:tours@example.com"}),
	}, logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sender: sender, ledger: l}
}

func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func postForm(t *testing.T, c *http.Client, u string, vals url.Values) *http.Response {
	t.Helper()
	resp, err := c.PostForm(u, vals)
	if err != nil {
		t.Fatalf("POST %s: %v", u, err)
	}
	return resp
}

func get(t *testing.T, c *http.Client, u string) *http.Response {
	t.Helper()
	resp, err := c.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	return resp
}

func (e *testEnv) signIn(t *testing.T, c *http.Client, email string) {
	t.Helper()
	resp := postForm(t, c, e.srv.URL+"/login", url.Values{"email": {email}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	link := e.sender.last(t)
	resp = get(t, c, e.srv.URL+strings.TrimPrefix(link, "http://tours.test"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("verify status = %d, want 303", resp.StatusCode)
	}
}

func (e *testEnv) deliver(t *testing.T, eventID, email string, credits int) *http.Response {
	t.Helper()
	payload := fmt.Sprintf(`{"id": %q, "object": "event", "type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "object": "checkout.session", "payment_status": "paid",
		"metadata": {"user_email": %q, "credit_amount": "%d"}}}}`, eventID, email, credits)
	return e.deliverRaw(t, payload)
}

func (e *testEnv) deliverRaw(t *testing.T, payload string) *http.Response {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/webhooks/stripe", bytes.NewReader(sp.Payload))
	if err != nil {
		t.Fatalf("build webhook request: %v", err)
	}
	req.Header.Set("Stripe-Signature", sp.Header)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deliver webhook: %v", err)
	}
	return resp
}

func TestPurchaseAndGenerateFlow(t *testing.T) {
	env := setupServer(t)
	c := env.client(t)
	env.signIn(t, c, "A@X.com")

	me := decode(t, get(t, c, env.srv.URL+"/me"))
	if me["email"] != "a@x.com" || me["authenticated"] != true {
		t.Fatalf("/me = %v", me)
	}

	bal := decode(t, get(t, c, env.srv.URL+"/balance"))
	if bal["balance"] != float64(0) {
		t.Fatalf("balance = %v, want 0", bal["balance"])
	}

	resp := postForm(t, c, env.srv.URL+"/generations", url.Values{"tour_type": {"Gladiators in the Colosseum"}})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("generate without credits status = %d, want 402", resp.StatusCode)
	}
	if body := decode(t, resp); body["redirect"] != "/buy_credits" {
		t.Errorf("redirect = %v, want /buy_credits", body["redirect"])
	}

	resp = env.deliver(t, "evt_flow", "a@x.com", 2)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}
	if body := decode(t, resp); body["outcome"] != "credited" {
		t.Errorf("outcome = %v, want credited", body["outcome"])
	}

	resp = postForm(t, c, env.srv.URL+"/generations", url.Values{"tour_type": {"Gladiators in the Colosseum"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q, want 3", resp.Header.Get("Retry-After"))
	}
	created := decode(t, resp)
	if created["retry_after"] != float64(3) {
		t.Errorf("retry_after = %v, want 3", created["retry_after"])
	}
	id := int64(created["id"].(float64))
	if !strings.HasPrefix(created["prompt"].(string), "Gladiators preparing for battle") {
		t.Errorf("prompt = %q", created["prompt"])
	}

	var ready map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp = get(t, c, fmt.Sprintf("%s/generations/%d", env.srv.URL, id))
		body := decode(t, resp)
		if resp.StatusCode == http.StatusOK {
			ready = body
			break
		}
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("poll status = %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ready == nil {
		t.Fatal("generation never became ready")
	}
	if ready["status"] != "ready" {
		t.Errorf("status = %v, want ready", ready["status"])
	}

	imageURL := ready["image_url"].(string)
	if imageURL != fmt.Sprintf("/generations/%d/image", id) {
		t.Errorf("image_url = %q", imageURL)
	}
	img := get(t, c, env.srv.URL+imageURL)
	img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Errorf("image status = %d, want 200", img.StatusCode)
	}
	if ct := img.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("image content type = %q, want image/png", ct)
	}

	bal = decode(t, get(t, c, env.srv.URL+"/balance"))
	if bal["balance"] != float64(1) {
		t.Errorf("balance = %v, want 1", bal["balance"])
	}

	list := decode(t, get(t, c, env.srv.URL+"/generations"))
	if gens := list["generations"].([]any); len(gens) != 1 {
		t.Errorf("listed %d generations, want 1", len(gens))
	}

	other := env.client(t)
	resp = get(t, other, fmt.Sprintf("%s/generations/%d", env.srv.URL, id))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other session status = %d, want 403", resp.StatusCode)
	}
	resp = get(t, other, env.srv.URL+imageURL)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other session image status = %d, want 403", resp.StatusCode)
	}

	for _, path := range []string{"/media/", "/media/gens/", "/gens/"} {
		resp = get(t, other, env.srv.URL+path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || strings.Contains(string(body), "<a href") {
			t.Errorf("GET %s = %d %q, want no listing", path, resp.StatusCode, body)
		}
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := setupServer(t)
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/stripe", strings.NewReader(`{"id": "evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookUnknownAccount(t *testing.T) {
	env := setupServer(t)
	resp := env.deliver(t, "evt_ghost", "ghost@x.com", 1)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookOtherEventTypeAccepted(t *testing.T) {
	env := setupServer(t)
	resp := env.deliverRaw(t, `{"id": "evt_sub", "object": "event", "type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "object": "subscription", "discounts": ["di_123"]}}}`)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decode(t, resp)["outcome"]; got != "unhandled" {
		t.Errorf("outcome = %v, want unhandled", got)
	}
}

func TestCheckoutRequiresSignIn(t *testing.T) {
	env := setupServer(t)
	c := env.client(t)

	resp := postForm(t, c, env.srv.URL+"/checkout", url.Values{"credit_amount": {"3"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCheckoutInvalidAmount(t *testing.T) {
	env := setupServer(t)
	c := env.client(t)
	env.signIn(t, c, "a@x.com")

	for _, amount := range []string{"7", "0", "abc"} {
		resp := postForm(t, c, env.srv.URL+"/checkout", url.Values{"credit_amount": {amount}})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("credit_amount=%s status = %d, want 400", amount, resp.StatusCode)
		}
	}
}

func TestVerifyInvalidToken(t *testing.T) {
	env := setupServer(t)
	c := env.client(t)

	resp := get(t, c, env.srv.URL+"/auth/verify?token=nope")
	body := decode(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["redirect"] != "/login" {
		t.Errorf("redirect = %v, want /login", body["redirect"])
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := setupServer(t)
	c := env.client(t)

	var last int
	for i := 0; i < 6; i++ {
		resp := postForm(t, c, env.srv.URL+"/login", url.Values{"email": {"a@x.com"}})
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("6th login status = %d, want 429", last)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupServer(t)

	resp := get(t, http.DefaultClient, env.srv.URL+"/health")
	if body := decode(t, resp); body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}

	resp = get(t, http.DefaultClient, env.srv.URL+"/metrics")
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "virtualtours_http_requests_total") {
		t.Error("metrics output missing http request counter")
	}
}

func TestPushSubscriptions(t *testing.T) {
	e := setupServer(t)
	c := e.client(t)

	body := decode(t, get(t, c, e.srv.URL+"/push/vapid-key"))
	if body["public_key"] != "BPublicKey" {
		t.Errorf("public_key = %v", body["public_key"])
	}

	send := func(method, payload string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, e.srv.URL+"/push/subscriptions", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("%s subscriptions: %v", method, err)
		}
		return resp
	}

	sub := `{"endpoint": "https://push.test/abc", "keys": {"p256dh": "key", "auth": "secret"}}`
	resp := send(http.MethodPost, sub)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe status = %d, want 201", resp.StatusCode)
	}
	if got := decode(t, resp)["endpoint"]; got != "https://push.test/abc" {
		t.Errorf("endpoint = %v", got)
	}

	resp = send(http.MethodPost, `{"endpoint": "https://push.test/abc"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing keys status = %d, want 400", resp.StatusCode)
	}

	other := e.client(t)
	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/push/subscriptions", strings.NewReader(sub))
	resp, err := other.Do(req)
	if err != nil {
		t.Fatalf("delete from other session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other session delete status = %d, want 404", resp.StatusCode)
	}

	resp = send(http.MethodDelete, sub)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
}
