package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	linkTTL     time.Duration
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLinkTTL sets the expiry mentioned in the message body.
func WithLinkTTL(d time.Duration) Option {
	return func(cl *Client) {
		cl.linkTTL = d
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		linkTTL:     15 * time.Minute,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

// SendMagicLink emails a sign-in link to toEmail.
func (c *Client) SendMagicLink(ctx context.Context, toEmail, link string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	minutes := int(c.linkTTL / time.Minute)
	textBody := fmt.Sprintf("Click the link below to sign in to Virtual Tours:\n\n%s\n\nThis link expires in %d minutes.", link, minutes)
	htmlBody := fmt.Sprintf(
		`<p>Click the link below to sign in to Virtual Tours:</p><p><a href="%s">Sign in</a></p><p>This link expires in %d minutes.</p>`,
		link, minutes,
	)

	payload := postmarkEmail{
		From:          c.fromEmail,
		To:            toEmail,
		Subject:       "Sign in to Virtual Tours",
		HtmlBody:      htmlBody,
		TextBody:      textBody,
		MessageStream: "outbound",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("postmark API error: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	return nil
}
