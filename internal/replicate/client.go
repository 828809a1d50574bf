// Package replicate runs image predictions on the Replicate HTTP API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.replicate.com"
	DefaultModel   = "resolver101757/akflux:a8a38acebd2b927ea95ab68a2e20626c81b135196116dbff8db298baf1da1fd0"

	maxDownloadBytes = 32 << 20
)

// ErrPredictionFailed is returned when the provider reports a failed or
// canceled prediction.
var ErrPredictionFailed = errors.New("replicate: prediction failed")

// Params are the fixed generation settings sent with every prompt.
type Params struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	Model             string  `json:"model"`
	LoraScale         float64 `json:"lora_scale"`
	NumOutputs        int     `json:"num_outputs"`
	AspectRatio       string  `json:"aspect_ratio"`
	OutputFormat      string  `json:"output_format"`
	GuidanceScale     float64 `json:"guidance_scale"`
	OutputQuality     int     `json:"output_quality"`
	PromptStrength    float64 `json:"prompt_strength"`
	ExtraLoraScale    float64 `json:"extra_lora_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
}

func DefaultParams() Params {
	return Params{
		Width:             1024,
		Height:            1024,
		Model:             "dev",
		LoraScale:         1.34,
		NumOutputs:        1,
		AspectRatio:       "1:1",
		OutputFormat:      "png",
		GuidanceScale:     6.09,
		OutputQuality:     90,
		PromptStrength:    0.8,
		ExtraLoraScale:    1,
		NumInferenceSteps: 28,
	}
}

type Client struct {
	token        string
	version      string
	baseURL      string
	params       Params
	pollInterval time.Duration
	maxPolls     int
	limiter      *rate.Limiter
	httpClient   *http.Client
	log          *slog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithParams(p Params) Option {
	return func(c *Client) { c.params = p }
}

// WithPolling sets how often and how many times a prediction is polled.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPolls = maxPolls
	}
}

// WithRateLimit caps outbound API calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewClient builds a client for model, given as "owner/name:version" or a
// bare version id.
func NewClient(token, model string, log *slog.Logger, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	version := model
	if i := strings.LastIndex(model, ":"); i >= 0 {
		version = model[i+1:]
	}
	c := &Client{
		token:        token,
		version:      version,
		baseURL:      DefaultBaseURL,
		params:       DefaultParams(),
		pollInterval: 2 * time.Second,
		maxPolls:     150,
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.token != ""
}

// Generate creates a prediction for prompt and polls until it settles,
// returning the output URLs.
func (c *Client) Generate(ctx context.Context, prompt string) ([]string, error) {
	input, err := c.input(prompt)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"version": c.version,
		"input":   input,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/predictions", body)
	if err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return nil, fmt.Errorf("create prediction: empty id (body=%s)", truncateBody(raw))
	}
	if c.log != nil {
		c.log.Info("prediction created", "prediction_id", id)
	}

	for attempt := 0; attempt < c.maxPolls; attempt++ {
		urls, done, err := settled(raw)
		if err != nil {
			if c.log != nil {
				c.log.Error("prediction failed", "prediction_id", id, "error", err)
			}
			return nil, err
		}
		if done {
			if c.log != nil {
				c.log.Info("prediction succeeded", "prediction_id", id, "polls", attempt)
			}
			return urls, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		raw, err = c.do(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+id, nil)
		if err != nil {
			return nil, fmt.Errorf("get prediction: %w", err)
		}
	}
	return nil, fmt.Errorf("prediction %s did not finish after %d polls", id, c.maxPolls)
}

// Download fetches a generated image.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("download image: exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func (c *Client) input(prompt string) (map[string]any, error) {
	b, err := json.Marshal(c.params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(b, &input); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	input["prompt"] = prompt
	return input, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("replicate request failed", "status", resp.StatusCode, "url", url, "body", truncateBody(raw))
		}
		return nil, fmt.Errorf("replicate error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	return raw, nil
}

// settled inspects a prediction body. Output is either a single URL or a
// list of URLs depending on the model.
func settled(raw []byte) ([]string, bool, error) {
	status := gjson.GetBytes(raw, "status").String()
	switch status {
	case "succeeded":
		out := gjson.GetBytes(raw, "output")
		var urls []string
		if out.IsArray() {
			for _, u := range out.Array() {
				if s := u.String(); s != "" {
					urls = append(urls, s)
				}
			}
		} else if s := out.String(); s != "" {
			urls = append(urls, s)
		}
		if len(urls) == 0 {
			return nil, false, fmt.Errorf("%w: no output", ErrPredictionFailed)
		}
		return urls, true, nil
	case "failed", "canceled":
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = status
		}
		return nil, false, fmt.Errorf("%w: %s", ErrPredictionFailed, msg)
	case "starting", "processing", "":
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unknown prediction status: %s", status)
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
