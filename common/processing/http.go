package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/talknote/ingest/common/config"
	"github.com/talknote/ingest/common/logger"
)

// HTTPProvider calls a remote inference gateway exposing
// /v1/transcribe, /v1/extract and /v1/title.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxTries uint
	initial  time.Duration
	log      *logger.Logger
}

// HTTPProviderOption configures an HTTPProvider
type HTTPProviderOption func(*HTTPProvider)

// WithRetry sets the attempt budget and first backoff interval
func WithRetry(maxTries uint, initial time.Duration) HTTPProviderOption {
	return func(p *HTTPProvider) {
		p.maxTries = maxTries
		p.initial = initial
	}
}

// NewHTTPProvider creates a provider for baseURL
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, log *logger.Logger, opts ...HTTPProviderOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		maxTries: 3,
		initial:  500 * time.Millisecond,
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Name() string { return "http" }

type binaryRequest struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Output, error) {
	var out Output
	req := binaryRequest{Data: base64.StdEncoding.EncodeToString(audio), MimeType: mimeType}
	if err := p.call(ctx, "/v1/transcribe", req, &out); err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return &out, nil
}

func (p *HTTPProvider) Extract(ctx context.Context, data []byte, mimeType string) (*Output, error) {
	var out Output
	req := binaryRequest{Data: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}
	if err := p.call(ctx, "/v1/extract", req, &out); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return &out, nil
}

func (p *HTTPProvider) Title(ctx context.Context, text string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	if err := p.call(ctx, "/v1/title", map[string]string{"text": text}, &out); err != nil {
		return "", fmt.Errorf("title: %w", err)
	}
	if out.Title == "" {
		return "", fmt.Errorf("title: empty response")
	}
	return out.Title, nil
}

// call POSTs body as JSON and decodes the response into out. 429 and 5xx
// responses are retried with exponential backoff; other 4xx are final.
func (p *HTTPProvider) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			p.log.Warn("Provider request failed", "path", path, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, fmt.Errorf("provider rate limited")
		case resp.StatusCode >= 500:
			p.log.Warn("Provider returned server error", "path", path, "attempt", attempt, "status", resp.StatusCode)
			return struct{}{}, fmt.Errorf("provider returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return struct{}{}, backoff.Permanent(fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
	)
	return err
}

// NewProvider selects the provider named by cfg.Provider.Type
func NewProvider(cfg *config.Config, log *logger.Logger) (Provider, error) {
	switch cfg.Provider.Type {
	case "mock":
		return NewMockProvider(), nil
	case "http":
		return NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, log), nil
	}
	return nil, fmt.Errorf("unknown provider: %s", cfg.Provider.Type)
}
