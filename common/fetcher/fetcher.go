// Package fetcher downloads web pages and reduces them to readable text.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-shiori/go-readability"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/processing"
)

// Output formats for Extract
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// Document is a fetched response body
type Document struct {
	URL         *url.URL
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Page is the readable content of a Document
type Page struct {
	Title    string
	Text     string
	Metadata map[string]any
}

// Fetcher is the web page collaborator used by URL imports
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Document, error)
	Extract(ctx context.Context, doc *Document, format string) (*Page, error)
}

// Config tunes a WebFetcher
type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	MaxTries  uint
	Initial   time.Duration
	UserAgent string

	// AllowPrivate lifts the internal-network guard. Only for tests and
	// trusted deployments.
	AllowPrivate bool
}

// WebFetcher fetches over HTTP and extracts with readability
type WebFetcher struct {
	client *http.Client
	cfg    Config
	log    *logger.Logger
}

// New creates a WebFetcher
func New(cfg Config, log *logger.Logger) *WebFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; talknote-ingest/1.0)"
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.AllowPrivate {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.DialContext = guardedDialer(cfg.Timeout).DialContext
		client.Transport = transport
	}
	return &WebFetcher{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// ParseURL accepts absolute http(s) URLs only
func ParseURL(rawURL string) (*url.URL, error) {
	const op = "fetcher.ParseURL"
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apperrors.Validationf(op, "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.Validationf(op, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, apperrors.Validationf(op, "url has no host")
	}
	return u, nil
}

// Fetch GETs rawURL, retrying 429 and 5xx responses
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	const op = "fetcher.Fetch"
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if !f.cfg.AllowPrivate {
		if err := checkHost(u.Hostname()); err != nil {
			return nil, apperrors.Wrap(apperrors.KindFetch, op, err)
		}
	}

	attempt := 0
	operation := func() (*Document, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

		resp, err := f.client.Do(req)
		if err != nil {
			var blocked *blockedError
			if errors.As(err, &blocked) {
				return nil, backoff.Permanent(blocked)
			}
			f.log.Warn("Fetch failed", "url", u.String(), "attempt", attempt, "error", err)
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 500:
			f.log.Warn("Fetch got server error", "url", u.String(), "attempt", attempt, "status", resp.StatusCode)
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > f.cfg.MaxBytes {
			return nil, backoff.Permanent(fmt.Errorf("response exceeds %d bytes", f.cfg.MaxBytes))
		}
		return &Document{
			URL:         resp.Request.URL,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
			FetchedAt:   time.Now().UTC(),
		}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.Initial
	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.cfg.MaxTries),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindFetch, op, fmt.Errorf("fetch %s: %w", u.String(), err))
	}
	return doc, nil
}

// Extract reduces a document to its main content. HTML goes through
// readability; plain text is decoded as-is.
func (f *WebFetcher) Extract(ctx context.Context, doc *Document, format string) (*Page, error) {
	const op = "fetcher.Extract"

	mediaType, _, _ := mime.ParseMediaType(doc.ContentType)
	meta := map[string]any{
		"url":          doc.URL.String(),
		"domain":       doc.URL.Hostname(),
		"content_type": mediaType,
		"fetched_at":   doc.FetchedAt.Format(time.RFC3339),
	}

	if mediaType == "text/plain" {
		text, enc, err := processing.DecodeText(doc.Body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindExtract, op, err)
		}
		meta["encoding"] = enc
		return &Page{Title: doc.URL.Hostname(), Text: strings.TrimSpace(text), Metadata: meta}, nil
	}

	article, err := readability.FromReader(bytes.NewReader(doc.Body), doc.URL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindExtract, op, fmt.Errorf("readability: %w", err))
	}

	text := strings.TrimSpace(article.TextContent)
	if format == FormatMarkdown && article.Content != "" {
		md, err := htmltomarkdown.ConvertString(article.Content, converter.WithDomain(doc.URL.Scheme+"://"+doc.URL.Host))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindExtract, op, fmt.Errorf("markdown: %w", err))
		}
		text = strings.TrimSpace(md)
	}
	if text == "" {
		return nil, apperrors.New(apperrors.KindExtract, op, "no readable content at %s", doc.URL.String())
	}

	if article.SiteName != "" {
		meta["site_name"] = article.SiteName
	}
	if article.Byline != "" {
		meta["byline"] = article.Byline
	}
	if article.Excerpt != "" {
		meta["excerpt"] = article.Excerpt
	}

	return &Page{Title: strings.TrimSpace(article.Title), Text: text, Metadata: meta}, nil
}
