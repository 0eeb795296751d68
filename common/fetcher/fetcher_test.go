package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Field Notes</title><meta property="og:site_name" content="Example Blog"></head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a></nav>
<article>
<h1>Field Notes</h1>
<p>The first paragraph of the article explains what happened on the trip and why it mattered to everyone involved in the project.</p>
<p>The second paragraph goes into more detail, describing the route, the weather and the people met along the way in some depth.</p>
<p>The third paragraph wraps up with lessons learned and a <a href="/next">link to the next post</a> for readers who want more.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func newTestFetcher() *WebFetcher {
	return New(Config{Timeout: time.Second, MaxBytes: 1 << 16, MaxTries: 3, Initial: time.Millisecond, AllowPrivate: true}, logger.Discard())
}

func TestParseURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/file", "not a url", "/relative/path", "https://"} {
		_, err := ParseURL(raw)
		assert.ErrorIs(t, err, apperrors.Validation, raw)
	}
	u, err := ParseURL("  https://example.com/post  ")
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Host)
}

func TestWebFetcher_FetchAndExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := newTestFetcher()
	doc, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)

	page, err := f.Extract(context.Background(), doc, FormatText)
	require.NoError(t, err)
	assert.Equal(t, "Field Notes", page.Title)
	assert.Contains(t, page.Text, "The second paragraph goes into more detail")
	assert.Equal(t, "text/html", page.Metadata["content_type"])
	assert.Equal(t, "127.0.0.1", page.Metadata["domain"])

	md, err := f.Extract(context.Background(), doc, FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, md.Text, "[link to the next post](")
	assert.Contains(t, md.Text, "/next)")
}

func TestWebFetcher_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("  line one\n\nline two  "))
	}))
	defer srv.Close()

	f := newTestFetcher()
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	page, err := f.Extract(context.Background(), doc, FormatText)
	require.NoError(t, err)
	assert.Equal(t, "line one\n\nline two", page.Text)
	assert.Equal(t, "utf-8", page.Metadata["encoding"])
}

func TestWebFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	doc, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(doc.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebFetcher_NotFoundIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.Fetch)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebFetcher_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1<<17)))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, apperrors.Fetch)
}

func TestWebFetcher_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body></body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = f.Extract(context.Background(), doc, FormatText)
	assert.ErrorIs(t, err, apperrors.Extract)
}
