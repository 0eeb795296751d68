package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/cache"
	"github.com/talknote/ingest/common/fetcher"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/processing"
	"github.com/talknote/ingest/common/storage"
	"github.com/talknote/ingest/common/textsplit"
)

type stubFetcher struct {
	page       *fetcher.Page
	fetchErr   error
	extractErr error
	formats    []string
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string) (*fetcher.Document, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	u, _ := url.Parse(rawURL)
	return &fetcher.Document{URL: u, ContentType: "text/html", Body: []byte("<html></html>"), FetchedAt: time.Now()}, nil
}

func (f *stubFetcher) Extract(ctx context.Context, doc *fetcher.Document, format string) (*fetcher.Page, error) {
	f.formats = append(f.formats, format)
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.page, nil
}

type stubTitles struct {
	title string
	err   error
}

func (s stubTitles) Title(ctx context.Context, text string) (string, error) {
	return s.title, s.err
}

type importHarness struct {
	fetcher *stubFetcher
	pool    *recordingQueue
	backend *storage.LocalBackend
	imports *ImportService
}

func newImportHarness(t *testing.T, titles processing.TitleGenerator, cfg ImportConfig) *importHarness {
	t.Helper()
	log := logger.Discard()

	store := cache.NewMemoryCache(log)
	t.Cleanup(func() { store.Close() })

	backend, err := storage.NewLocalBackend(t.TempDir(), "http://api.test", "k", storage.Options{
		MaxDirectUploadSize: 1 << 20,
	}, log)
	require.NoError(t, err)

	f := &stubFetcher{page: &fetcher.Page{
		Title:    "Example Page",
		Text:     "Hello from the web.",
		Metadata: map[string]any{"url": "https://example.com/a", "domain": "example.com"},
	}}
	pool := &recordingQueue{}
	registry := processing.NewRegistry(processing.NewMockProvider())

	svc := NewImportService(
		repository.NewImportJobRepository(store, time.Hour),
		pool, f, backend, registry, titles, nil, cfg, log,
	)
	return &importHarness{fetcher: f, pool: pool, backend: backend, imports: svc}
}

func defaultImportConfig() ImportConfig {
	return ImportConfig{PageLimit: 2000, SplitEnabled: true}
}

// runAll executes every scheduled pipeline in publish order
func (h *importHarness) runAll(ctx context.Context) {
	for _, id := range h.pool.keys() {
		h.imports.Run(ctx, id)
	}
}

func TestImport_URLCompletes(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, stubTitles{title: "Generated Title"}, defaultImportConfig())

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{AutoTitle: true})
	require.NoError(t, err)
	assert.Equal(t, models.ImportPending, resp.Status)
	assert.Equal(t, 30, resp.EstimatedSeconds)
	assert.Equal(t, []string{resp.ImportID}, h.pool.keys())

	h.runAll(ctx)

	status, err := h.imports.Status(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportCompleted, status.Status)
	assert.Equal(t, 1.0, status.Progress)
	assert.Equal(t, "import_"+resp.ImportID, status.NoteID)
	assert.NotNil(t, status.CompletedAt)

	result, err := h.imports.Result(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, "Generated Title", result.Title)
	assert.Equal(t, "Hello from the web.", result.Text)
	assert.Equal(t, []models.ImportPage{{Number: 1, Text: "Hello from the web.", Length: 19}}, result.Pages)
	assert.Equal(t, 1, result.TotalPages)
	assert.Equal(t, utf8.RuneCountInString(result.Text), result.TextLength)
	assert.Equal(t, "example.com", result.Metadata.Source["domain"])
	assert.Equal(t, fetcher.FormatText, result.Metadata.Extraction["format"])
	assert.Equal(t, []string{fetcher.FormatText}, h.fetcher.formats)
}

func TestImport_SplitsLongText(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())

	paragraphs := make([]string, 5)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat(string(rune('a'+i)), 999)
	}
	text := strings.Join(paragraphs, "\n\n")
	h.fetcher.page.Text = text

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/long", models.ImportOptions{AutoSplit: true})
	require.NoError(t, err)
	h.runAll(ctx)

	result, err := h.imports.Result(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	require.Len(t, result.Pages, 3)
	assert.Equal(t, 3, result.TotalPages)
	texts := make([]string, len(result.Pages))
	for i, p := range result.Pages {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, utf8.RuneCountInString(p.Text), p.Length)
		assert.LessOrEqual(t, p.Length, 2000)
		texts[i] = p.Text
	}
	assert.Equal(t, text, strings.Join(texts, textsplit.ParagraphSeparator))
}

func TestImport_SplitNeedsOptionAndFlag(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("word ", 1000)

	cases := []struct {
		name    string
		split   bool
		enabled bool
	}{
		{"option off", false, true},
		{"flag off", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newImportHarness(t, nil, ImportConfig{PageLimit: 2000, SplitEnabled: tc.enabled})
			h.fetcher.page.Text = long

			resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/x", models.ImportOptions{AutoSplit: tc.split})
			require.NoError(t, err)
			h.runAll(ctx)

			result, err := h.imports.Result(ctx, "alice", resp.ImportID)
			require.NoError(t, err)
			assert.Len(t, result.Pages, 1)
		})
	}
}

func TestImport_TitleFailureFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, stubTitles{err: errors.New("model overloaded")}, defaultImportConfig())

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{AutoTitle: true})
	require.NoError(t, err)
	h.runAll(ctx)

	status, err := h.imports.Status(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportCompleted, status.Status)
	assert.Equal(t, "Example Page", status.Title)
}

func TestImport_DefaultTitleFromText(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())
	h.fetcher.page.Title = ""
	h.fetcher.page.Text = "\n# Meeting notes\n\nbody"

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{AutoTitle: true})
	require.NoError(t, err)
	h.runAll(ctx)

	result, err := h.imports.Result(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, "Meeting notes", result.Title)
}

func TestImport_FailuresCarryErrorCodes(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch", func(t *testing.T) {
		h := newImportHarness(t, nil, defaultImportConfig())
		h.fetcher.fetchErr = apperrors.New(apperrors.KindFetch, "fetcher.Fetch", "status 404")

		resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/gone", models.ImportOptions{})
		require.NoError(t, err)
		h.runAll(ctx)

		status, err := h.imports.Status(ctx, "alice", resp.ImportID)
		require.NoError(t, err)
		assert.Equal(t, models.ImportFailed, status.Status)
		assert.Equal(t, models.ErrorCodeFetch, status.ErrorCode)
		assert.Contains(t, status.ErrorMessage, "status 404")
		assert.Zero(t, status.Progress)

		_, err = h.imports.Result(ctx, "alice", resp.ImportID)
		assert.ErrorIs(t, err, apperrors.Validation)
	})

	t.Run("extract", func(t *testing.T) {
		h := newImportHarness(t, nil, defaultImportConfig())
		h.fetcher.extractErr = apperrors.New(apperrors.KindExtract, "fetcher.Extract", "no readable content")

		resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/empty", models.ImportOptions{})
		require.NoError(t, err)
		h.runAll(ctx)

		status, err := h.imports.Status(ctx, "alice", resp.ImportID)
		require.NoError(t, err)
		assert.Equal(t, models.ImportFailed, status.Status)
		assert.Equal(t, models.ErrorCodeExtract, status.ErrorCode)
		assert.Equal(t, models.ProgressFetched, status.Progress)
	})
}

func TestImport_RetryCreatesNewJob(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())
	h.fetcher.fetchErr = apperrors.New(apperrors.KindFetch, "fetcher.Fetch", "timeout")

	first, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{Format: fetcher.FormatMarkdown})
	require.NoError(t, err)
	h.imports.Run(ctx, first.ImportID)

	h.fetcher.fetchErr = nil
	retry, err := h.imports.Retry(ctx, "alice", first.ImportID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ImportID, retry.ImportID)
	assert.Equal(t, first.ImportID, retry.RetryOf)
	h.imports.Run(ctx, retry.ImportID)

	old, err := h.imports.Status(ctx, "alice", first.ImportID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportFailed, old.Status)

	fresh, err := h.imports.Status(ctx, "alice", retry.ImportID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportCompleted, fresh.Status)
	assert.Equal(t, first.ImportID, fresh.RetryOf)
	assert.Equal(t, []string{fetcher.FormatMarkdown}, h.fetcher.formats)

	_, err = h.imports.Retry(ctx, "alice", retry.ImportID)
	assert.ErrorIs(t, err, apperrors.Conflict)
}

func TestImport_RunIsSingleShot(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{})
	require.NoError(t, err)
	h.imports.Run(ctx, resp.ImportID)
	before, err := h.imports.Status(ctx, "alice", resp.ImportID)
	require.NoError(t, err)

	h.fetcher.fetchErr = errors.New("would fail if run again")
	h.imports.Run(ctx, resp.ImportID)

	after, err := h.imports.Status(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportCompleted, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestImport_StartValidation(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())

	_, err := h.imports.StartURL(ctx, "alice", "ftp://example.com/file", models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.imports.StartURL(ctx, "alice", "https://example.com", models.ImportOptions{Format: "pdf"})
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.imports.Create(ctx, "alice", &models.CreateImportRequest{Source: models.ImportSource{Type: "email"}})
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.imports.StartFile(ctx, "alice", "", models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.imports.StartFile(ctx, "alice", uuid.NewString(), models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.NotFound)

	assert.Empty(t, h.pool.keys())
}

func TestImport_OwnershipAndLookup(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())

	resp, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{})
	require.NoError(t, err)

	_, err = h.imports.Status(ctx, "mallory", resp.ImportID)
	assert.ErrorIs(t, err, apperrors.Permission)

	_, err = h.imports.Retry(ctx, "mallory", resp.ImportID)
	assert.ErrorIs(t, err, apperrors.Permission)

	_, err = h.imports.Status(ctx, "alice", uuid.NewString())
	assert.ErrorIs(t, err, apperrors.NotFound)

	_, err = h.imports.Status(ctx, "alice", "nope")
	assert.ErrorIs(t, err, apperrors.Validation)
}

func TestImport_SchedulingFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())
	h.pool.failWith = errors.New("queue full")

	_, err := h.imports.StartURL(ctx, "alice", "https://example.com/a", models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.Internal)
}

func uploadDirect(t *testing.T, h *importHarness, owner, mime, body string, finalize bool) string {
	t.Helper()
	ctx := context.Background()
	meta := &storage.Metadata{
		MediaID:  uuid.NewString(),
		Owner:    owner,
		Kind:     storage.KindDocument,
		MimeType: mime,
		ByteSize: int64(len(body)),
	}
	_, err := h.backend.IssueUploadTarget(ctx, meta)
	require.NoError(t, err)
	_, err = h.backend.WriteDirect(ctx, meta.MediaID, strings.NewReader(body))
	require.NoError(t, err)
	if finalize {
		_, err = h.backend.Finalize(ctx, meta.MediaID, 0, int64(len(body)), "")
		require.NoError(t, err)
	}
	return meta.MediaID
}

func TestImport_FileCompletes(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, processing.NewMockProvider(), defaultImportConfig())
	mediaID := uploadDirect(t, h, "alice", "text/markdown", "# quarterly review\n\nNumbers went up.", true)

	resp, err := h.imports.Create(ctx, "alice", &models.CreateImportRequest{
		Source:  models.ImportSource{Type: models.ImportKindFile, MediaID: mediaID},
		Options: models.ImportOptions{AutoTitle: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 60, resp.EstimatedSeconds)
	h.runAll(ctx)

	result, err := h.imports.Result(ctx, "alice", resp.ImportID)
	require.NoError(t, err)
	assert.Equal(t, "# quarterly review\n\nNumbers went up.", result.Text)
	assert.Equal(t, "Quarterly Review", result.Title)
	assert.Equal(t, mediaID, result.Metadata.Source["media_id"])
	assert.Equal(t, "mock:extract", result.Metadata.Extraction["provider"])
	assert.Equal(t, "utf-8", result.Metadata.Extraction["encoding"])
}

func TestImport_FileRequiresFinalizedOwnedMedia(t *testing.T) {
	ctx := context.Background()
	h := newImportHarness(t, nil, defaultImportConfig())

	unfinished := uploadDirect(t, h, "alice", "text/plain", "draft", false)
	_, err := h.imports.StartFile(ctx, "alice", unfinished, models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.Validation)

	owned := uploadDirect(t, h, "alice", "text/plain", "mine", true)
	_, err = h.imports.StartFile(ctx, "mallory", owned, models.ImportOptions{})
	assert.ErrorIs(t, err, apperrors.Permission)
}
