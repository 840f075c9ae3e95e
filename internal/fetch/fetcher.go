// Package fetch downloads article HTML for collected links and persists
// it for extraction.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_transcripts/internal/pagecache"
	"github.com/anatolykoptev/go_transcripts/internal/session"
	"github.com/anatolykoptev/go_transcripts/internal/store"
)

// Browser loads pages on demand. *session.Session satisfies it.
type Browser interface {
	Navigate(ctx context.Context, rawURL string) (session.Page, error)
}

// Failure reasons carried on FetchError.
const (
	ReasonCaptchaBlocked = "captcha_blocked"
	ReasonLoadFailed     = "load_failed"
)

// FetchError reports a failed article download. Recoverable: the caller
// skips the link and continues.
type FetchError struct {
	URL    string
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Selectors whose presence means the article body finished rendering.
var readinessSelectors = []string{
	`div[data-test-id="content-container"]`,
	".transcript-section",
	".sa-art",
	"article",
	"#a-body",
}

// Options tune one fetcher instance.
type Options struct {
	// ReadyTimeout bounds re-polling for article content markers.
	ReadyTimeout time.Duration
	// PollInterval is the wait between readiness re-polls.
	PollInterval time.Duration
	// Force bypasses the page cache.
	Force bool
	Retry session.RetryConfig
}

// Fetcher downloads one article at a time and upserts its HTML.
type Fetcher struct {
	browser Browser
	store   store.Store
	cache   *pagecache.Cache // nil disables caching
	opts    Options
	log     *slog.Logger
}

// New builds a Fetcher. cache may be nil.
func New(b Browser, st store.Store, cache *pagecache.Cache, opts Options, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialWait == 0 {
		opts.Retry = session.DefaultRetryConfig
	}
	return &Fetcher{browser: b, store: st, cache: cache, opts: opts, log: log}
}

// Fetch downloads the article at rawURL and stores its HTML. A URL
// cached within the cache TTL is served without touching the site unless
// Force is set. Re-fetching overwrites the prior content record.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (store.ContentRecord, error) {
	if f.cache != nil && !f.opts.Force {
		if body, ok := f.cache.Get(ctx, rawURL); ok {
			f.log.Debug("serving article from cache", slog.String("url", rawURL))
			// The cache is write-through from a prior fetch, so the stored
			// record carries the real status of that fetch.
			status := 0
			if prior, found, err := f.store.GetContent(ctx, rawURL); err == nil && found {
				status = prior.HTTPStatus
			}
			rec := store.ContentRecord{
				URL:        rawURL,
				RawHTML:    string(body),
				FetchedAt:  time.Now(),
				HTTPStatus: status,
			}
			if err := f.store.SaveContent(ctx, rec); err != nil {
				return store.ContentRecord{}, fmt.Errorf("save cached content: %w", err)
			}
			return rec, nil
		}
	}

	pg, err := session.RetryDo(ctx, f.opts.Retry, func() (session.Page, error) {
		return f.browser.Navigate(ctx, rawURL)
	})
	if err != nil {
		reason := ReasonLoadFailed
		if errors.Is(err, session.ErrCaptchaBlocked) || errors.Is(err, session.ErrCaptchaAbandoned) {
			reason = ReasonCaptchaBlocked
		}
		return store.ContentRecord{}, &FetchError{URL: rawURL, Reason: reason, Err: err}
	}

	pg, err = f.awaitReady(ctx, rawURL, pg)
	if err != nil {
		return store.ContentRecord{}, err
	}

	if session.Paywalled(pg) {
		f.log.Warn("paywall teaser detected, saving anyway",
			slog.String("url", rawURL))
	}

	rec := store.ContentRecord{
		URL:        rawURL,
		RawHTML:    pg.HTML(),
		FetchedAt:  time.Now(),
		HTTPStatus: pg.Status,
	}
	if err := f.store.SaveContent(ctx, rec); err != nil {
		return store.ContentRecord{}, fmt.Errorf("save content: %w", err)
	}
	if f.cache != nil {
		f.cache.Set(ctx, rawURL, pg.Body)
	}

	f.log.Info("fetched article",
		slog.String("url", rawURL),
		slog.Int("status", pg.Status),
		slog.Int("bytes", len(pg.Body)))
	return rec, nil
}

// awaitReady re-navigates until an article content marker shows up or
// the readiness timeout passes. A page that never turns ready is still
// returned: partial HTML beats nothing, and the extractor has fallbacks.
func (f *Fetcher) awaitReady(ctx context.Context, rawURL string, pg session.Page) (session.Page, error) {
	deadline := time.Now().Add(f.opts.ReadyTimeout)
	for !isReady(pg) {
		if time.Now().After(deadline) {
			f.log.Warn("article never turned ready, saving as is",
				slog.String("url", rawURL))
			return pg, nil
		}
		select {
		case <-ctx.Done():
			return session.Page{}, ctx.Err()
		case <-time.After(f.opts.PollInterval):
		}
		next, err := f.browser.Navigate(ctx, rawURL)
		if err != nil {
			if errors.Is(err, session.ErrCaptchaBlocked) || errors.Is(err, session.ErrCaptchaAbandoned) {
				return session.Page{}, &FetchError{URL: rawURL, Reason: ReasonCaptchaBlocked, Err: err}
			}
			// keep the last good page
			f.log.Debug("readiness re-poll failed", slog.String("url", rawURL), slog.Any("error", err))
			continue
		}
		pg = next
	}
	return pg, nil
}

func isReady(pg session.Page) bool {
	doc, err := pg.Document()
	if err != nil {
		return false
	}
	for _, sel := range readinessSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
