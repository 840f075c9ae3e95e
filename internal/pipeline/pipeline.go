// Package pipeline sequences the collect, fetch, and extract stages over
// a shared scraping session and the persistence store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_transcripts/internal/collect"
	"github.com/anatolykoptev/go_transcripts/internal/extract"
	"github.com/anatolykoptev/go_transcripts/internal/fetch"
	"github.com/anatolykoptev/go_transcripts/internal/pagecache"
	"github.com/anatolykoptev/go_transcripts/internal/session"
	"github.com/anatolykoptev/go_transcripts/internal/store"
)

// Browser is the pipeline's view of a scraping session.
type Browser interface {
	Navigate(ctx context.Context, rawURL string) (session.Page, error)
	Close() error
}

// OpenFunc opens a fresh browser session. Called once at the start of a
// stage and again after a captcha-blocked teardown.
type OpenFunc func() (Browser, error)

// Config tunes one pipeline run.
type Config struct {
	AuthorURL string
	FeedURL   string

	MaxLinks  int
	MaxPages  int
	BatchSize int

	FetchWorkers   int
	ExtractWorkers int

	// SessionRestarts bounds captcha-blocked session replacements per run.
	SessionRestarts int
	// RestartCooldown is the wait before opening a replacement session.
	RestartCooldown time.Duration

	// DedupScope: "run" dedups in memory only, "store" seeds the dedup
	// set with every URL already persisted.
	DedupScope string

	// Force re-fetches links even when the page cache has them.
	Force bool

	OutputDir string

	Retry session.RetryConfig
	Fetch fetch.Options
}

// Pipeline owns stage sequencing, the worker pools, and session
// replacement.
type Pipeline struct {
	open    OpenFunc
	store   store.Store
	cache   *pagecache.Cache // nil disables page caching
	extract *extract.Extractor
	cfg     Config
	log     *slog.Logger

	browser *swapBrowser

	restartMu sync.Mutex
	restarts  int
}

// New builds a Pipeline. The session is opened lazily on the first stage
// that needs it, so extract-only runs never touch the network.
func New(open OpenFunc, st store.Store, cache *pagecache.Cache, ex *extract.Extractor, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 1
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = 4
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 5 * time.Minute
	}
	if ex == nil {
		ex = extract.New(log)
	}
	return &Pipeline{
		open:    open,
		store:   st,
		cache:   cache,
		extract: ex,
		cfg:     cfg,
		log:     log,
		browser: &swapBrowser{},
	}
}

// Close tears down the session if one was opened.
func (p *Pipeline) Close() error {
	return p.browser.closeCurrent()
}

// RunAll runs collect, fetch, and extract back to back, then logs the
// summary report.
func (p *Pipeline) RunAll(ctx context.Context) error {
	if err := p.RunCollect(ctx); err != nil {
		return err
	}
	if err := p.RunFetch(ctx); err != nil {
		return err
	}
	if err := p.RunExtract(ctx); err != nil {
		return err
	}
	p.Summary(ctx)
	return nil
}

// RunCollect walks the author pages (and the RSS feed when configured)
// and persists every new link.
func (p *Pipeline) RunCollect(ctx context.Context) error {
	if err := p.ensureBrowser(); err != nil {
		return err
	}

	var known []string
	if p.cfg.DedupScope == "store" {
		urls, err := p.store.KnownURLs(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: seed dedup set: %w", err)
		}
		for u := range urls {
			known = append(known, u)
		}
	}

	c := collect.New(p.browser, known, collect.Options{
		MaxLinks: p.cfg.MaxLinks,
		MaxPages: p.cfg.MaxPages,
		Retry:    p.cfg.Retry,
	}, p.log)

	if p.cfg.AuthorURL != "" {
		links, err := c.Collect(ctx, p.cfg.AuthorURL)
		if err != nil && !errors.Is(err, session.ErrCaptchaBlocked) {
			return err
		}
		if saveErr := p.saveLinks(ctx, links); saveErr != nil {
			return saveErr
		}
		if errors.Is(err, session.ErrCaptchaBlocked) {
			metrics.CaptchaBlocks.Add(1)
			if rerr := p.restartSession(ctx); rerr != nil {
				return rerr
			}
		}
	}

	if p.cfg.FeedURL != "" {
		links, err := c.CollectFeed(ctx, p.cfg.FeedURL, p.cfg.MaxLinks)
		if err != nil {
			p.log.Warn("feed collection failed", slog.Any("error", err))
		} else if err := p.saveLinks(ctx, links); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) saveLinks(ctx context.Context, links []store.LinkRecord) error {
	for _, l := range links {
		if err := p.store.SaveLink(ctx, l); err != nil {
			return fmt.Errorf("pipeline: save link %s: %w", l.URL, err)
		}
		metrics.LinksCollected.Add(1)
	}
	if len(links) > 0 {
		p.log.Info("saved new links", slog.Int("count", len(links)))
	}
	return nil
}

// RunFetch downloads HTML for pending links in batches until none
// remain. Item failures mark the link failed and the stage continues.
func (p *Pipeline) RunFetch(ctx context.Context) error {
	if err := p.ensureBrowser(); err != nil {
		return err
	}

	fetcher := fetch.New(p.browser, p.store, p.cache, fetch.Options{
		ReadyTimeout: p.cfg.Fetch.ReadyTimeout,
		PollInterval: p.cfg.Fetch.PollInterval,
		Force:        p.cfg.Force,
		Retry:        p.cfg.Retry,
	}, p.log)

	for {
		links, err := p.store.PendingLinks(ctx, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("pipeline: pending links: %w", err)
		}
		if len(links) == 0 {
			return nil
		}
		p.log.Info("fetching batch", slog.Int("links", len(links)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.FetchWorkers)
		for _, link := range links {
			g.Go(func() error {
				return p.fetchOne(gctx, fetcher, link)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (p *Pipeline) fetchOne(ctx context.Context, fetcher *fetch.Fetcher, link store.LinkRecord) error {
	_, err := fetcher.Fetch(ctx, link.URL)
	if err == nil {
		metrics.PagesFetched.Add(1)
		return p.store.UpdateLinkStatus(ctx, link.URL, store.StatusFetched)
	}

	var fe *fetch.FetchError
	if !errors.As(err, &fe) {
		return err
	}

	metrics.FetchFailures.Add(1)
	p.log.Warn("fetch failed, marking link failed",
		slog.String("url", link.URL),
		slog.String("reason", fe.Reason),
		slog.Any("error", fe.Err))
	if serr := p.store.UpdateLinkStatus(ctx, link.URL, store.StatusFailed); serr != nil {
		return serr
	}

	if fe.Reason == fetch.ReasonCaptchaBlocked && errors.Is(fe.Err, session.ErrCaptchaBlocked) {
		metrics.CaptchaBlocks.Add(1)
		return p.restartSession(ctx)
	}
	return nil
}

// RunExtract walks fetched content without transcripts and runs the
// strategy chain over each article.
func (p *Pipeline) RunExtract(ctx context.Context) error {
	for {
		batch, err := p.store.UnextractedContent(ctx, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("pipeline: unextracted content: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		p.log.Info("extracting batch", slog.Int("articles", len(batch)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.ExtractWorkers)
		for _, rec := range batch {
			g.Go(func() error {
				return p.extractOne(gctx, rec)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (p *Pipeline) extractOne(ctx context.Context, content store.ContentRecord) error {
	res, err := p.extract.Extract(content.RawHTML, content.URL)
	if err != nil {
		if !errors.Is(err, extract.ErrNoStrategyMatched) {
			return err
		}
		metrics.ExtractFailures.Add(1)
		p.log.Warn("no transcript found, marking link failed",
			slog.String("url", content.URL))
		return p.store.UpdateLinkStatus(ctx, content.URL, store.StatusFailed)
	}

	rec := store.TranscriptRecord{
		URL:         content.URL,
		Text:        res.Text,
		Method:      res.Method,
		Title:       res.Title,
		Author:      res.Author,
		PublishedAt: res.PublishedAt,
		ExtractedAt: time.Now(),
	}
	if err := p.store.SaveTranscript(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: save transcript %s: %w", content.URL, err)
	}
	if p.cfg.OutputDir != "" {
		path, err := store.ExportTranscript(p.cfg.OutputDir, rec)
		if err != nil {
			p.log.Warn("transcript export failed",
				slog.String("url", content.URL),
				slog.Any("error", err))
		} else {
			p.log.Debug("transcript exported", slog.String("path", path))
		}
	}
	metrics.Extracted.Add(1)
	return p.store.UpdateLinkStatus(ctx, content.URL, store.StatusExtracted)
}

// Summary logs the end-of-run report: store stats plus run counters.
func (p *Pipeline) Summary(ctx context.Context) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		p.log.Warn("stats unavailable", slog.Any("error", err))
		return
	}
	p.log.Info("run summary",
		slog.Int("links", stats.Links),
		slog.Int("fetched", stats.Fetched),
		slog.Int("extracted", stats.Extracted),
		slog.Int("failed", stats.Failed),
		slog.Int("transcripts", stats.Transcripts))
	for _, line := range strings.Split(strings.TrimSpace(FormatMetrics()), "\n") {
		p.log.Info("metric", slog.String("counter", line))
	}
}

func (p *Pipeline) ensureBrowser() error {
	if p.browser.current() != nil {
		return nil
	}
	b, err := p.open()
	if err != nil {
		return fmt.Errorf("pipeline: open session: %w", err)
	}
	p.browser.swap(b)
	return nil
}

// restartSession tears down the blocked session, waits out the cooldown,
// and opens a replacement. Bounded by SessionRestarts per run.
func (p *Pipeline) restartSession(ctx context.Context) error {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	if p.restarts >= p.cfg.SessionRestarts {
		return fmt.Errorf("pipeline: restart budget exhausted: %w", session.ErrCaptchaBlocked)
	}
	p.restarts++
	metrics.SessionRestarts.Add(1)

	if err := p.browser.closeCurrent(); err != nil {
		p.log.Warn("session close failed", slog.Any("error", err))
	}
	p.log.Info("session blocked, cooling down before restart",
		slog.Duration("cooldown", p.cfg.RestartCooldown),
		slog.Int("restart", p.restarts))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.RestartCooldown):
	}

	b, err := p.open()
	if err != nil {
		return fmt.Errorf("pipeline: reopen session: %w", err)
	}
	p.browser.swap(b)
	return nil
}

// swapBrowser delegates to the current session and lets the pipeline
// replace it under the covers.
type swapBrowser struct {
	mu  sync.RWMutex
	cur Browser
}

func (b *swapBrowser) Navigate(ctx context.Context, rawURL string) (session.Page, error) {
	b.mu.RLock()
	cur := b.cur
	b.mu.RUnlock()
	if cur == nil {
		return session.Page{}, errors.New("pipeline: no open session")
	}
	return cur.Navigate(ctx, rawURL)
}

func (b *swapBrowser) current() Browser {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cur
}

func (b *swapBrowser) swap(n Browser) {
	b.mu.Lock()
	b.cur = n
	b.mu.Unlock()
}

func (b *swapBrowser) closeCurrent() error {
	b.mu.Lock()
	cur := b.cur
	b.cur = nil
	b.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Close()
}
