package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/anatolykoptev/go_transcripts/internal/session"
	"github.com/anatolykoptev/go_transcripts/internal/store"
)

// Browser loads pages on demand. *session.Session satisfies it; tests
// substitute a fake.
type Browser interface {
	Navigate(ctx context.Context, rawURL string) (session.Page, error)
}

// ErrDone signals that pagination is exhausted.
var ErrDone = errors.New("collect: no more pages")

// PageLoadError wraps a page load that failed after retries. The page is
// skipped; collection continues.
type PageLoadError struct {
	URL string
	Err error
}

func (e *PageLoadError) Error() string {
	return fmt.Sprintf("collect: load page %s: %v", e.URL, e.Err)
}

func (e *PageLoadError) Unwrap() error { return e.Err }

// Article link selectors, tried in order. The first selector that yields
// any anchors wins for that page.
var linkSelectors = []string{
	`a[data-test-id="post-list-item-title"]`,
	`.title a`,
	`h3 a`,
	`.post-list-item a`,
}

// Markers rendered on author pages past the last page of results.
var endMarkers = []string{"no results found", "no posts found"}

// Consecutive failed pages before the pager gives up.
const maxConsecutiveFailures = 3

// Options bound a collection run.
type Options struct {
	MaxLinks  int // total links across all pages; 0 = unlimited
	MaxPages  int // pages visited per run; 0 = unlimited
	StartPage int // first page number; 0 means 1
	Retry     session.RetryConfig
}

// Collector walks a paginated author page and yields article links.
type Collector struct {
	browser Browser
	known   map[string]struct{}
	opts    Options
	log     *slog.Logger
}

// New builds a Collector. known pre-seeds the dedup set (URLs already in
// the store); pass nil for per-run dedup only.
func New(b Browser, known []string, opts Options, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialWait == 0 {
		opts.Retry = session.DefaultRetryConfig
	}
	seen := make(map[string]struct{}, len(known))
	for _, u := range known {
		seen[u] = struct{}{}
	}
	return &Collector{browser: b, known: seen, opts: opts, log: log}
}

// Collect drains the pager and returns all new links in page order.
func (c *Collector) Collect(ctx context.Context, authorURL string) ([]store.LinkRecord, error) {
	pager := c.Pager(authorURL)
	var out []store.LinkRecord
	for {
		links, err := pager.Next(ctx)
		if errors.Is(err, ErrDone) {
			return out, nil
		}
		if err != nil {
			var ple *PageLoadError
			if errors.As(err, &ple) {
				c.log.Warn("skipping page after failed load",
					slog.String("url", ple.URL),
					slog.Any("error", ple.Err))
				continue
			}
			return out, err
		}
		out = append(out, links...)
	}
}

// Pager returns a lazy pager over the author's article pages. Each Next
// call loads one page and returns its new links; ErrDone ends iteration.
func (c *Collector) Pager(authorURL string) *Pager {
	start := c.opts.StartPage
	if start < 1 {
		start = 1
	}
	return &Pager{c: c, authorURL: authorURL, page: start, start: start}
}

// Pager yields one page of new links per Next call. It is restartable:
// construct with StartPage set to resume mid-listing.
type Pager struct {
	c         *Collector
	authorURL string
	page      int
	start     int
	total     int
	failures  int
	done      bool
}

// Next loads the next author page and returns its new links. Returns
// ErrDone when pagination is exhausted, or a *PageLoadError when the page
// could not be loaded after retries (the pager advances past it).
func (p *Pager) Next(ctx context.Context) ([]store.LinkRecord, error) {
	if p.done {
		return nil, ErrDone
	}
	if p.c.opts.MaxLinks > 0 && p.total >= p.c.opts.MaxLinks {
		p.done = true
		return nil, ErrDone
	}
	if p.c.opts.MaxPages > 0 && p.page >= p.start+p.c.opts.MaxPages {
		p.done = true
		return nil, ErrDone
	}

	pageURL, err := pageURL(p.authorURL, p.page)
	if err != nil {
		p.done = true
		return nil, fmt.Errorf("collect: build page url: %w", err)
	}
	p.page++

	pg, err := session.RetryDo(ctx, p.c.opts.Retry, func() (session.Page, error) {
		return p.c.browser.Navigate(ctx, pageURL)
	})
	if err != nil {
		if errors.Is(err, session.ErrCaptchaBlocked) || ctx.Err() != nil {
			p.done = true
			return nil, err
		}
		p.failures++
		if p.failures >= maxConsecutiveFailures {
			p.done = true
		}
		return nil, &PageLoadError{URL: pageURL, Err: err}
	}
	p.failures = 0

	if atEnd(pg) {
		p.done = true
		return nil, ErrDone
	}

	links, err := extractLinks(pg)
	if err != nil {
		return nil, &PageLoadError{URL: pageURL, Err: err}
	}
	if len(links) == 0 {
		p.done = true
		return nil, ErrDone
	}

	now := time.Now()
	var out []store.LinkRecord
	for _, l := range links {
		if p.c.opts.MaxLinks > 0 && p.total >= p.c.opts.MaxLinks {
			p.done = true
			break
		}
		if _, ok := p.c.known[l.url]; ok {
			continue
		}
		p.c.known[l.url] = struct{}{}
		p.total++
		out = append(out, store.LinkRecord{
			URL:          l.url,
			Title:        l.title,
			AuthorPage:   p.authorURL,
			DiscoveredAt: now,
			Status:       store.StatusNew,
		})
	}

	p.c.log.Info("collected page",
		slog.String("url", pageURL),
		slog.Int("new_links", len(out)),
		slog.Int("total", p.total))
	return out, nil
}

type rawLink struct {
	url   string
	title string
}

// extractLinks pulls article anchors out of one listing page. Relative
// hrefs are resolved against the page URL.
func extractLinks(p session.Page) ([]rawLink, error) {
	doc, err := p.Document()
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	base, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	for _, sel := range linkSelectors {
		var links []rawLink
		doc.Find(sel).Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok || href == "" {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			abs := base.ResolveReference(ref)
			abs.Fragment = ""
			links = append(links, rawLink{
				url:   abs.String(),
				title: strings.TrimSpace(a.Text()),
			})
		})
		if len(links) > 0 {
			return links, nil
		}
	}
	return nil, nil
}

// atEnd reports whether the listing page says there is nothing further.
func atEnd(p session.Page) bool {
	for _, m := range endMarkers {
		if p.Contains(m) {
			return true
		}
	}
	return false
}

// pageURL sets or replaces the page query parameter on the author URL.
func pageURL(authorURL string, page int) (string, error) {
	u, err := url.Parse(authorURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
