// Package session owns the anti-detection browser client: Chrome TLS
// fingerprint, cookie persistence across runs, captcha handling, and
// adaptive pacing between page loads.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	"golang.org/x/time/rate"
)

var (
	// ErrDriverInit means the underlying browser client could not be
	// constructed. Fatal — nothing downstream can run without it.
	ErrDriverInit = errors.New("session: driver init failed")

	// ErrCaptchaBlocked means the session hit its abandoned-captcha budget
	// and must be torn down.
	ErrCaptchaBlocked = errors.New("session: captcha blocked")

	// ErrCaptchaAbandoned means a single challenge went unsolved. The
	// current page load fails; the session survives.
	ErrCaptchaAbandoned = errors.New("session: captcha abandoned")
)

// Config controls session behavior.
type Config struct {
	// SiteURL is the scraped property's root, used for cookie scoping and
	// warm-up navigation.
	SiteURL string
	// Headless disables manual captcha resolution (unattended run).
	Headless bool
	// UserAgent overrides the rotated default.
	UserAgent string
	// Proxy is an optional upstream proxy URL.
	Proxy string
	// CookiePath is where cookies are restored from and persisted to.
	// Empty disables persistence.
	CookiePath string

	// BaseInterval is the minimum spacing between page loads.
	BaseInterval time.Duration
	// Timeout bounds a single page load.
	Timeout time.Duration
	// CaptchaTimeout bounds a manual captcha resolution wait.
	CaptchaTimeout time.Duration
	// MaxAbandoned is the abandoned-challenge budget per session.
	MaxAbandoned int

	// Delay is the adaptive delay policy. Zero value falls back to
	// DefaultDelayPolicy.
	Delay DelayPolicy
	// Solver overrides the captcha solver chosen from Headless.
	Solver Solver
}

// Session is the exclusive owner of one browser client. Page loads are
// serialized; the session is safe for concurrent use.
type Session struct {
	cfg       Config
	bc        *BrowserClient
	captcha   *CaptchaHandler
	delay     DelayPolicy
	limiter   *rate.Limiter
	userAgent string
	siteURL   *url.URL

	mu       sync.Mutex // serializes page loads
	referer  string
	requests atomic.Int64
	failures atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Open builds the browser client, restores persisted cookies, and returns a
// ready session. The caller must Close it to persist cookies back.
func Open(cfg Config) (*Session, error) {
	if cfg.SiteURL == "" {
		return nil, fmt.Errorf("%w: site URL is required", ErrDriverInit)
	}
	siteURL, err := url.Parse(cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse site URL: %v", ErrDriverInit, err)
	}

	timeoutSec := int(cfg.Timeout / time.Second)
	bc, err := newBrowserClient(timeoutSec, cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverInit, err)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = RandomUserAgent()
	}

	solver := cfg.Solver
	if solver == nil {
		if cfg.Headless {
			solver = NoopSolver{}
		} else {
			solver = &ManualSolver{In: os.Stdin, Out: os.Stderr, Timeout: cfg.CaptchaTimeout}
		}
	}

	delay := cfg.Delay
	if delay.Base == 0 {
		delay = DefaultDelayPolicy
	}

	base := cfg.BaseInterval
	if base <= 0 {
		base = delay.Base
	}

	s := &Session{
		cfg:       cfg,
		bc:        bc,
		captcha:   NewCaptchaHandler(solver, delay.Cooldown, cfg.MaxAbandoned),
		delay:     delay,
		limiter:   rate.NewLimiter(rate.Every(base), 1),
		userAgent: ua,
		siteURL:   siteURL,
	}

	if cfg.CookiePath != "" {
		if err := s.restoreCookies(); err != nil {
			slog.Warn("cookie restore failed, starting fresh", slog.Any("error", err))
		}
	}

	slog.Info("session opened",
		slog.String("site", cfg.SiteURL),
		slog.Bool("headless", cfg.Headless),
		slog.Bool("proxy", cfg.Proxy != ""),
	)
	return s, nil
}

// Close persists cookies and releases the session. Safe to call more than
// once and on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cfg.CookiePath != "" {
			cookies := s.bc.Cookies(s.siteURL)
			if err := saveCookies(s.cfg.CookiePath, cookies); err != nil {
				s.closeErr = err
				return
			}
			slog.Info("cookies persisted", slog.Int("count", len(cookies)), slog.String("path", s.cfg.CookiePath))
		}
	})
	return s.closeErr
}

// Navigate loads a page through the stealth client: waits out the base
// pacing plus the adaptive delay, sends Chrome headers with the session's
// user agent and referer, and runs captcha handling on the response.
func (s *Session) Navigate(ctx context.Context, rawURL string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}
	if err := s.adaptiveWait(ctx); err != nil {
		return Page{}, err
	}

	page, err := s.load(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}

	if DetectCaptcha(page) {
		state, cerr := s.captcha.Handle(ctx, page)
		slog.Warn("captcha encountered",
			slog.String("url", rawURL),
			slog.String("state", state.String()),
		)
		switch {
		case cerr != nil:
			return Page{}, fmt.Errorf("navigate %s: %w", rawURL, cerr)
		case state == CaptchaResolved:
			// One reload after the operator cleared the challenge.
			page, err = s.load(ctx, rawURL)
			if err != nil {
				return Page{}, err
			}
			if DetectCaptcha(page) {
				// The reload served another challenge; the resolve did not take.
				if berr := s.captcha.Abandon(); berr != nil {
					return Page{}, fmt.Errorf("navigate %s: %w", rawURL, berr)
				}
				return Page{}, fmt.Errorf("navigate %s: %w", rawURL, ErrCaptchaAbandoned)
			}
		default:
			return Page{}, fmt.Errorf("navigate %s: %w", rawURL, ErrCaptchaAbandoned)
		}
	}

	if page.Status != http.StatusOK {
		s.failures.Add(1)
		return Page{}, fmt.Errorf("navigate %s: %w", rawURL, &statusError{StatusCode: page.Status})
	}

	// Success winds the failure pressure back down.
	for {
		f := s.failures.Load()
		if f <= 0 || s.failures.CompareAndSwap(f, f-1) {
			break
		}
	}
	s.referer = rawURL
	return page, nil
}

// load performs one HTTP round trip without pacing or captcha handling.
func (s *Session) load(ctx context.Context, rawURL string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	headers := ChromeHeaders(s.userAgent)
	if s.referer != "" {
		headers["referer"] = s.referer
	}

	s.requests.Add(1)
	body, status, err := s.bc.Do(http.MethodGet, rawURL, headers, nil)
	if err != nil {
		s.failures.Add(1)
		return Page{}, Transient(fmt.Errorf("navigate %s: %w", rawURL, err))
	}
	return Page{URL: rawURL, Status: status, Body: body}, nil
}

// adaptiveWait sleeps out the captcha/failure-scaled extra delay on top of
// the limiter's base pacing, with ±20% jitter.
func (s *Session) adaptiveWait(ctx context.Context) error {
	total := s.delay.Next(
		s.captcha.RecentEncounters(),
		int(s.failures.Load()),
		s.captcha.SinceLastEncounter(),
	)
	extra := total - s.delay.Base
	if extra <= 0 {
		return nil
	}
	extra = time.Duration(float64(extra) * (0.8 + 0.4*rand.Float64()))

	slog.Debug("adaptive delay", slog.Duration("extra", extra))
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Warmup loads the site root once so the session looks established before
// real work starts, and reports whether persisted cookies still carry a
// login.
func (s *Session) Warmup(ctx context.Context) (bool, error) {
	page, err := s.Navigate(ctx, s.siteURL.String())
	if err != nil {
		return false, fmt.Errorf("session: warmup: %w", err)
	}
	loggedIn := LoggedIn(page)
	slog.Info("session warmed up", slog.Bool("logged_in", loggedIn))
	return loggedIn, nil
}

// Requests returns the number of page loads attempted by this session.
func (s *Session) Requests() int64 { return s.requests.Load() }

// CaptchaEncounters returns the rolling resolved-encounter count.
func (s *Session) CaptchaEncounters() int { return s.captcha.RecentEncounters() }

// restoreCookies seeds the jar from the persisted cookie file, grouped by
// cookie domain.
func (s *Session) restoreCookies() error {
	cookies, err := loadCookies(s.cfg.CookiePath)
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}

	// Group by domain so jar scoping matches the original site.
	byHost := make(map[string][]*fhttp.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			host = s.siteURL.Host
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, scoped := range byHost {
		u := &url.URL{Scheme: "https", Host: host}
		s.bc.SetCookies(u, scoped)
	}

	slog.Info("cookies restored", slog.Int("count", len(cookies)), slog.String("path", s.cfg.CookiePath))
	return nil
}
