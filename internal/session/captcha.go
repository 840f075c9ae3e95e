package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// CaptchaState is the outcome of a captcha check.
type CaptchaState int

const (
	CaptchaNone CaptchaState = iota
	CaptchaDetected
	CaptchaResolved
	CaptchaAbandoned
)

func (s CaptchaState) String() string {
	switch s {
	case CaptchaNone:
		return "none"
	case CaptchaDetected:
		return "detected"
	case CaptchaResolved:
		return "resolved"
	case CaptchaAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Body substrings that mark a challenge page.
var captchaIndicators = []string{
	"captcha",
	"robot",
	"human verification",
	"security check",
	"prove you're not a robot",
	"verify you are human",
	"press and hold",
	"human challenge",
}

// DOM selectors for challenge widgets (reCAPTCHA, PerimeterX, Cloudflare).
var captchaSelectors = []string{
	"iframe[src*='captcha']",
	"iframe[src*='recaptcha']",
	"div[class*='captcha']",
	"div[id*='captcha']",
	"div[id*='px-captcha']",
	"#cf-challenge-running",
	".cf-browser-verification",
	"[data-testid='human-challenge-press-and-hold']",
}

// DetectCaptcha reports whether the page is an anti-bot challenge.
func DetectCaptcha(p Page) bool {
	for _, ind := range captchaIndicators {
		if p.Contains(ind) {
			return true
		}
	}
	doc, err := p.Document()
	if err != nil {
		return false
	}
	for _, sel := range captchaSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// Solver attempts to clear a detected challenge. How a challenge actually
// gets solved is injectable; the shipped solvers either wait for a human or
// give up immediately.
type Solver interface {
	Solve(ctx context.Context, p Page) (bool, error)
}

// NoopSolver never solves anything. Used for unattended (headless) runs.
type NoopSolver struct{}

func (NoopSolver) Solve(context.Context, Page) (bool, error) { return false, nil }

// ManualSolver blocks until an operator confirms the challenge was solved in
// the browser, bounded by Timeout. A single reader goroutine serves every
// challenge, so a timed-out prompt does not orphan a read on In.
type ManualSolver struct {
	In      io.Reader
	Out     io.Writer
	Timeout time.Duration

	once  sync.Once
	lines chan struct{}
}

func (s *ManualSolver) Solve(ctx context.Context, p Page) (bool, error) {
	s.once.Do(func() {
		s.lines = make(chan struct{})
		go func() {
			r := bufio.NewReader(s.In)
			for {
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				s.lines <- struct{}{}
			}
		}()
	})

	if s.Out != nil {
		fmt.Fprintf(s.Out, "captcha detected at %s, solve it in the browser, then press Enter...\n", p.URL)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.lines:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CaptchaHandler runs the Normal -> Detected -> {Resolved, Abandoned} state
// machine and keeps the rolling encounter history feeding the delay policy.
type CaptchaHandler struct {
	solver       Solver
	window       time.Duration
	maxAbandoned int

	mu         sync.Mutex
	encounters []time.Time
	abandoned  int
}

// NewCaptchaHandler builds a handler. window bounds how long an encounter
// keeps inflating the adaptive delay; maxAbandoned is how many abandoned
// challenges a session survives before it is declared blocked.
func NewCaptchaHandler(solver Solver, window time.Duration, maxAbandoned int) *CaptchaHandler {
	if solver == nil {
		solver = NoopSolver{}
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	if maxAbandoned <= 0 {
		maxAbandoned = 2
	}
	return &CaptchaHandler{solver: solver, window: window, maxAbandoned: maxAbandoned}
}

// Handle runs the solver against a detected challenge page.
// Returns CaptchaResolved, CaptchaAbandoned, or CaptchaAbandoned with
// ErrCaptchaBlocked once the abandon budget is spent.
func (h *CaptchaHandler) Handle(ctx context.Context, p Page) (CaptchaState, error) {
	solved, err := h.solver.Solve(ctx, p)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return CaptchaAbandoned, err
		}
		solved = false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if solved {
		h.encounters = append(h.encounters, time.Now())
		return CaptchaResolved, nil
	}

	h.abandoned++
	if h.abandoned >= h.maxAbandoned {
		return CaptchaAbandoned, ErrCaptchaBlocked
	}
	return CaptchaAbandoned, nil
}

// Abandon records a challenge given up without a solve, for cases where the
// solver reported success but the follow-up load was still a challenge.
// Returns ErrCaptchaBlocked once the abandon budget is spent.
func (h *CaptchaHandler) Abandon() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned++
	if h.abandoned >= h.maxAbandoned {
		return ErrCaptchaBlocked
	}
	return nil
}

// RecentEncounters counts encounters within the rolling window.
func (h *CaptchaHandler) RecentEncounters() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.window)
	n := 0
	for _, t := range h.encounters {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// SinceLastEncounter returns the age of the most recent encounter, or a
// very large duration when there were none.
func (h *CaptchaHandler) SinceLastEncounter() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.encounters) == 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(h.encounters[len(h.encounters)-1])
}
