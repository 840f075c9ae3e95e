// Package extract pulls earnings-call transcript text out of fetched
// article HTML. A fixed chain of strategies is tried in priority order;
// the first one that yields enough text wins and its name is recorded on
// the result.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoStrategyMatched is returned when every strategy came up short for
// an article. Recoverable per item.
var ErrNoStrategyMatched = errors.New("extract: no strategy matched")

// MinLength is the minimum transcript length in characters. A strategy
// yield below this counts as no match.
const MinLength = 500

// Result is one extracted transcript plus article metadata.
type Result struct {
	Text        string
	Method      string
	Title       string
	Author      string
	PublishedAt string
}

// Strategy is one way of locating transcript text in an article.
type Strategy interface {
	Name() string
	TryExtract(doc *goquery.Document, rawHTML string) (string, bool)
}

// Extractor runs the strategy chain over article HTML.
type Extractor struct {
	strategies []Strategy
	minLength  int
	log        *slog.Logger
}

// New builds an Extractor with the default strategy chain.
func New(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		strategies: []Strategy{
			sectionsStrategy{},
			containersStrategy{},
			scriptJSONStrategy{},
			speakersStrategy{},
			readabilityStrategy{},
			paragraphsStrategy{},
		},
		minLength: MinLength,
		log:       log,
	}
}

// NewWithStrategies builds an Extractor over a custom chain.
func NewWithStrategies(log *slog.Logger, minLength int, strategies ...Strategy) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{strategies: strategies, minLength: minLength, log: log}
}

// Extract runs the chain over one article's HTML. pageURL is used only
// for logging.
func (e *Extractor) Extract(rawHTML, pageURL string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Result{}, fmt.Errorf("extract: parse html: %w", err)
	}

	for _, s := range e.strategies {
		text, ok := s.TryExtract(doc, rawHTML)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) < e.minLength {
			e.log.Debug("strategy yield below minimum",
				slog.String("strategy", s.Name()),
				slog.Int("chars", len(text)),
				slog.String("url", pageURL))
			continue
		}
		res := Result{Text: text, Method: s.Name()}
		res.Title, res.Author, res.PublishedAt = metadata(doc)
		e.log.Info("extracted transcript",
			slog.String("strategy", s.Name()),
			slog.Int("chars", len(text)),
			slog.String("url", pageURL))
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrNoStrategyMatched, pageURL)
}

var (
	titleSelectors  = []string{`h1[data-test-id="post-title"]`, "h1.title", "h1", "title"}
	dateSelectors   = []string{"time", `[data-test-id="post-date"]`, ".post-date"}
	authorSelectors = []string{`[data-test-id="author-name"]`, ".author-link"}
)

func metadata(doc *goquery.Document) (title, author, published string) {
	return firstText(doc, titleSelectors),
		firstText(doc, authorSelectors),
		firstText(doc, dateSelectors)
}

// firstText returns the trimmed text of the first matching selector.
func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if el := doc.Find(sel).First(); el.Length() > 0 {
			if t := strings.TrimSpace(el.Text()); t != "" {
				return t
			}
		}
	}
	return ""
}
