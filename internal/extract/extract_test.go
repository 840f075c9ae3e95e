package extract

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filler produces transcript-looking text longer than MinLength.
func filler() string {
	return strings.TrimSpace(strings.Repeat("Operator: Good morning and welcome to the second quarter earnings call. ", 12))
}

func page(body string) string {
	return "<html><head><title>fallback title</title></head><body>" + body + "</body></html>"
}

func mustDoc(t *testing.T, rawHTML string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	require.NoError(t, err)
	return doc
}

func TestExtractSections(t *testing.T) {
	raw := page(`<div class="transcript-section">` + filler() + `</div>`)
	res, err := New(nil).Extract(raw, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "sections", res.Method)
	assert.Contains(t, res.Text, "second quarter earnings call")
}

func TestExtractContainers(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<div data-test-id="content-container">`)
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "<p>Prepared remarks segment %d covering revenue growth and guidance details.</p>", i)
	}
	b.WriteString(`<p>Disclosure: I have no positions in any stocks mentioned.</p>`)
	b.WriteString(`</div>`)

	res, err := New(nil).Extract(page(b.String()), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "containers", res.Method)
	assert.Contains(t, res.Text, "Prepared remarks segment 0")
	assert.NotContains(t, res.Text, "Disclosure")
}

func TestExtractScriptJSON(t *testing.T) {
	content := strings.Repeat(`Management discussion of quarterly results and outlook. `, 12)
	raw := page(fmt.Sprintf(
		`<script>window.__DATA__ = {"kind":"transcript","id":42}; var article = {"content":"%s"};</script>`,
		strings.TrimSpace(content)))

	res, err := New(nil).Extract(raw, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "script-json", res.Method)
	assert.Contains(t, res.Text, "quarterly results")
}

func TestExtractSpeakers(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "<strong>Speaker %d:</strong> thank you for the question, margins improved this quarter. ", i)
	}
	res, err := New(nil).Extract(page(b.String()), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "speakers", res.Method)
	assert.Contains(t, res.Text, "Speaker 0: thank you")
}

func TestSpeakersTooFewSegments(t *testing.T) {
	raw := "<strong>CEO:</strong> brief comment. <strong>CFO:</strong> another comment."
	_, ok := speakersStrategy{}.TryExtract(nil, raw)
	assert.False(t, ok)
}

func TestParagraphsStrategy(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "<p>Answer segment %d about operating leverage and free cash flow conversion.</p>", i)
	}
	b.WriteString("<p>short</p>")
	b.WriteString("<p>© 2024. All rights reserved to the respective publisher.</p>")

	text, ok := paragraphsStrategy{}.TryExtract(mustDoc(t, page(b.String())), "")
	require.True(t, ok)
	assert.Contains(t, text, "Answer segment 0")
	assert.NotContains(t, text, "short")
	assert.NotContains(t, text, "rights reserved")
}

func TestStrategyPriority(t *testing.T) {
	raw := page(`<div class="transcript-section">` + filler() + `</div>` +
		`<div data-test-id="content-container"><p>` + filler() + `</p></div>`)
	res, err := New(nil).Extract(raw, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "sections", res.Method)
}

func TestShortYieldFallsThrough(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<div class="transcript-section">too short</div>`)
	b.WriteString(`<div data-test-id="content-container">`)
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "<p>Question %d from the analyst covering segment revenue and churn.</p>", i)
	}
	b.WriteString(`</div>`)

	res, err := New(nil).Extract(page(b.String()), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "containers", res.Method)
}

func TestExtractNoStrategyMatched(t *testing.T) {
	chain := NewWithStrategies(nil, MinLength,
		sectionsStrategy{}, containersStrategy{}, scriptJSONStrategy{}, speakersStrategy{}, paragraphsStrategy{})
	_, err := chain.Extract(page("<p>short</p>"), "https://example.com/a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoStrategyMatched))
}

func TestMetadata(t *testing.T) {
	raw := page(`<h1 data-test-id="post-title">Acme Corp Q2 2024 Earnings Call Transcript</h1>` +
		`<span data-test-id="author-name">SA Transcripts</span>` +
		`<time>Jul. 30, 2024 8:00 PM ET</time>` +
		`<div class="transcript-section">` + filler() + `</div>`)

	res, err := New(nil).Extract(raw, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp Q2 2024 Earnings Call Transcript", res.Title)
	assert.Equal(t, "SA Transcripts", res.Author)
	assert.Equal(t, "Jul. 30, 2024 8:00 PM ET", res.PublishedAt)
}
