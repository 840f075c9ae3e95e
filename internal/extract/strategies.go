package extract

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Paragraphs shorter than this or containing one of these phrases are
// site furniture, not transcript.
const minParagraphLen = 20

var boilerplate = []string{
	"disclosure:", "disclosure :", "©", "all rights reserved",
	"seeking alpha", "editor's note", "make the most of premium",
}

func keepParagraph(text string) bool {
	if len(text) <= minParagraphLen {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range boilerplate {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

// sectionsStrategy reads transcript-specific sections directly.
type sectionsStrategy struct{}

func (sectionsStrategy) Name() string { return "sections" }

func (sectionsStrategy) TryExtract(doc *goquery.Document, _ string) (string, bool) {
	var parts []string
	doc.Find(".transcript-section, .transcript-text, .sa-transcript").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}

// containersStrategy reads paragraphs out of known article containers.
type containersStrategy struct{}

func (containersStrategy) Name() string { return "containers" }

var containerSelectors = []string{
	`div[data-test-id="content-container"]`,
	".paywall-content",
	".sa-art",
	"article.sa-content",
	".article-content",
	"#a-body",
}

func (containersStrategy) TryExtract(doc *goquery.Document, _ string) (string, bool) {
	for _, sel := range containerSelectors {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}
		full := container.Text()
		// Container holding only the premium teaser
		if strings.Contains(full, "Make the most of Premium") && len(full) < 100 {
			continue
		}
		var parts []string
		container.Find("p").Each(func(_ int, p *goquery.Selection) {
			if t := strings.TrimSpace(p.Text()); keepParagraph(t) {
				parts = append(parts, t)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n"), true
		}
	}
	return "", false
}

// scriptJSONStrategy digs the transcript out of JSON payloads embedded in
// script tags.
type scriptJSONStrategy struct{}

func (scriptJSONStrategy) Name() string { return "script-json" }

var (
	transcriptMarker = regexp.MustCompile(`\{[^}]*"transcript"[^}]*\}`)
	contentField     = regexp.MustCompile(`"content"\s*:\s*"([^"]*)"`)
	jsonUnescaper    = strings.NewReplacer(`\"`, `"`, `\n`, "\n")
)

func (scriptJSONStrategy) TryExtract(_ *goquery.Document, rawHTML string) (string, bool) {
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			name, _ := z.TagName()
			inScript = string(name) == "script"
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript {
				continue
			}
			body := string(z.Text())
			if !transcriptMarker.MatchString(body) {
				continue
			}
			m := contentField.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			return jsonUnescaper.Replace(m[1]), true
		}
	}
}

// speakersStrategy rebuilds the transcript from speaker-labelled
// segments. Transcripts render each turn as "<strong>Name:</strong> text";
// a real one has many turns, so a handful of matches is treated as noise.
type speakersStrategy struct{}

func (speakersStrategy) Name() string { return "speakers" }

const minSpeakerSegments = 10

var speakerPattern = regexp.MustCompile(`(?i)<strong>([^<:]+):</strong>([^<]+)`)

func (speakersStrategy) TryExtract(_ *goquery.Document, rawHTML string) (string, bool) {
	matches := speakerPattern.FindAllStringSubmatch(rawHTML, -1)
	if len(matches) <= minSpeakerSegments {
		return "", false
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, strings.TrimSpace(m[1])+": "+strings.TrimSpace(m[2]))
	}
	return strings.Join(parts, "\n\n"), true
}

// readabilityStrategy runs generic article extraction and renders the
// result as markdown-ish plain text.
type readabilityStrategy struct{}

func (readabilityStrategy) Name() string { return "readability" }

func (readabilityStrategy) TryExtract(_ *goquery.Document, rawHTML string) (string, bool) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), nil)
	if err != nil {
		return "", false
	}
	md, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		md = article.TextContent
	}
	text := strings.TrimSpace(md)
	if text == "" {
		return "", false
	}
	return text, true
}

// paragraphsStrategy is the last resort: every paragraph on the page,
// filtered.
type paragraphsStrategy struct{}

func (paragraphsStrategy) Name() string { return "paragraphs" }

func (paragraphsStrategy) TryExtract(doc *goquery.Document, _ string) (string, bool) {
	var parts []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); keepParagraph(t) {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}
