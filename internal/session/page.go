package session

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a loaded page: final URL, HTTP status, and raw body.
type Page struct {
	URL    string
	Status int
	Body   []byte
}

// HTML returns the page body as a string.
func (p Page) HTML() string { return string(p.Body) }

// Document parses the body into a goquery document.
func (p Page) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(string(p.Body)))
}

// Contains reports whether the body contains s, case-insensitively.
func (p Page) Contains(s string) bool {
	return strings.Contains(strings.ToLower(string(p.Body)), strings.ToLower(s))
}

// Login markers the site renders only for authenticated users.
var loginMarkers = []string{"Sign Out", "My Portfolio", "My Account", "Premium"}

// LoggedIn reports whether the page looks like an authenticated view.
func LoggedIn(p Page) bool {
	body := string(p.Body)
	for _, m := range loginMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// Paywall teaser markers: the article shell loaded but the body is behind
// the subscription wall.
var paywallMarkers = []string{
	"premium content requires a subscription",
	"make the most of premium",
}

// Paywalled reports whether the page looks like a subscription teaser.
func Paywalled(p Page) bool {
	for _, m := range paywallMarkers {
		if p.Contains(m) {
			return true
		}
	}
	return false
}
