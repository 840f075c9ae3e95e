package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// transcriptJSON mirrors the on-disk export layout.
type transcriptJSON struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Date    string `json:"date"`
	Author  string `json:"author"`
	Method  string `json:"extraction_method"`
	Content string `json:"content"`
}

// ExportTranscript writes a transcript as a JSON file under dir. The
// filename is derived from the title (sanitized, capped), falling back to a
// slug of the URL when the title is empty.
func ExportTranscript(dir string, rec TranscriptRecord) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("store: export mkdir: %w", err)
	}

	name := SafeFilename(rec.Title)
	if name == "" {
		name = SafeFilename(rec.URL)
	}
	path := filepath.Join(dir, name+".json")

	data, err := json.MarshalIndent(transcriptJSON{
		Title:   rec.Title,
		URL:     rec.URL,
		Date:    rec.PublishedAt,
		Author:  rec.Author,
		Method:  rec.Method,
		Content: rec.Text,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: export marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("store: export write %s: %w", path, err)
	}
	return path, nil
}

// SafeFilename replaces non-alphanumeric runes with underscores and caps the
// result at 50 runes.
func SafeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}
