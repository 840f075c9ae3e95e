// Package store persists link, content, and transcript records.
//
// Two backends are provided: a local SQLite database and a Postgres server,
// both behind the same Store interface.
package store

import (
	"context"
	"time"
)

// LinkStatus tracks a link's progress through the pipeline.
type LinkStatus string

const (
	StatusNew       LinkStatus = "new"
	StatusFetched   LinkStatus = "fetched"
	StatusFailed    LinkStatus = "failed"
	StatusExtracted LinkStatus = "extracted"
)

// LinkRecord is a discovered article URL.
type LinkRecord struct {
	URL          string
	Title        string
	AuthorPage   string
	DiscoveredAt time.Time
	Status       LinkStatus
}

// ContentRecord is the raw HTML captured for a link. One record per URL;
// re-fetching overwrites.
type ContentRecord struct {
	URL        string
	RawHTML    string
	FetchedAt  time.Time
	HTTPStatus int
}

// TranscriptRecord is the extracted transcript for a fetched link.
type TranscriptRecord struct {
	URL         string
	Text        string
	Method      string
	Title       string
	Author      string
	PublishedAt string
	ExtractedAt time.Time
}

// Stats summarizes store contents for progress reporting.
type Stats struct {
	Links       int
	Fetched     int
	Extracted   int
	Failed      int
	Transcripts int
}

// Store is the persistence collaborator used by every pipeline stage.
type Store interface {
	// SaveLink inserts a new link. Saving an already-known URL is a no-op.
	SaveLink(ctx context.Context, rec LinkRecord) error
	// UpdateLinkStatus transitions a link's status.
	UpdateLinkStatus(ctx context.Context, url string, status LinkStatus) error
	// SaveContent stores raw HTML, overwriting any prior record for the URL.
	SaveContent(ctx context.Context, rec ContentRecord) error
	// SaveTranscript stores an extracted transcript, overwriting any prior
	// record for the URL.
	SaveTranscript(ctx context.Context, rec TranscriptRecord) error

	// PendingLinks returns links with status "new", oldest first.
	PendingLinks(ctx context.Context, limit int) ([]LinkRecord, error)
	// UnextractedContent returns fetched content without a transcript yet,
	// skipping links already marked failed.
	UnextractedContent(ctx context.Context, limit int) ([]ContentRecord, error)
	// KnownURLs returns every link URL in the store, for dedup seeding.
	KnownURLs(ctx context.Context) (map[string]bool, error)
	// GetContent returns the content record for a URL, or ok=false.
	GetContent(ctx context.Context, url string) (ContentRecord, bool, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
