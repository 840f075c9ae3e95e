package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqlStore implements Store over database/sql. The same queries serve both
// backends; placeholders are written in SQLite style and rebound for
// Postgres.
type sqlStore struct {
	db       *sql.DB
	rebinder func(string) string
}

func passthrough(q string) string { return q }

// rebindPostgres rewrites ? placeholders to $1, $2, ...
func rebindPostgres(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS links (
	url           TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	author_page   TEXT NOT NULL DEFAULT '',
	discovered_at TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'new'
);
CREATE TABLE IF NOT EXISTS content (
	url         TEXT PRIMARY KEY REFERENCES links(url),
	raw_html    TEXT NOT NULL,
	fetched_at  TEXT NOT NULL,
	http_status INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
	url          TEXT PRIMARY KEY REFERENCES links(url),
	text         TEXT NOT NULL,
	method       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL DEFAULT '',
	extracted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_links_status ON links(status);
`

func initSchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebinder(query), args...)
	return err
}

func (s *sqlStore) SaveLink(ctx context.Context, rec LinkRecord) error {
	if rec.URL == "" {
		return fmt.Errorf("store: save link: empty url")
	}
	status := rec.Status
	if status == "" {
		status = StatusNew
	}
	discovered := rec.DiscoveredAt
	if discovered.IsZero() {
		discovered = time.Now().UTC()
	}
	err := s.exec(ctx,
		`INSERT INTO links (url, title, author_page, discovered_at, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		rec.URL, rec.Title, rec.AuthorPage, discovered.Format(time.RFC3339), string(status),
	)
	if err != nil {
		return fmt.Errorf("store: save link %s: %w", rec.URL, err)
	}
	return nil
}

func (s *sqlStore) UpdateLinkStatus(ctx context.Context, url string, status LinkStatus) error {
	if err := s.exec(ctx, `UPDATE links SET status = ? WHERE url = ?`, string(status), url); err != nil {
		return fmt.Errorf("store: update status %s: %w", url, err)
	}
	return nil
}

func (s *sqlStore) SaveContent(ctx context.Context, rec ContentRecord) error {
	fetched := rec.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	err := s.exec(ctx,
		`INSERT INTO content (url, raw_html, fetched_at, http_status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			raw_html = excluded.raw_html,
			fetched_at = excluded.fetched_at,
			http_status = excluded.http_status`,
		rec.URL, rec.RawHTML, fetched.Format(time.RFC3339), rec.HTTPStatus,
	)
	if err != nil {
		return fmt.Errorf("store: save content %s: %w", rec.URL, err)
	}
	return nil
}

func (s *sqlStore) SaveTranscript(ctx context.Context, rec TranscriptRecord) error {
	extracted := rec.ExtractedAt
	if extracted.IsZero() {
		extracted = time.Now().UTC()
	}
	err := s.exec(ctx,
		`INSERT INTO transcripts (url, text, method, title, author, published_at, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			text = excluded.text,
			method = excluded.method,
			title = excluded.title,
			author = excluded.author,
			published_at = excluded.published_at,
			extracted_at = excluded.extracted_at`,
		rec.URL, rec.Text, rec.Method, rec.Title, rec.Author, rec.PublishedAt,
		extracted.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: save transcript %s: %w", rec.URL, err)
	}
	return nil
}

func (s *sqlStore) PendingLinks(ctx context.Context, limit int) ([]LinkRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebinder(
		`SELECT url, title, author_page, discovered_at, status
		 FROM links WHERE status = ? ORDER BY discovered_at LIMIT ?`),
		string(StatusNew), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: pending links: %w", err)
	}
	defer rows.Close()

	var out []LinkRecord
	for rows.Next() {
		var rec LinkRecord
		var discovered, status string
		if err := rows.Scan(&rec.URL, &rec.Title, &rec.AuthorPage, &discovered, &status); err != nil {
			return nil, fmt.Errorf("store: scan link: %w", err)
		}
		rec.DiscoveredAt, _ = time.Parse(time.RFC3339, discovered)
		rec.Status = LinkStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) UnextractedContent(ctx context.Context, limit int) ([]ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebinder(
		`SELECT c.url, c.raw_html, c.fetched_at, c.http_status
		 FROM content c
		 JOIN links l ON l.url = c.url
		 LEFT JOIN transcripts t ON t.url = c.url
		 WHERE t.url IS NULL AND l.status != ?
		 ORDER BY c.fetched_at LIMIT ?`),
		string(StatusFailed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: unextracted content: %w", err)
	}
	defer rows.Close()

	var out []ContentRecord
	for rows.Next() {
		var rec ContentRecord
		var fetched string
		if err := rows.Scan(&rec.URL, &rec.RawHTML, &fetched, &rec.HTTPStatus); err != nil {
			return nil, fmt.Errorf("store: scan content: %w", err)
		}
		rec.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) KnownURLs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM links`)
	if err != nil {
		return nil, fmt.Errorf("store: known urls: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: scan url: %w", err)
		}
		known[u] = true
	}
	return known, rows.Err()
}

func (s *sqlStore) GetContent(ctx context.Context, url string) (ContentRecord, bool, error) {
	var rec ContentRecord
	var fetched string
	err := s.db.QueryRowContext(ctx, s.rebinder(
		`SELECT url, raw_html, fetched_at, http_status FROM content WHERE url = ?`), url,
	).Scan(&rec.URL, &rec.RawHTML, &fetched, &rec.HTTPStatus)
	if err == sql.ErrNoRows {
		return ContentRecord{}, false, nil
	}
	if err != nil {
		return ContentRecord{}, false, fmt.Errorf("store: get content %s: %w", url, err)
	}
	rec.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return rec, true, nil
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, s.rebinder(
		`SELECT
			COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		 FROM links`),
		string(StatusFetched), string(StatusExtracted), string(StatusFailed),
	).Scan(&st.Links, &nullInt{&st.Fetched}, &nullInt{&st.Extracted}, &nullInt{&st.Failed})
	if err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`).Scan(&st.Transcripts); err != nil {
		return st, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// nullInt scans a possibly-NULL aggregate into an int.
type nullInt struct{ v *int }

func (n *nullInt) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*n.v = 0
	case int64:
		*n.v = int(x)
	case int:
		*n.v = x
	default:
		return fmt.Errorf("store: unexpected aggregate type %T", src)
	}
	return nil
}
