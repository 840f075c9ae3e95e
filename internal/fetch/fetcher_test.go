package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anatolykoptev/go_transcripts/internal/pagecache"
	"github.com/anatolykoptev/go_transcripts/internal/session"
	"github.com/anatolykoptev/go_transcripts/internal/store"
)

type fakeBrowser struct {
	mu      sync.Mutex
	pages   []session.Page
	err     error
	calls   int
	lastURL string
}

func (f *fakeBrowser) Navigate(_ context.Context, u string) (session.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastURL = u
	if f.err != nil {
		return session.Page{}, f.err
	}
	p := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	p.URL = u
	return p, nil
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu          sync.Mutex
	links       map[string]store.LinkRecord
	content     map[string]store.ContentRecord
	transcripts map[string]store.TranscriptRecord
}

func newMemStore() *memStore {
	return &memStore{
		links:       make(map[string]store.LinkRecord),
		content:     make(map[string]store.ContentRecord),
		transcripts: make(map[string]store.TranscriptRecord),
	}
}

func (m *memStore) SaveLink(_ context.Context, rec store.LinkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[rec.URL]; !ok {
		m.links[rec.URL] = rec
	}
	return nil
}

func (m *memStore) UpdateLinkStatus(_ context.Context, url string, status store.LinkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.links[url]
	if !ok {
		return fmt.Errorf("unknown link %s", url)
	}
	rec.Status = status
	m.links[url] = rec
	return nil
}

func (m *memStore) SaveContent(_ context.Context, rec store.ContentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[rec.URL] = rec
	return nil
}

func (m *memStore) SaveTranscript(_ context.Context, rec store.TranscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[rec.URL] = rec
	return nil
}

func (m *memStore) PendingLinks(_ context.Context, limit int) ([]store.LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LinkRecord
	for _, rec := range m.links {
		if rec.Status == store.StatusNew {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UnextractedContent(_ context.Context, limit int) ([]store.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ContentRecord
	for url, rec := range m.content {
		if _, ok := m.transcripts[url]; ok {
			continue
		}
		if l, ok := m.links[url]; ok && l.Status == store.StatusFailed {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) KnownURLs(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.links))
	for url := range m.links {
		out[url] = true
	}
	return out, nil
}

func (m *memStore) GetContent(_ context.Context, url string) (store.ContentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.content[url]
	return rec, ok, nil
}

func (m *memStore) Stats(_ context.Context) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := store.Stats{Links: len(m.links), Transcripts: len(m.transcripts)}
	for _, rec := range m.links {
		switch rec.Status {
		case store.StatusFetched:
			st.Fetched++
		case store.StatusExtracted:
			st.Extracted++
		case store.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (m *memStore) Close() error { return nil }

var testRetry = session.RetryConfig{MaxRetries: 0, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}

const articleURL = "https://example.com/article/q2-call"

func readyPage(body string) session.Page {
	return session.Page{
		Status: 200,
		Body:   []byte(`<html><body><div data-test-id="content-container">` + body + `</div></body></html>`),
	}
}

func TestFetchSavesContent(t *testing.T) {
	fb := &fakeBrowser{pages: []session.Page{readyPage("transcript text")}}
	st := newMemStore()

	f := New(fb, st, nil, Options{Retry: testRetry}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.HTTPStatus != 200 {
		t.Errorf("status = %d", rec.HTTPStatus)
	}
	saved, ok, _ := st.GetContent(context.Background(), articleURL)
	if !ok {
		t.Fatal("content not saved")
	}
	if saved.RawHTML != rec.RawHTML {
		t.Error("saved HTML differs from returned record")
	}
}

func TestFetchCaptchaBlocked(t *testing.T) {
	fb := &fakeBrowser{err: fmt.Errorf("navigate: %w", session.ErrCaptchaAbandoned)}
	st := newMemStore()

	f := New(fb, st, nil, Options{Retry: testRetry}, nil)
	_, err := f.Fetch(context.Background(), articleURL)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.Reason != ReasonCaptchaBlocked {
		t.Errorf("reason = %s, want %s", fe.Reason, ReasonCaptchaBlocked)
	}
	if fe.URL != articleURL {
		t.Errorf("url = %s", fe.URL)
	}
}

func TestFetchOverwrites(t *testing.T) {
	st := newMemStore()

	fb := &fakeBrowser{pages: []session.Page{readyPage("first version")}}
	f := New(fb, st, nil, Options{Retry: testRetry}, nil)
	if _, err := f.Fetch(context.Background(), articleURL); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	fb2 := &fakeBrowser{pages: []session.Page{readyPage("second version")}}
	f2 := New(fb2, st, nil, Options{Retry: testRetry}, nil)
	if _, err := f2.Fetch(context.Background(), articleURL); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	saved, _, _ := st.GetContent(context.Background(), articleURL)
	if want := "second version"; !contains(saved.RawHTML, want) {
		t.Errorf("content not overwritten, got %q", saved.RawHTML)
	}
}

func TestFetchServedFromCache(t *testing.T) {
	cache := pagecache.New("", time.Minute, 0, nil)
	defer cache.Close()
	cached := readyPage("cached copy")
	cache.Set(context.Background(), articleURL, cached.Body)

	fb := &fakeBrowser{pages: []session.Page{readyPage("live copy")}}
	st := newMemStore()

	f := New(fb, st, cache, Options{Retry: testRetry}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !contains(rec.RawHTML, "cached copy") {
		t.Error("expected cached body")
	}
	if fb.calls != 0 {
		t.Errorf("browser called %d times, want 0", fb.calls)
	}
}

func TestFetchCacheHitKeepsRecordedStatus(t *testing.T) {
	cache := pagecache.New("", time.Minute, 0, nil)
	defer cache.Close()
	cached := readyPage("cached copy")
	cache.Set(context.Background(), articleURL, cached.Body)

	st := newMemStore()
	prior := store.ContentRecord{
		URL:        articleURL,
		RawHTML:    string(cached.Body),
		FetchedAt:  time.Now().Add(-time.Hour),
		HTTPStatus: 203,
	}
	if err := st.SaveContent(context.Background(), prior); err != nil {
		t.Fatalf("SaveContent: %v", err)
	}

	f := New(&fakeBrowser{}, st, cache, Options{Retry: testRetry}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.HTTPStatus != 203 {
		t.Errorf("HTTPStatus = %d, want the originally recorded 203", rec.HTTPStatus)
	}
}

func TestFetchForceBypassesCache(t *testing.T) {
	cache := pagecache.New("", time.Minute, 0, nil)
	defer cache.Close()
	cache.Set(context.Background(), articleURL, readyPage("stale copy").Body)

	fb := &fakeBrowser{pages: []session.Page{readyPage("fresh copy")}}
	st := newMemStore()

	f := New(fb, st, cache, Options{Force: true, Retry: testRetry}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !contains(rec.RawHTML, "fresh copy") {
		t.Error("expected live body with Force set")
	}
	if fb.calls == 0 {
		t.Error("browser not called with Force set")
	}
}

func TestFetchReadinessRepoll(t *testing.T) {
	notReady := session.Page{Status: 200, Body: []byte("<html><body>loading…</body></html>")}
	fb := &fakeBrowser{pages: []session.Page{notReady, readyPage("late content")}}
	st := newMemStore()

	f := New(fb, st, nil, Options{
		ReadyTimeout: time.Second,
		PollInterval: time.Millisecond,
		Retry:        testRetry,
	}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !contains(rec.RawHTML, "late content") {
		t.Error("expected the re-polled page")
	}
	if fb.calls < 2 {
		t.Errorf("browser called %d times, want at least 2", fb.calls)
	}
}

func TestFetchNeverReadySavesAnyway(t *testing.T) {
	notReady := session.Page{Status: 200, Body: []byte("<html><body>skeleton only</body></html>")}
	fb := &fakeBrowser{pages: []session.Page{notReady}}
	st := newMemStore()

	f := New(fb, st, nil, Options{
		ReadyTimeout: 5 * time.Millisecond,
		PollInterval: time.Millisecond,
		Retry:        testRetry,
	}, nil)
	rec, err := f.Fetch(context.Background(), articleURL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !contains(rec.RawHTML, "skeleton only") {
		t.Error("expected the partial page to be saved")
	}
	if _, ok, _ := st.GetContent(context.Background(), articleURL); !ok {
		t.Error("partial page not persisted")
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
