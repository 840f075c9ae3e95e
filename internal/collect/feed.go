package collect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/anatolykoptev/go_transcripts/internal/store"
)

// CollectFeed discovers article links from the author's RSS feed. The
// same dedup set as paginated collection applies, so feed and page
// discovery can be combined in one run.
func (c *Collector) CollectFeed(ctx context.Context, feedURL string, max int) ([]store.LinkRecord, error) {
	fp := gofeed.NewParser()
	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("collect: parse feed %s: %w", feedURL, err)
	}

	now := time.Now()
	var out []store.LinkRecord
	for _, item := range feed.Items {
		if max > 0 && len(out) >= max {
			break
		}
		if item.Link == "" {
			continue
		}
		if _, ok := c.known[item.Link]; ok {
			continue
		}
		c.known[item.Link] = struct{}{}
		discovered := now
		if item.PublishedParsed != nil {
			discovered = *item.PublishedParsed
		}
		out = append(out, store.LinkRecord{
			URL:          item.Link,
			Title:        item.Title,
			AuthorPage:   feedURL,
			DiscoveredAt: discovered,
			Status:       store.StatusNew,
		})
	}

	c.log.Info("collected feed",
		slog.String("url", feedURL),
		slog.Int("new_links", len(out)))
	return out, nil
}
