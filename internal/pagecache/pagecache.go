// Package pagecache provides 2-tier caching for fetched article HTML:
// L1 in-memory + L2 Redis. L1 is fast but lost on restart. L2 survives
// restarts, so an interrupted run does not re-download pages.
package pagecache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements L1 (memory) + L2 (Redis) caching of page bodies.
type Cache struct {
	l1         sync.Map      // key → *entry
	rdb        *redis.Client // nil if Redis unavailable
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// New sets up the cache. redisURL can be empty to disable L2.
func New(redisURL string, ttl time.Duration, maxEntries int, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{ttl: ttl, maxEntries: maxEntries, stop: make(chan struct{})}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn("pagecache: invalid redis URL, L2 disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("pagecache: redis unreachable, L2 disabled", slog.Any("error", err))
			} else {
				c.rdb = rdb
				log.Info("pagecache: L2 redis connected", slog.String("addr", opts.Addr))
			}
		}
	}

	log.Info("pagecache: initialized",
		slog.Duration("ttl", ttl),
		slog.Bool("redis", c.rdb != nil),
		slog.Int("max_entries", maxEntries))

	go c.cleanupLoop()
	return c
}

// Close stops the cleanup goroutine and the Redis client.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// key builds a deterministic cache key from the page URL.
func key(pageURL string) string {
	hash := sha256.Sum256([]byte(pageURL))
	return fmt.Sprintf("pg:%x", hash[:12])
}

// Get tries L1, then L2. On L2 hit, populates L1.
func (c *Cache) Get(ctx context.Context, pageURL string) ([]byte, bool) {
	k := key(pageURL)

	if val, ok := c.l1.Load(k); ok {
		e := val.(*entry)
		if time.Now().Before(e.expiresAt) {
			c.hits.Add(1)
			return e.data, true
		}
		c.l1.Delete(k) // expired
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, k).Bytes()
		if err == nil {
			c.hits.Add(1)
			c.l1.Store(k, &entry{data: data, expiresAt: time.Now().Add(c.ttl)})
			return data, true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set stores the page body in both L1 and L2.
func (c *Cache) Set(ctx context.Context, pageURL string, body []byte) {
	k := key(pageURL)

	c.evictIfNeeded()

	c.l1.Store(k, &entry{data: body, expiresAt: time.Now().Add(c.ttl)})

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, k, body, c.ttl).Err(); err != nil {
			slog.Debug("pagecache: L2 set failed", slog.Any("error", err))
		}
	}
}

// Stats returns current hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// evictIfNeeded removes entries when L1 exceeds maxEntries. Expired
// entries go first, then the oldest.
func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}

	count := 0
	c.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count < c.maxEntries {
		return
	}

	now := time.Now()
	c.l1.Range(func(k, val any) bool {
		if e, ok := val.(*entry); ok && now.After(e.expiresAt) {
			c.l1.Delete(k)
			count--
		}
		return count >= c.maxEntries
	})
	if count < c.maxEntries {
		return
	}

	for count >= c.maxEntries {
		var oldestKey any
		oldestAt := time.Now().Add(c.ttl + time.Hour)
		c.l1.Range(func(k, val any) bool {
			if e, ok := val.(*entry); ok && e.expiresAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.expiresAt
			}
			return true
		})
		if oldestKey == nil {
			break
		}
		c.l1.Delete(oldestKey)
		count--
	}
}

// cleanupLoop periodically removes expired L1 entries.
func (c *Cache) cleanupLoop() {
	interval := c.ttl
	if interval <= 0 || interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.l1.Range(func(k, val any) bool {
				if e, ok := val.(*entry); ok && now.After(e.expiresAt) {
					c.l1.Delete(k)
				}
				return true
			})
		}
	}
}
