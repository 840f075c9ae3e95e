// go_transcripts — earnings-call transcript collector for Seeking Alpha.
//
// Subcommands:
//
//	links    collect article links from a paginated author page or RSS feed
//	articles fetch raw HTML for pending links
//	extract  extract transcript text from fetched HTML
//	run      full collect, fetch, and extract pipeline
//	status   print store statistics
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/go_transcripts/internal/config"
	"github.com/anatolykoptev/go_transcripts/internal/pagecache"
	"github.com/anatolykoptev/go_transcripts/internal/pipeline"
	"github.com/anatolykoptev/go_transcripts/internal/session"
	"github.com/anatolykoptev/go_transcripts/internal/store"
)

var version = "dev"

const siteURL = "https://seekingalpha.com"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]

	slog.Info("starting go_transcripts",
		slog.String("version", version),
		slog.String("command", cmd))

	switch cmd {
	case "links":
		err = cmdLinks(ctx, cfg, args)
	case "articles":
		err = cmdArticles(ctx, cfg, args)
	case "extract":
		err = cmdExtract(ctx, cfg, args)
	case "run":
		err = cmdRun(ctx, cfg, args)
	case "status":
		err = cmdStatus(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: go_transcripts <command> [flags]

commands:
  links     collect article links from the author page or RSS feed
  articles  fetch raw HTML for pending links
  extract   extract transcript text from fetched HTML
  run       full collect, fetch, and extract pipeline
  status    print store statistics`)
}

func cmdLinks(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("links", flag.ExitOnError)
	authorURL := fs.String("author", cfg.AuthorURL, "author page URL")
	feedURL := fs.String("feed", cfg.FeedURL, "RSS feed URL")
	maxLinks := fs.Int("max-links", cfg.MaxLinks, "stop after this many new links (0 = unlimited)")
	maxPages := fs.Int("max-pages", cfg.MaxPages, "stop after this many pages (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *authorURL == "" && *feedURL == "" {
		return fmt.Errorf("links: an author page URL (-author or AUTHOR_URL) or feed URL is required")
	}
	cfg.AuthorURL = *authorURL
	cfg.FeedURL = *feedURL
	cfg.MaxLinks = *maxLinks
	cfg.MaxPages = *maxPages

	p, st, err := newPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	defer p.Close()

	if err := p.RunCollect(ctx); err != nil {
		return err
	}
	p.Summary(ctx)
	return nil
}

func cmdArticles(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("articles", flag.ExitOnError)
	force := fs.Bool("force", false, "re-fetch even when the page cache has a copy")
	batch := fs.Int("batch-size", cfg.BatchSize, "links per batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.BatchSize = *batch

	p, st, err := newPipeline(ctx, cfg, *force)
	if err != nil {
		return err
	}
	defer st.Close()
	defer p.Close()

	if err := p.RunFetch(ctx); err != nil {
		return err
	}
	p.Summary(ctx)
	return nil
}

func cmdExtract(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	batch := fs.Int("batch-size", cfg.BatchSize, "articles per batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.BatchSize = *batch

	p, st, err := newPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	defer p.Close()

	if err := p.RunExtract(ctx); err != nil {
		return err
	}
	p.Summary(ctx)
	return nil
}

func cmdRun(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	force := fs.Bool("force", false, "re-fetch even when the page cache has a copy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.AuthorURL == "" && cfg.FeedURL == "" {
		return fmt.Errorf("run: AUTHOR_URL or FEED_URL is required")
	}

	p, st, err := newPipeline(ctx, cfg, *force)
	if err != nil {
		return err
	}
	defer st.Close()
	defer p.Close()

	return p.RunAll(ctx)
}

func cmdStatus(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("links       %d\n", stats.Links)
	fmt.Printf("fetched     %d\n", stats.Fetched)
	fmt.Printf("extracted   %d\n", stats.Extracted)
	fmt.Printf("failed      %d\n", stats.Failed)
	fmt.Printf("transcripts %d\n", stats.Transcripts)
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return store.OpenSQLite(cfg.DBPath)
}

func newPipeline(ctx context.Context, cfg config.Config, force bool) (*pipeline.Pipeline, store.Store, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var cache *pagecache.Cache
	if cfg.CacheTTL > 0 {
		cache = pagecache.New(cfg.RedisURL, cfg.CacheTTL, 1000, slog.Default())
	}

	open := func() (pipeline.Browser, error) {
		s, err := session.Open(session.Config{
			SiteURL:        siteURL,
			Headless:       cfg.Headless,
			UserAgent:      cfg.UserAgent,
			Proxy:          cfg.ProxyURL,
			CookiePath:     cfg.CookiesFile,
			BaseInterval:   cfg.BaseInterval,
			Timeout:        cfg.FetchTimeout,
			CaptchaTimeout: cfg.CaptchaTimeout,
			MaxAbandoned:   3,
			Delay: session.DelayPolicy{
				Base:          cfg.BaseInterval,
				Max:           cfg.MaxDelay,
				Multiplier:    2.0,
				FailureWeight: 0.3,
				Cooldown:      10 * time.Minute,
			},
		})
		if err != nil {
			return nil, err
		}
		wctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout+cfg.BaseInterval)
		defer cancel()
		loggedIn, err := s.Warmup(wctx)
		if err != nil {
			slog.Warn("session warmup failed", slog.Any("error", err))
		} else if !loggedIn {
			slog.Warn("no premium login detected; paywalled articles will save as teasers")
		}
		return s, nil
	}

	p := pipeline.New(open, st, cache, nil, pipeline.Config{
		AuthorURL:       cfg.AuthorURL,
		FeedURL:         cfg.FeedURL,
		MaxLinks:        cfg.MaxLinks,
		MaxPages:        cfg.MaxPages,
		BatchSize:       cfg.BatchSize,
		FetchWorkers:    cfg.FetchWorkers,
		ExtractWorkers:  cfg.ExtractWorkers,
		SessionRestarts: cfg.SessionRestarts,
		DedupScope:      cfg.DedupScope,
		Force:           force,
		OutputDir:       cfg.OutputDir,
	}, slog.Default())
	return p, st, nil
}
