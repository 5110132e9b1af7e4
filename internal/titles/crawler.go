// Package titles enumerates article titles and discovers their inbound
// redirects, populating the run's KVStore and the in-memory article-id map.
package titles

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openzim/mwoffliner/internal/kvstore"
	"github.com/openzim/mwoffliner/internal/mwapi"
	"github.com/openzim/mwoffliner/internal/names"
	"github.com/openzim/mwoffliner/internal/queue"
)

// redirectBacklogLimit is the pending-lookup count above which the title
// scheduler backs off proportionally.
const redirectBacklogLimit = 30000

// Details is the per-article metadata persisted in the details database.
type Details struct {
	Timestamp int64  `json:"t"`
	Geo       string `json:"g,omitempty"`
}

// Crawler drives title enumeration and redirect discovery.
type Crawler struct {
	api    *mwapi.Client
	kv     kvstore.Store
	dbs    kvstore.Databases
	logger *zap.Logger
	speed  int

	mu          sync.Mutex
	articles    map[string]int64
	contentNS   map[string]bool
	byNamespace bool

	redirectQ *queue.Queue[string]
}

// New constructs a Crawler. Start must be called before enumeration.
func New(api *mwapi.Client, kv kvstore.Store, dbs kvstore.Databases, speed int, logger *zap.Logger) *Crawler {
	return &Crawler{
		api:       api,
		kv:        kv,
		dbs:       dbs,
		logger:    logger,
		speed:     speed,
		articles:  make(map[string]int64),
		contentNS: make(map[string]bool),
	}
}

// Start spins up the redirect lookup queue at width speed × 3.
func (c *Crawler) Start(ctx context.Context) {
	c.redirectQ = queue.New(ctx, "redirects", c.speed*3, c.logger, c.lookupRedirects)
}

// EnumerateFromFile reads a titles file (UTF-8, one per line) and resolves
// each to a revision, recording redirect resolutions along the way.
func (c *Crawler) EnumerateFromFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open article list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		title := names.Normalize(scanner.Text())
		if title == "" {
			continue
		}
		pages, redirects, err := c.api.TitleInfo(ctx, title)
		if err != nil {
			c.logger.Error("title lookup failed", zap.String("title", title), zap.Error(err))
			continue
		}
		for _, r := range redirects {
			if err := c.kv.HSet(ctx, c.dbs.Redirects(), names.Normalize(r.From), names.Normalize(r.To)); err != nil {
				return err
			}
		}
		for _, p := range pages {
			if err := c.record(ctx, p); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read article list: %w", err)
	}
	return nil
}

// EnumerateNamespaces walks every content namespace with the allpages
// generator, following continuation tokens until each namespace is
// exhausted.
func (c *Crawler) EnumerateNamespaces(ctx context.Context, site mwapi.SiteInfo) error {
	c.mu.Lock()
	c.byNamespace = true
	for _, ns := range site.Namespaces {
		if ns.Content && ns.Name != "" {
			c.contentNS[names.Normalize(ns.Name)] = true
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.speed)
	for _, ns := range site.Namespaces {
		if !ns.Content {
			continue
		}
		namespace := ns.ID
		g.Go(func() error {
			cont := ""
			for {
				pages, next, err := c.api.AllPages(gctx, namespace, cont)
				if err != nil {
					return err
				}
				for _, p := range pages {
					if err := c.record(gctx, p); err != nil {
						return err
					}
				}
				if next == "" {
					return nil
				}
				cont = next
			}
		})
	}
	return g.Wait()
}

// EnsureMainPage fetches the main page explicitly when enumeration did not
// discover it.
func (c *Crawler) EnsureMainPage(ctx context.Context, title string) error {
	title = names.Normalize(title)
	if c.Has(title) {
		return nil
	}
	pages, _, err := c.api.TitleInfo(ctx, title)
	if err != nil {
		return fmt.Errorf("main page %q: %w", title, err)
	}
	for _, p := range pages {
		if err := c.record(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// record persists a discovered title's details and schedules its redirect
// lookup. Missing titles and titles without a revision are dropped.
func (c *Crawler) record(ctx context.Context, p mwapi.PageInfo) error {
	title := names.Normalize(p.Title)
	if title == "" || p.Missing || p.Revision == 0 {
		c.logger.Info("dropping title", zap.String("title", p.Title), zap.Bool("missing", p.Missing))
		return nil
	}
	raw, err := json.Marshal(Details{Timestamp: p.Timestamp, Geo: p.Coords})
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	if err := c.kv.HSet(ctx, c.dbs.Details(), title, string(raw)); err != nil {
		return err
	}
	c.mu.Lock()
	c.articles[title] = p.Revision
	c.mu.Unlock()
	c.scheduleRedirectLookup(title)
	return nil
}

// scheduleRedirectLookup applies the backlog throttle before enqueuing: the
// scheduler sleeps one millisecond per pending item above the limit.
func (c *Crawler) scheduleRedirectLookup(title string) {
	if backlog := c.redirectQ.Len(); backlog > redirectBacklogLimit {
		time.Sleep(time.Duration(backlog-redirectBacklogLimit) * time.Millisecond)
	}
	c.redirectQ.Push(title)
}

func (c *Crawler) lookupRedirects(ctx context.Context, title string) {
	sources, err := c.api.Backlinks(ctx, title)
	if err != nil {
		c.logger.Error("redirect lookup failed", zap.String("title", title), zap.Error(err))
		return
	}
	if len(sources) == 0 {
		return
	}
	fields := make(map[string]string, len(sources))
	for _, src := range sources {
		fields[names.Normalize(src)] = title
	}
	if err := c.kv.HMSet(ctx, c.dbs.Redirects(), fields); err != nil {
		c.logger.Fatal("redirect store write failed", zap.Error(err))
	}
}

// DrainRedirects blocks until all pending redirect lookups have completed.
func (c *Crawler) DrainRedirects(ctx context.Context) error {
	return c.redirectQ.Drain(ctx)
}

// Close stops the redirect workers.
func (c *Crawler) Close() {
	if c.redirectQ != nil {
		c.redirectQ.Close()
	}
}

// Articles returns the title → revision map, sorted-key iteration left to
// the caller.
func (c *Crawler) Articles() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.articles))
	for k, v := range c.articles {
		out[k] = v
	}
	return out
}

// SortedTitles returns the article titles in deterministic order.
func (c *Crawler) SortedTitles() []string {
	c.mu.Lock()
	titles := make([]string, 0, len(c.articles))
	for t := range c.articles {
		titles = append(titles, t)
	}
	c.mu.Unlock()
	sort.Strings(titles)
	return titles
}

// Has reports whether a title is in the article-id map.
func (c *Crawler) Has(title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.articles[title]
	return ok
}

// Drop removes a title from the article-id map, used when the article API
// yields no content for it.
func (c *Crawler) Drop(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.articles, title)
}

// IsMirrored reports whether a title will be part of the archive: it is in
// the article-id map, or (when crawling by namespace) its prefix names a
// content namespace.
func (c *Crawler) IsMirrored(title string) bool {
	title = names.Normalize(title)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.articles[title]; ok {
		return true
	}
	if !c.byNamespace {
		return false
	}
	if idx := strings.Index(title, ":"); idx > 0 {
		return c.contentNS[title[:idx]]
	}
	return false
}
