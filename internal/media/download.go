// Package media implements the deduplicating media download queue and the
// external-tool optimization queue behind it.
package media

import (
	"context"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/cache"
	"github.com/openzim/mwoffliner/internal/fetch"
	"github.com/openzim/mwoffliner/internal/kvstore"
	"github.com/openzim/mwoffliner/internal/metrics"
	"github.com/openzim/mwoffliner/internal/names"
	"github.com/openzim/mwoffliner/internal/queue"
)

const lockStripes = 64

// Downloader consumes media URLs: a request is skipped when a width at least
// as large was already recorded for its filenameBase this run (a larger
// width arriving later is fetched again), cached entries are symlinked into
// the media tree, and fresh downloads feed the optimizer.
type Downloader struct {
	kv       kvstore.Store
	dbs      kvstore.Databases
	store    *cache.Cache
	fetcher  *fetch.Fetcher
	mediaDir string
	logger   *zap.Logger
	opt      *Optimizer

	q     *queue.Queue[string]
	locks [lockStripes]sync.Mutex
}

// NewDownloader starts the download queue at the given width (speed × 5).
func NewDownloader(
	ctx context.Context,
	kv kvstore.Store,
	dbs kvstore.Databases,
	store *cache.Cache,
	fetcher *fetch.Fetcher,
	mediaDir string,
	width int,
	opt *Optimizer,
	logger *zap.Logger,
) *Downloader {
	d := &Downloader{
		kv:       kv,
		dbs:      dbs,
		store:    store,
		fetcher:  fetcher,
		mediaDir: mediaDir,
		logger:   logger,
		opt:      opt,
	}
	d.q = queue.New(ctx, "media-download", width, logger, d.handle)
	return d
}

// SetMediaDir repoints the output directory, used when dump variants write
// to separate trees.
func (d *Downloader) SetMediaDir(dir string) {
	d.mediaDir = dir
}

// Enqueue schedules one media URL for download.
func (d *Downloader) Enqueue(url string) {
	d.q.Push(url)
	metrics.SetQueueBacklog("media-download", d.q.Len())
}

// Drain blocks until the queue quiesces.
func (d *Downloader) Drain(ctx context.Context) error {
	return d.q.Drain(ctx)
}

// Close stops the workers.
func (d *Downloader) Close() {
	d.q.Close()
}

func (d *Downloader) stripe(base string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(base))
	return &d.locks[h.Sum32()%lockStripes]
}

func (d *Downloader) handle(ctx context.Context, rawURL string) {
	base, width, ok := names.MediaParts(rawURL)
	if !ok {
		d.logger.Warn("unparsable media url", zap.String("url", rawURL))
		metrics.ObserveMedia("failed", 0)
		return
	}

	// Width check-and-set is serialized per filenameBase; the new width is
	// recorded before the download starts so a concurrent smaller request
	// skips instead of double-fetching.
	lock := d.stripe(base)
	lock.Lock()
	stored, err := d.kv.HGet(ctx, d.dbs.Media(), base)
	if err != nil {
		lock.Unlock()
		d.logger.Fatal("media store read failed", zap.Error(err))
	}
	dst := filepath.Join(d.mediaDir, base)
	key := cache.Key(names.StripWidth(rawURL))
	if stored != "" {
		if storedWidth, convErr := strconv.Atoi(stored); convErr == nil && storedWidth >= width {
			lock.Unlock()
			// A later dump variant still needs the file in its own tree.
			if _, statErr := os.Lstat(dst); statErr != nil {
				if _, hit := d.store.MediaWidth(key); hit {
					if linkErr := d.store.Link(key, dst); linkErr != nil {
						d.logger.Error("link deduped media failed", zap.String("url", rawURL), zap.Error(linkErr))
					}
				}
			}
			metrics.ObserveMedia("dedup_skip", 0)
			return
		}
	}
	if err := d.kv.HSet(ctx, d.dbs.Media(), base, strconv.Itoa(width)); err != nil {
		lock.Unlock()
		d.logger.Fatal("media store write failed", zap.Error(err))
	}
	lock.Unlock()

	if cachedWidth, hit := d.store.MediaWidth(key); hit && cachedWidth >= width {
		if err := d.store.Link(key, dst); err != nil {
			d.logger.Error("link cached media failed", zap.String("url", rawURL), zap.Error(err))
			return
		}
		if cachedWidth > width {
			err = d.kv.HSet(ctx, d.dbs.CachedMedia(), base, strconv.Itoa(width))
		} else {
			err = d.kv.HDel(ctx, d.dbs.CachedMedia(), base)
		}
		if err != nil {
			d.logger.Fatal("cached-media bookkeeping failed", zap.Error(err))
		}
		metrics.ObserveMedia("cache_hit", 0)
		return
	}

	body, headers := d.fetcher.FetchSoft(ctx, rawURL)
	if len(body) == 0 {
		metrics.ObserveMedia("failed", 0)
		return
	}
	if headers == nil {
		headers = http.Header{}
	}
	if err := d.store.PutMedia(key, body, headers, width); err != nil {
		d.logger.Error("cache media failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	if err := d.store.Link(key, dst); err != nil {
		d.logger.Error("link media failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	metrics.ObserveMedia("fetched", len(body))
	if d.opt != nil {
		d.opt.Enqueue(dst)
	}
}
