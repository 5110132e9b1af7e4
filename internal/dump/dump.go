// Package dump sequences a full mirror run: enumeration, article rewriting,
// media download/optimization and the archive build, one phase at a time.
package dump

import (
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/cache"
	"github.com/openzim/mwoffliner/internal/config"
	"github.com/openzim/mwoffliner/internal/fetch"
	"github.com/openzim/mwoffliner/internal/kvstore"
	"github.com/openzim/mwoffliner/internal/media"
	"github.com/openzim/mwoffliner/internal/metrics"
	"github.com/openzim/mwoffliner/internal/mwapi"
	"github.com/openzim/mwoffliner/internal/names"
	"github.com/openzim/mwoffliner/internal/queue"
	"github.com/openzim/mwoffliner/internal/rewrite"
	"github.com/openzim/mwoffliner/internal/titles"
	"github.com/openzim/mwoffliner/internal/zim"
)

// Runner owns the long-lived services of one mirror run.
type Runner struct {
	cfg     config.Config
	logger  *zap.Logger
	kv      kvstore.Store
	dbs     kvstore.Databases
	fetcher *fetch.Fetcher
	api     *mwapi.Client
	store   *cache.Cache
	crawler *titles.Crawler
	exec    media.CommandRunner
	now     time.Time

	site      mwapi.SiteInfo
	mainPage  string
	subtitle  string
	redirects map[string]string
}

// New wires the run's services together: fetcher, API client and KVStore.
// The store is Redis when a socket is configured, in-process otherwise.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runner, error) {
	base, err := url.Parse(cfg.Wiki.URL)
	if err != nil {
		return nil, fmt.Errorf("parse wiki url: %w", err)
	}
	// Unknown-scheme URLs are coerced from the wiki's port: 443 means https,
	// anything else http. An absent port follows the base URL's scheme.
	scheme := "http"
	if port := base.Port(); port == "443" || (port == "" && base.Scheme == "https") {
		scheme = "https"
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:  cfg.UserAgent(),
		Timeout:    time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		BaseScheme: scheme,
	}, logger)

	api, err := mwapi.New(fetcher, cfg.Wiki.URL, cfg.Wiki.APIPath, logger)
	if err != nil {
		return nil, err
	}

	var kv kvstore.Store
	if cfg.Run.RedisSocket != "" {
		kv, err = kvstore.NewRedisStore(ctx, cfg.Run.RedisSocket)
		if err != nil {
			return nil, err
		}
	} else {
		kv = kvstore.NewMemoryStore()
	}

	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "_"
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		kv:      kv,
		dbs:     kvstore.Databases{Prefix: prefix},
		fetcher: fetcher,
		api:     api,
		exec:    media.ExecRunner{},
		now:     time.Now().UTC(),
	}, nil
}

// Run executes the phase sequence. Phases block until the previous one has
// quiesced; any error aborts the run.
func (r *Runner) Run(ctx context.Context) error {
	metrics.Serve(r.cfg.Run.StatusPort, r.logger)
	defer r.teardown(ctx)

	if r.cfg.Wiki.Username != "" {
		if err := r.api.Login(ctx, r.cfg.Wiki.Username, r.cfg.Wiki.Password, r.cfg.Wiki.Domain); err != nil {
			return err
		}
	}

	site, err := r.api.SiteInfo(ctx)
	if err != nil {
		return err
	}
	r.site = site
	r.subtitle = site.SiteName
	r.mainPage = names.Normalize(r.cfg.Zim.MainPage)
	if r.mainPage == "" {
		r.mainPage = names.Normalize(site.MainPage)
	}
	r.logger.Info("site resolved",
		zap.String("name", site.SiteName),
		zap.String("dir", site.TextDir),
		zap.String("main_page", r.mainPage),
	)

	if err := r.createDirectories(); err != nil {
		return err
	}
	if err := r.store.Ref(); err != nil {
		return err
	}

	variants, err := r.cfg.Variants()
	if err != nil {
		return err
	}
	variants = r.checkResume(variants)
	if len(variants) == 0 {
		r.logger.Info("all archives present, nothing to do")
		return nil
	}

	if err := r.getArticleIDs(ctx); err != nil {
		return err
	}
	if err := r.cacheRedirects(ctx); err != nil {
		return err
	}

	for _, variant := range variants {
		if err := r.runVariant(ctx, variant); err != nil {
			return err
		}
	}

	if !r.cfg.Run.SkipCacheCleaning {
		removed, err := r.store.Sweep()
		if err != nil {
			return err
		}
		r.logger.Info("cache swept", zap.Int("removed", removed))
	}
	return nil
}

func (r *Runner) teardown(ctx context.Context) {
	if r.crawler != nil {
		r.crawler.Close()
	}
	if err := r.kv.Del(ctx, r.dbs.All()...); err != nil {
		r.logger.Warn("delete run databases failed", zap.Error(err))
	}
	if err := r.kv.Close(); err != nil {
		r.logger.Warn("close kv store failed", zap.Error(err))
	}
	r.fetcher.Close()
}

func (r *Runner) cacheRadical() string {
	return names.Radical(r.host(), r.cfg.Zim.FilenamePrefix, r.cfg.Run.ArticleList, false, r.now)
}

func (r *Runner) variantRadical(v config.Variant) string {
	return names.Radical(r.host(), r.cfg.Zim.FilenamePrefix, r.cfg.Run.ArticleList, v.NoPic, r.now)
}

func (r *Runner) host() string {
	base := r.api.Base()
	if base == nil {
		return ""
	}
	return base.Hostname()
}

func (r *Runner) createDirectories() error {
	for _, dir := range []string{r.cfg.Dirs.Output, r.cfg.Dirs.Tmp} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	store, err := cache.New(filepath.Join(r.cfg.Dirs.Cache, r.cacheRadical()), r.logger)
	if err != nil {
		return err
	}
	r.store = store
	return nil
}

// checkResume drops variants whose archive already exists.
func (r *Runner) checkResume(variants []config.Variant) []config.Variant {
	if !r.cfg.Run.Resume {
		return variants
	}
	remaining := make([]config.Variant, 0, len(variants))
	for _, v := range variants {
		if v.NoZim {
			remaining = append(remaining, v)
			continue
		}
		path := r.zimPath(v)
		if _, err := os.Stat(path); err == nil {
			r.logger.Info("archive exists, skipping variant",
				zap.String("variant", v.String()),
				zap.String("path", path),
			)
			continue
		}
		remaining = append(remaining, v)
	}
	return remaining
}

func (r *Runner) zimPath(v config.Variant) string {
	return filepath.Join(r.cfg.Dirs.Output, r.variantRadical(v)+".zim")
}

func (r *Runner) getArticleIDs(ctx context.Context) error {
	r.crawler = titles.New(r.api, r.kv, r.dbs, r.cfg.Speed(), r.logger)
	r.crawler.Start(ctx)

	if r.cfg.Run.ArticleList != "" {
		if err := r.crawler.EnumerateFromFile(ctx, r.cfg.Run.ArticleList); err != nil {
			return err
		}
	} else {
		if err := r.crawler.EnumerateNamespaces(ctx, r.site); err != nil {
			return err
		}
	}
	if err := r.crawler.EnsureMainPage(ctx, r.mainPage); err != nil {
		return err
	}
	if err := r.crawler.DrainRedirects(ctx); err != nil {
		return err
	}
	r.logger.Info("enumeration finished", zap.Int("articles", len(r.crawler.Articles())))
	return nil
}

// cacheRedirects loads the redirect table into memory. A source that was
// also enumerated as an article keeps its article and loses the redirect.
func (r *Runner) cacheRedirects(ctx context.Context) error {
	sources, err := r.kv.HKeys(ctx, r.dbs.Redirects())
	if err != nil {
		return err
	}
	redirects := make(map[string]string, len(sources))
	for _, src := range sources {
		if r.crawler.Has(src) {
			if err := r.kv.HDel(ctx, r.dbs.Redirects(), src); err != nil {
				return err
			}
			continue
		}
		dst, err := r.kv.HGet(ctx, r.dbs.Redirects(), src)
		if err != nil {
			return err
		}
		redirects[src] = dst
	}
	r.redirects = redirects
	metrics.ObserveRedirects(len(redirects))
	r.logger.Info("redirects cached", zap.Int("count", len(redirects)))
	return nil
}

func (r *Runner) runVariant(ctx context.Context, variant config.Variant) error {
	radical := r.variantRadical(variant)
	htmlRoot := filepath.Join(r.cfg.Dirs.Tmp, radical)
	r.logger.Info("starting dump variant",
		zap.String("variant", variant.String()),
		zap.String("root", htmlRoot),
	)

	for _, sub := range []string{"s", "j", "m"} {
		if err := os.MkdirAll(filepath.Join(htmlRoot, sub), 0o750); err != nil {
			return fmt.Errorf("create dump directories: %w", err)
		}
	}

	optimizer := media.NewOptimizer(ctx, runtime.NumCPU()*2, r.exec, r.logger)
	downloader := media.NewDownloader(
		ctx, r.kv, r.dbs, r.store, r.fetcher,
		filepath.Join(htmlRoot, "m"),
		r.cfg.Speed()*5,
		optimizer,
		r.logger,
	)
	defer downloader.Close()
	defer optimizer.Close()

	if err := r.saveFavicon(ctx, htmlRoot); err != nil {
		return err
	}

	mainPage := ""
	if r.cfg.Zim.MainPage != "" {
		mainPage = r.mainPage
	}
	if err := zim.WriteMainPage(htmlRoot, mainPage, r.crawler.SortedTitles()); err != nil {
		return err
	}

	if r.cfg.Zim.WriteHTMLRedirects {
		if err := zim.WriteHTMLRedirects(htmlRoot, r.redirects); err != nil {
			return err
		}
	}

	if err := r.saveArticles(ctx, variant, htmlRoot, downloader); err != nil {
		return err
	}
	if err := downloader.Drain(ctx); err != nil {
		return err
	}
	if err := optimizer.Drain(ctx); err != nil {
		return err
	}

	if !variant.NoZim {
		if err := r.buildZim(ctx, variant, htmlRoot, radical); err != nil {
			return err
		}
	}

	if !r.cfg.Run.KeepHTML && !variant.NoZim {
		if err := os.RemoveAll(htmlRoot); err != nil {
			r.logger.Warn("remove dump tree failed", zap.Error(err))
		}
	}
	r.logger.Info("dump variant finished", zap.String("variant", variant.String()))
	return nil
}

func (r *Runner) saveFavicon(ctx context.Context, htmlRoot string) error {
	var raw []byte
	if r.cfg.Zim.Favicon != "" {
		data, err := os.ReadFile(r.cfg.Zim.Favicon)
		if err != nil {
			return fmt.Errorf("read custom favicon: %w", err)
		}
		raw = data
	} else if r.site.Logo != "" {
		raw, _ = r.fetcher.FetchSoft(ctx, r.site.Logo)
	}
	if len(raw) == 0 {
		r.logger.Warn("no favicon source available")
		return nil
	}
	return zim.SaveFavicon(ctx, r.exec, raw, htmlRoot)
}

func (r *Runner) saveArticles(
	ctx context.Context,
	variant config.Variant,
	htmlRoot string,
	downloader *media.Downloader,
) error {
	articleQ := queue.New(ctx, "articles", r.cfg.Speed(), r.logger, func(ctx context.Context, title string) {
		r.processArticle(ctx, title, variant, htmlRoot, downloader)
	})
	defer articleQ.Close()

	for _, title := range r.crawler.SortedTitles() {
		articleQ.Push(title)
	}
	return articleQ.Drain(ctx)
}

func (r *Runner) processArticle(
	ctx context.Context,
	title string,
	variant config.Variant,
	htmlRoot string,
	downloader *media.Downloader,
) {
	sectionsURL := r.api.MobileSectionsURL(title)
	key := cache.Key(sectionsURL)

	var body []byte
	if !r.cfg.Run.SkipHTMLCache {
		if cached, _, ok := r.store.GetPage(key); ok {
			body = cached
		}
	}
	if body == nil {
		fetched, headers := r.fetcher.FetchSoft(ctx, sectionsURL)
		if len(fetched) == 0 {
			r.logger.Error("article fetch failed, dropping title", zap.String("title", title))
			r.crawler.Drop(title)
			metrics.ObserveArticle("fetch_failed")
			return
		}
		body = fetched
		if !r.cfg.Run.SkipHTMLCache {
			if err := r.store.PutPage(key, body, headers); err != nil {
				r.logger.Warn("cache article failed", zap.String("title", title), zap.Error(err))
			}
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		r.logger.Error("article decode failed, dropping title", zap.String("title", title), zap.Error(err))
		r.crawler.Drop(title)
		metrics.ObserveArticle("decode_failed")
		return
	}
	if _, ok := doc["lead"].(map[string]any); !ok {
		r.logger.Error("article has no lead, dropping title", zap.String("title", title))
		r.crawler.Drop(title)
		metrics.ObserveArticle("no_lead")
		return
	}

	result, err := rewrite.Article(doc, rewrite.Options{
		NoPic:               variant.NoPic,
		KeepEmptyParagraphs: r.cfg.Run.KeepEmptyParagraphs,
		MinifyHTML:          r.cfg.Run.MinifyHTML,
		Base:                r.api.Base(),
		WikiPath:            "/" + strings.Trim(r.cfg.Wiki.WikiPath, "/") + "/",
		IsMirrored:          r.crawler.IsMirrored,
		MediaBase: func(abs string) (string, bool) {
			base, _, ok := names.MediaParts(abs)
			return base, ok
		},
	})
	if err != nil {
		r.logger.Error("article rewrite failed", zap.String("title", title), zap.Error(err))
		metrics.ObserveArticle("rewrite_failed")
		return
	}
	for _, mediaURL := range result.MediaURLs {
		downloader.Enqueue(mediaURL)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error("article encode failed", zap.String("title", title), zap.Error(err))
		metrics.ObserveArticle("encode_failed")
		return
	}
	path := filepath.Join(htmlRoot, names.ArticleFilename(title))
	if err := r.writeArticle(path, out); err != nil {
		r.logger.Error("article write failed", zap.String("title", title), zap.Error(err))
		metrics.ObserveArticle("write_failed")
		return
	}
	metrics.ObserveArticle("ok")
}

func (r *Runner) writeArticle(path string, data []byte) error {
	if !r.cfg.Run.DeflateTmpHTML {
		return os.WriteFile(path, data, 0o600)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	w := zlib.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func (r *Runner) buildZim(ctx context.Context, variant config.Variant, htmlRoot, radical string) error {
	redirectIndex := ""
	if !r.cfg.Zim.WriteHTMLRedirects && len(r.redirects) > 0 {
		redirectIndex = filepath.Join(r.cfg.Dirs.Tmp, radical+"_redirects.idx")
		if err := zim.WriteRedirectIndex(redirectIndex, r.redirects); err != nil {
			return err
		}
	}

	title := r.cfg.Zim.Title
	if title == "" {
		title = r.site.SiteName
	}
	description := r.cfg.Zim.Description
	if description == "" {
		description = r.subtitle
	}
	welcome := ""
	if r.cfg.Zim.MainPage != "" {
		welcome = names.ArticleFilename(r.mainPage)
	}

	return zim.Build(ctx, r.exec, zim.BuildOptions{
		HTMLRoot:      htmlRoot,
		OutPath:       r.zimPath(variant),
		RedirectIndex: redirectIndex,
		Welcome:       welcome,
		Language:      r.site.Lang,
		Title:         title,
		Description:   description,
		Creator:       names.Creator(r.host()),
		Publisher:     r.cfg.Zim.Publisher,
		FullTextIndex: r.cfg.Zim.FullTextIndex,
	}, r.logger)
}
