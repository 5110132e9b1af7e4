// Package fetch implements the bounded-retry HTTP downloader used for every
// byte the run pulls from the network, built on the Colly collector.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/metrics"
)

// Config controls fetcher behavior.
type Config struct {
	UserAgent string
	// Timeout is the base request timeout; attempt N runs with Timeout × N.
	Timeout time.Duration
	Retries int
	// BaseScheme is the wiki's scheme, used to coerce unknown-scheme URLs.
	BaseScheme string
}

// Fetcher downloads URLs with retry, timeout escalation and decoded bodies.
// A persistent session cookie set by the login handshake is attached to every
// request.
type Fetcher struct {
	cfg       Config
	base      *colly.Collector
	transport *http.Transport
	logger    *zap.Logger

	mu      sync.RWMutex
	cookies []*http.Cookie
}

// New builds a Fetcher with a pooled keep-alive transport.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseScheme == "" {
		cfg.BaseScheme = "http"
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{
		cfg:       cfg,
		base:      c,
		transport: transport,
		logger:    logger,
	}
}

// SetCookies replaces the session cookies attached to subsequent requests.
func (f *Fetcher) SetCookies(cookies []*http.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append([]*http.Cookie(nil), cookies...)
}

func (f *Fetcher) cookieHeader() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	parts := make([]string, 0, len(f.cookies))
	for _, c := range f.cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Fetch downloads a URL, retrying up to the configured bound with escalating
// timeouts. Socket errors back off 10 × attempt seconds; other transient
// failures (including non-200 statuses) retry immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, http.Header, error) {
	url := f.CoerceScheme(rawURL)
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		body, headers, _, err := f.attempt(ctx, url, attempt, nil)
		if err == nil {
			return body, headers, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		var netErr net.Error
		if errors.As(err, &netErr) && attempt < f.cfg.Retries {
			sleepCtx(ctx, time.Duration(10*attempt)*time.Second)
		}
	}
	return nil, nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

// FetchSoft is Fetch with the exhaustion policy of the crawl pipeline: the
// error is logged and the caller proceeds with an empty body.
func (f *Fetcher) FetchSoft(ctx context.Context, rawURL string) ([]byte, http.Header) {
	body, headers, err := f.Fetch(ctx, rawURL)
	if err != nil {
		f.logger.Error("fetch failed after retries", zap.String("url", rawURL), zap.Error(err))
		return nil, nil
	}
	return body, headers
}

// Post submits a form and returns the decoded body plus any Set-Cookie
// cookies, as needed by the login handshake.
func (f *Fetcher) Post(ctx context.Context, rawURL string, form map[string]string) ([]byte, http.Header, []*http.Cookie, error) {
	url := f.CoerceScheme(rawURL)
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		body, headers, cookies, err := f.attempt(ctx, url, attempt, form)
		if err == nil {
			return body, headers, cookies, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, nil, fmt.Errorf("post %s: %w", url, ctx.Err())
		}
	}
	return nil, nil, nil, fmt.Errorf("post %s: %w", url, lastErr)
}

func (f *Fetcher) attempt(
	ctx context.Context,
	url string,
	attempt int,
	form map[string]string,
) (body []byte, headers http.Header, cookies []*http.Cookie, err error) {
	collector := f.base.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout * time.Duration(attempt))
	collector.WithTransport(f.transport)

	var fetchErr error
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Encoding", "gzip, deflate")
		if cookie := f.cookieHeader(); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		metrics.ObserveHTTPRequest(r.StatusCode)
		headers = r.Headers.Clone()
		body = append([]byte(nil), r.Body...)
		cookies = (&http.Response{Header: headers}).Cookies()
	})
	collector.OnError(func(r *colly.Response, cerr error) {
		if r != nil && r.StatusCode != 0 {
			metrics.ObserveHTTPRequest(r.StatusCode)
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, cerr)
			return
		}
		fetchErr = cerr
	})

	done := make(chan error, 1)
	go func() {
		if form != nil {
			done <- collector.Post(url, form)
		} else {
			done <- collector.Visit(url)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, nil, fmt.Errorf("request canceled: %w", ctx.Err())
	case visitErr := <-done:
		if visitErr != nil {
			return nil, nil, nil, visitErr
		}
		if fetchErr != nil {
			return nil, nil, nil, fetchErr
		}
	}

	decoded, decErr := decodeBody(body, headers.Get("Content-Encoding"))
	if decErr != nil {
		return nil, nil, nil, decErr
	}
	return decoded, headers, cookies, nil
}

// CoerceScheme resolves protocol-relative and unknown-scheme URLs against the
// wiki's own scheme.
func (f *Fetcher) CoerceScheme(rawURL string) string {
	if strings.HasPrefix(rawURL, "//") {
		return f.cfg.BaseScheme + ":" + rawURL
	}
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return rawURL
	}
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		return f.cfg.BaseScheme + rawURL[idx:]
	}
	return rawURL
}

// decodeBody undoes the transfer encoding. Colly already inflates gzip
// bodies, so a gzip header mismatch means the payload arrived decoded.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch {
	case encoding == "" || encoding == "identity":
		return body, nil
	case strings.Contains(encoding, "gzip"):
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body, nil
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gunzip body: %w", err)
		}
		return decoded, nil
	case strings.Contains(encoding, "deflate"):
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer r.Close()
			decoded, err := io.ReadAll(r)
			if err == nil {
				return decoded, nil
			}
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inflate body: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// Close tears down the pooled connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
