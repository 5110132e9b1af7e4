// Package cache implements the content-addressed disk cache shared between
// runs. Entries are keyed by SHA-1 of the fetched URL, truncated to 20 hex
// characters; each body file has a .h sidecar holding the response headers.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WidthHeader is the sidecar key recording a media entry's pixel width.
const WidthHeader = "width"

const sentinelName = "ref"

// Cache is the on-disk store rooted at {cacheRoot}/{runFilenameRadical}.
type Cache struct {
	root   string
	logger *zap.Logger
}

// New bootstraps the cache tree, including the m/ subdirectory for media.
func New(root string, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "m"), 0o750); err != nil {
		return nil, fmt.Errorf("create cache directories: %w", err)
	}
	return &Cache{root: root, logger: logger}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Key hashes a URL into the cache's file name form.
func Key(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:20]
}

// Ref writes the staleness sentinel at run start. Every entry older than the
// sentinel at sweep time is considered unused by this run.
func (c *Cache) Ref() error {
	if err := os.WriteFile(c.sentinelPath(), []byte{}, 0o600); err != nil {
		return fmt.Errorf("write cache sentinel: %w", err)
	}
	return nil
}

func (c *Cache) sentinelPath() string { return filepath.Join(c.root, sentinelName) }

// PagePath returns the body path for a page entry.
func (c *Cache) PagePath(key string) string { return filepath.Join(c.root, key) }

// MediaPath returns the body path for a media entry.
func (c *Cache) MediaPath(key string) string { return filepath.Join(c.root, "m", key) }

// PutPage stores a page body plus its response headers.
func (c *Cache) PutPage(key string, body []byte, headers http.Header) error {
	return c.put(c.PagePath(key), body, flattenHeaders(headers))
}

// GetPage retrieves a cached page body and its headers. The entry's mtimes
// are refreshed so the staleness sweep keeps it.
func (c *Cache) GetPage(key string) ([]byte, map[string]string, bool) {
	return c.get(c.PagePath(key))
}

// PutMedia stores a media body; the sidecar additionally records the width.
func (c *Cache) PutMedia(key string, body []byte, headers http.Header, width int) error {
	flat := flattenHeaders(headers)
	flat[WidthHeader] = strconv.Itoa(width)
	return c.put(c.MediaPath(key), body, flat)
}

// MediaWidth reads the recorded width of a cached media entry. Returns false
// when the entry or its sidecar is missing.
func (c *Cache) MediaWidth(key string) (int, bool) {
	headers, ok := c.getHeaders(c.MediaPath(key))
	if !ok {
		return 0, false
	}
	width, err := strconv.Atoi(headers[WidthHeader])
	if err != nil {
		return 0, false
	}
	return width, true
}

func (c *Cache) put(path string, body []byte, headers map[string]string) error {
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal cache headers: %w", err)
	}
	if err := os.WriteFile(path+".h", raw, 0o600); err != nil {
		return fmt.Errorf("write cache headers: %w", err)
	}
	return nil
}

func (c *Cache) get(path string) ([]byte, map[string]string, bool) {
	headers, ok := c.getHeaders(path)
	if !ok {
		return nil, nil, false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false
	}
	c.Touch(path)
	c.Touch(path + ".h")
	return body, headers, true
}

// getHeaders parses the sidecar; a body without a readable sidecar is a miss.
func (c *Cache) getHeaders(path string) (map[string]string, bool) {
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	raw, err := os.ReadFile(path + ".h")
	if err != nil {
		return nil, false
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, false
	}
	return headers, true
}

// Touch refreshes an entry's mtime so the sweep treats it as used.
func (c *Cache) Touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil && c.logger != nil {
		c.logger.Debug("touch cache entry failed", zap.String("path", path), zap.Error(err))
	}
}

// Link points dst at a cached media body, preferring a symlink and falling
// back to a copy where symlinks are unsupported. The cache entry's mtime is
// refreshed.
func (c *Cache) Link(key, dst string) error {
	src := c.MediaPath(key)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("cache entry missing for link: %w", err)
	}
	c.Touch(src)
	c.Touch(src + ".h")
	_ = os.Remove(dst)
	if err := os.Symlink(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open cache body: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy cache body: %w", err)
	}
	return nil
}

// Sweep deletes every cache file whose mtime predates the run sentinel.
// Entries touched during the run survive.
func (c *Cache) Sweep() (int, error) {
	ref, err := os.Stat(c.sentinelPath())
	if err != nil {
		return 0, fmt.Errorf("stat cache sentinel: %w", err)
	}
	cutoff := ref.ModTime()
	removed := 0
	err = filepath.Walk(c.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || path == c.sentinelPath() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				return rmErr
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep cache: %w", err)
	}
	return removed, nil
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for k, vals := range headers {
		if len(vals) > 0 {
			flat[k] = vals[0]
		}
	}
	return flat
}
