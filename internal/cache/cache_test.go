package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestKeyIsStableTruncatedSHA1(t *testing.T) {
	t.Parallel()

	url := "https://en.wikipedia.org/api/rest_v1/page/mobile-sections/Paris"
	sum := sha1.Sum([]byte(url))
	require.Equal(t, hex.EncodeToString(sum[:])[:20], Key(url))
	require.Len(t, Key(url), 20)
	require.Equal(t, Key(url), Key(url))
}

func TestPagePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	headers := http.Header{"Content-Type": []string{"application/json"}}
	key := Key("https://example.org/page")

	require.NoError(t, c.PutPage(key, []byte(`{"lead":{}}`), headers))

	body, got, ok := c.GetPage(key)
	require.True(t, ok)
	require.Equal(t, []byte(`{"lead":{}}`), body)
	require.Equal(t, "application/json", got["Content-Type"])
}

func TestMissingSidecarInvalidatesBody(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := Key("https://example.org/orphan")
	require.NoError(t, os.WriteFile(c.PagePath(key), []byte("body"), 0o600))

	_, _, ok := c.GetPage(key)
	require.False(t, ok)
}

func TestMediaWidthRecorded(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := Key("https://example.org/m/Photo.jpg")
	require.NoError(t, c.PutMedia(key, []byte("jpegbytes"), http.Header{}, 300))

	width, ok := c.MediaWidth(key)
	require.True(t, ok)
	require.Equal(t, 300, width)

	_, ok = c.MediaWidth(Key("https://example.org/other"))
	require.False(t, ok)
}

func TestLinkIntoMediaDir(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := Key("https://example.org/m/Photo.jpg")
	require.NoError(t, c.PutMedia(key, []byte("jpegbytes"), http.Header{}, 300))

	dst := filepath.Join(t.TempDir(), "Photo.jpg")
	require.NoError(t, c.Link(key, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("jpegbytes"), data)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	staleKey := Key("https://example.org/stale")
	require.NoError(t, c.PutPage(staleKey, []byte("old"), http.Header{}))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.PagePath(staleKey), old, old))
	require.NoError(t, os.Chtimes(c.PagePath(staleKey)+".h", old, old))

	require.NoError(t, c.Ref())

	freshKey := Key("https://example.org/fresh")
	require.NoError(t, c.PutPage(freshKey, []byte("new"), http.Header{}))

	removed, err := c.Sweep()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, _, ok := c.GetPage(staleKey)
	require.False(t, ok)
	_, _, ok = c.GetPage(freshKey)
	require.True(t, ok)
}

func TestGetRefreshesMtime(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := Key("https://example.org/warm")
	require.NoError(t, c.PutPage(key, []byte("warm"), http.Header{}))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.PagePath(key), old, old))
	require.NoError(t, os.Chtimes(c.PagePath(key)+".h", old, old))

	require.NoError(t, c.Ref())

	_, _, ok := c.GetPage(key)
	require.True(t, ok)

	removed, err := c.Sweep()
	require.NoError(t, err)
	require.Zero(t, removed)
}
