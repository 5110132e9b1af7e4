package fetch

import (
	"compress/zlib"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f := New(Config{
		UserAgent:  "MWOffliner/test (admin@example.com)",
		Timeout:    5 * time.Second,
		Retries:    3,
		BaseScheme: "http",
	}, zap.NewNop())
	t.Cleanup(f.Close)
	return f
}

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "MWOffliner/test (admin@example.com)", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, headers, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(body))
	require.Equal(t, int64(3), hits.Load())
}

func TestFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, int64(3), hits.Load())

	body, _ := f.FetchSoft(context.Background(), srv.URL)
	require.Empty(t, body)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/target", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/target", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t)
	body, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "landed", string(body))
}

func TestFetchDecodesDeflate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		zw := zlib.NewWriter(w)
		_, _ = zw.Write([]byte("compressed payload"))
		_ = zw.Close()
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "compressed payload", string(body))
}

func TestFetchRejectsUnknownEncoding(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("brotli"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchAttachesSessionCookie(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		require.NoError(t, err)
		require.Equal(t, "s3cret", cookie.Value)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	f.SetCookies([]*http.Cookie{{Name: "session", Value: "s3cret"}})
	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
}

func TestCoerceScheme(t *testing.T) {
	t.Parallel()

	f := New(Config{BaseScheme: "https"}, zap.NewNop())
	defer f.Close()

	require.Equal(t, "https://host/x", f.CoerceScheme("//host/x"))
	require.Equal(t, "http://host/x", f.CoerceScheme("http://host/x"))
	require.Equal(t, "https://host/x", f.CoerceScheme("ftp://host/x"))
	require.Equal(t, "relative/path", f.CoerceScheme("relative/path"))
}
