package scanning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/errors"
)

func TestHTTPFetcherFetch(t *testing.T) {
	t.Run("streams body and reports status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("<html><title>Login</title></html>"))
		}))
		defer srv.Close()

		var body strings.Builder
		info, err := NewHTTPFetcher(FetcherConfig{}).Fetch(context.Background(), srv.URL, func(b []byte) bool {
			body.Write(b)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, info.StatusCode)
		assert.Equal(t, "text/html", info.ContentType)
		assert.Equal(t, "<html><title>Login</title></html>", body.String())
		assert.Equal(t, int64(body.Len()), info.Bytes)
	})

	t.Run("stops when callback declines", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("a", 64<<10)))
		}))
		defer srv.Close()

		calls := 0
		info, err := NewHTTPFetcher(FetcherConfig{}).Fetch(context.Background(), srv.URL, func([]byte) bool {
			calls++
			return false
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.LessOrEqual(t, info.Bytes, int64(readBufferSize))
	})

	t.Run("caps body bytes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("a", 10000)))
		}))
		defer srv.Close()

		info, err := NewHTTPFetcher(FetcherConfig{MaxBodyBytes: 100}).Fetch(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(100), info.Bytes)
	})

	t.Run("redirects follow or stop", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/login", http.StatusFound)
		})
		mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		info, err := NewHTTPFetcher(FetcherConfig{FollowRedirects: true}).Fetch(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, info.StatusCode)
		assert.Equal(t, srv.URL+"/login", info.FinalURL)

		info, err = NewHTTPFetcher(FetcherConfig{FollowRedirects: false}).Fetch(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, info.StatusCode)
	})

	t.Run("connection refused is a network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewHTTPFetcher(FetcherConfig{}).Fetch(context.Background(), url, nil)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeNetwork))
		assert.Equal(t, "NetworkError", errors.Kind(err))
	})

	t.Run("slow server times out", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		_, err := NewHTTPFetcher(FetcherConfig{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), srv.URL, nil)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeTimeout))
		assert.Equal(t, "NetworkError", errors.Kind(err))
	})
}
