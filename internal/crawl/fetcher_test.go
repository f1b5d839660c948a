package crawl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://example.com", false},
		{"http", "http://example.com/page?q=1", false},
		{"leading whitespace trimmed", "  https://example.com  ", false},
		{"missing scheme", "example.com", true},
		{"ftp scheme", "ftp://example.com", true},
		{"missing host", "https://", true},
		{"empty", "", true},
		{"garbage", "ht tp://bad url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Contains(t, r.Header.Get("User-Agent"), "SiteScoreBot")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><head><title>hi</title></head></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, page.URL)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Body, "<title>hi</title>")
	assert.Equal(t, "text/html; charset=utf-8", page.ContentType)
	assert.False(t, page.FetchedAt.IsZero())
	assert.Greater(t, page.LoadTime, time.Duration(0))
}

func TestFetch_NonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestFetch_FollowsRedirects(t *testing.T) {
	var final string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	final = srv.URL + "/end"

	f := NewHTTPFetcher()
	page, err := f.Fetch(context.Background(), srv.URL+"/start")
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/start", page.URL)
	assert.Equal(t, final, page.FinalURL)
	assert.Equal(t, "landed", page.Body)
}

func TestFetch_InvalidURL(t *testing.T) {
	f := NewHTTPFetcher()
	_, err := f.Fetch(context.Background(), "not-a-url")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestFetch_Unreachable(t *testing.T) {
	f := NewHTTPFetcher(WithTimeout(2 * time.Second))
	// Reserved TEST-NET-1 address, nothing listens there.
	_, err := f.Fetch(context.Background(), "http://192.0.2.1:9/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout))
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithTimeout(50 * time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFetch_BodySizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithMaxBodySize(1024))
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetch_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher()
	_, err := f.Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, ErrTimeout)
}
