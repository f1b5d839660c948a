// Package crawl fetches pages over HTTP and turns them into snapshots the
// analysis stage can consume.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rankready/sitescore/pkg/models"
)

// Sentinel errors for fetch failures.
var (
	ErrUnreachable = errors.New("site unreachable")
	ErrTimeout     = errors.New("fetch timeout")
	ErrInvalidURL  = errors.New("invalid url")
	ErrTooLarge    = errors.New("response body too large")
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 5 << 20 // 5 MiB
	defaultUserAgent   = "SiteScoreBot/1.0 (+https://rankready.io/bot)"
	maxRedirects       = 10
)

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*models.Page, error)
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPFetcher) { f.client.Timeout = d }
}

// WithUserAgent overrides the User-Agent header sent with each request.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// WithMaxBodySize caps how many bytes of the response body are read.
func WithMaxBodySize(n int64) Option {
	return func(f *HTTPFetcher) { f.maxBodySize = n }
}

// NewHTTPFetcher creates a fetcher with sane crawl defaults.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent:   defaultUserAgent,
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateURL checks that rawURL is an absolute http(s) URL with a host.
// Returned errors wrap ErrInvalidURL.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Fetch retrieves rawURL and returns a page snapshot. Non-2xx responses are
// not errors: the snapshot carries the status code and analyzers judge it.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*models.Page, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, classifyError(err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, f.maxBodySize)
	}
	loadTime := time.Since(start)

	finalURL := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &models.Page{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		LoadTime:    loadTime,
		TLS:         resp.TLS != nil || strings.HasPrefix(finalURL, "https://"),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
