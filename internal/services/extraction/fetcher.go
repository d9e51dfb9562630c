package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/models"
	"golang.org/x/time/rate"
)

var allowedContentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/xml":              true,
	"application/xml":       true,
	"text/plain":            true,
}

// Fetcher downloads pages over HTTP with a per-host rate limit and a body size cap
type Fetcher struct {
	client   *http.Client
	config   *common.CrawlerConfig
	logger   arbor.ILogger
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewFetcher creates a fetcher from the [crawler] configuration
func NewFetcher(config *common.CrawlerConfig, logger arbor.ILogger) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: config.RequestTimeout},
		config:   config,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ValidateURL rejects anything that is not an absolute http(s) URL
func ValidateURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, models.NewValidationError("url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, models.NewValidationError(fmt.Sprintf("malformed url %q: %v", rawURL, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, models.NewValidationError(fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, models.NewValidationError(fmt.Sprintf("url %q has no host", rawURL))
	}
	return u, nil
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	limiter, ok := f.limiters[host]
	if !ok {
		burst := f.config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(f.config.RequestsPerSecond), burst)
		f.limiters[host] = limiter
	}
	return limiter
}

// Fetch returns the body of a page. Inputs are validated before any network call.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, models.NewValidationError(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	f.logger.Debug().Str("url", u.String()).Msg("Fetching page")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode}
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || !allowedContentTypes[mediaType] {
			return nil, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("unsupported content type %q", contentType)}
		}
	}

	limit := f.config.MaxBodySize
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > limit {
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}

	return body, nil
}
