package extraction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
)

// Renderer loads pages in headless Chrome for templates that need JavaScript.
// The browser is started on first use and shared by all renders.
type Renderer struct {
	config          *common.CrawlerConfig
	logger          arbor.ILogger
	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// NewRenderer creates a renderer; no browser is launched until Render is called
func NewRenderer(config *common.CrawlerConfig, logger arbor.ILogger) *Renderer {
	return &Renderer{
		config: config,
		logger: logger,
	}
}

func (r *Renderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil {
		return r.browserCtx, nil
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to start headless browser: %w", err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocatorCancel = allocatorCancel

	r.logger.Info().Str("user_agent", r.config.UserAgent).Msg("Headless browser started")
	return browserCtx, nil
}

// Render navigates to url, waits for scripts to settle and returns the resulting HTML
func (r *Renderer) Render(ctx context.Context, url string) ([]byte, error) {
	if _, err := ValidateURL(url); err != nil {
		return nil, err
	}

	browserCtx, err := r.browser()
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	timeout := r.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, runCancel := context.WithTimeout(tabCtx, timeout+r.config.JavaScriptWaitTime)
	defer runCancel()

	// Stop the tab when the caller gives up
	stop := context.AfterFunc(ctx, runCancel)
	defer stop()

	// The status of the first document response is the page status
	var status atomic.Int64
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, resp.Response.Status)
		}
	})

	var html string
	if err := chromedp.Run(runCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.Sleep(r.config.JavaScriptWaitTime),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{URL: url, Status: int(status.Load()), Err: fmt.Errorf("render: %w", err)}
	}
	if code := int(status.Load()); code >= 400 {
		return nil, &FetchError{URL: url, Status: code}
	}

	r.logger.Debug().Str("url", url).Int("html_length", len(html)).Msg("Page rendered")
	return []byte(html), nil
}

// Close shuts the browser down if it was started
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCancel != nil {
		r.browserCancel()
		r.allocatorCancel()
		r.browserCtx = nil
		r.browserCancel = nil
		r.allocatorCancel = nil
		r.logger.Info().Msg("Headless browser stopped")
	}
	return nil
}
