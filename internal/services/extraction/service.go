// Package extraction implements the page-fetch and selector-extraction capability:
// rate-limited HTTP fetches (or headless Chrome renders), goquery evaluation of
// field selectors, and discovery of candidate item pages with pagination.
package extraction

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/ternarybob/licitometro/internal/services/transform"
)

const pageCacheTTL = time.Minute

// Service implements interfaces.ExtractionService
type Service struct {
	config   *common.CrawlerConfig
	logger   arbor.ILogger
	fetcher  *Fetcher
	renderer *Renderer
	cache    *pageCache
}

// NewService creates the extraction capability from the [crawler] configuration
func NewService(config *common.CrawlerConfig, logger arbor.ILogger) (*Service, error) {
	cache, err := newPageCache(config.PageCacheSize, pageCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}

	s := &Service{
		config:  config,
		logger:  logger,
		fetcher: NewFetcher(config, logger),
		cache:   cache,
	}
	if config.EnableJavaScript {
		s.renderer = NewRenderer(config, logger)
	}
	return s, nil
}

var _ interfaces.ExtractionService = (*Service)(nil)

// document returns the parsed page, fetching or rendering it on a cache miss
func (s *Service) document(ctx context.Context, pageURL string, render bool) (*goquery.Document, error) {
	key := pageURL
	if render {
		key = "js:" + pageURL
	}
	if doc, ok := s.cache.get(key); ok {
		return doc, nil
	}

	var body []byte
	var err error
	if render {
		if s.renderer == nil {
			return nil, models.NewValidationError("template requires JavaScript rendering but crawler.enable_javascript is off")
		}
		body, err = s.renderer.Render(ctx, pageURL)
	} else {
		body, err = s.fetcher.Fetch(ctx, pageURL)
	}
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{URL: pageURL, Status: 200, Err: fmt.Errorf("parse html: %w", err)}
	}

	s.cache.set(key, doc)
	return doc, nil
}

// Extract returns the raw value of one field on one page
func (s *Service) Extract(ctx context.Context, req interfaces.ExtractRequest) (string, error) {
	doc, err := s.document(ctx, req.PageURL, req.RenderJavaScript)
	if err != nil {
		return "", err
	}

	value, err := evaluate(doc, req.Field)
	if err != nil {
		return "", &ExtractionError{URL: req.PageURL, Field: req.Field.Name, Err: err}
	}
	return value, nil
}

// Discover enumerates candidate item URLs. Without an item selector the template
// URL itself is the only candidate, fetched once to prove it is reachable.
func (s *Service) Discover(ctx context.Context, template *models.Template) ([]string, error) {
	if _, err := ValidateURL(template.URL); err != nil {
		return nil, err
	}

	if strings.TrimSpace(template.ItemSelector) == "" {
		if _, err := s.document(ctx, template.URL, template.RenderJavaScript); err != nil {
			return nil, err
		}
		return []string{template.URL}, nil
	}

	itemSelector, itemAttr, err := CompileSelector(template.ItemSelector)
	if err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if itemAttr == "" {
		itemAttr = "href"
	}

	maxPages := template.MaxPages
	if maxPages <= 0 {
		maxPages = s.config.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	seen := make(map[string]bool)
	visited := make(map[string]bool)
	var candidates []string

	pageURL := template.URL
	for page := 1; page <= maxPages && pageURL != "" && !visited[pageURL]; page++ {
		visited[pageURL] = true

		doc, err := s.document(ctx, pageURL, template.RenderJavaScript)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			s.logger.Warn().
				Err(err).
				Str("url", pageURL).
				Int("page", page).
				Msg("Listing page failed, keeping candidates discovered so far")
			break
		}

		found := 0
		doc.FindMatcher(itemSelector).Each(func(_ int, sel *goquery.Selection) {
			href, ok := sel.Attr(itemAttr)
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			abs, err := transform.ResolveURL(pageURL, href)
			if err != nil || abs == "" {
				return
			}
			if _, err := ValidateURL(abs); err != nil {
				return
			}
			if !seen[abs] {
				seen[abs] = true
				candidates = append(candidates, abs)
				found++
			}
		})

		s.logger.Debug().
			Str("url", pageURL).
			Int("page", page).
			Int("found", found).
			Msg("Listing page scanned")

		pageURL = s.nextPage(doc, pageURL, template.NextPageSelector)
	}

	return candidates, nil
}

func (s *Service) nextPage(doc *goquery.Document, current, selector string) string {
	if strings.TrimSpace(selector) == "" {
		return ""
	}
	compiled, attr, err := CompileSelector(selector)
	if err != nil {
		return ""
	}
	if attr == "" {
		attr = "href"
	}
	href, ok := doc.FindMatcher(compiled).First().Attr(attr)
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	next, err := transform.ResolveURL(current, href)
	if err != nil {
		return ""
	}
	return next
}

// Close releases the headless browser and the page cache
func (s *Service) Close() error {
	s.cache.close()
	if s.renderer != nil {
		return s.renderer.Close()
	}
	return nil
}
