package transform

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// Func is a named, pure transformation. arg is the text after ':' in the chain step.
type Func func(value, arg string, baseURL string) (string, error)

// Service applies named transformation chains ("trim|parseNumber") and coerces
// values to their declared field type
type Service struct {
	logger arbor.ILogger
	funcs  map[string]Func
}

// NewService creates a new transform service with the built-in transformations registered
func NewService(logger arbor.ILogger) *Service {
	s := &Service{
		logger: logger,
		funcs:  make(map[string]Func),
	}

	s.funcs["trim"] = func(v, _, _ string) (string, error) { return strings.TrimSpace(v), nil }
	s.funcs["lower"] = func(v, _, _ string) (string, error) { return strings.ToLower(v), nil }
	s.funcs["upper"] = func(v, _, _ string) (string, error) { return strings.ToUpper(v), nil }
	s.funcs["collapseWhitespace"] = func(v, _, _ string) (string, error) { return collapseWhitespace(v), nil }
	s.funcs["parseDate"] = func(v, _, _ string) (string, error) { return ParseDate(v) }
	s.funcs["parseNumber"] = func(v, _, _ string) (string, error) { return NormalizeNumber(v) }
	s.funcs["stripHTML"] = func(v, _, _ string) (string, error) { return StripHTML(v), nil }
	s.funcs["markdown"] = func(v, _, baseURL string) (string, error) { return s.HTMLToMarkdown(v, baseURL) }
	s.funcs["absoluteUrl"] = func(v, _, baseURL string) (string, error) { return ResolveURL(baseURL, v) }
	s.funcs["regex"] = regexExtract

	// Names used by older template exports
	s.funcs["strip"] = s.funcs["trim"]
	s.funcs["clean_whitespace"] = s.funcs["collapseWhitespace"]
	s.funcs["date_parse"] = s.funcs["parseDate"]
	s.funcs["absolute_url"] = s.funcs["absoluteUrl"]

	return s
}

// Names returns the registered transformation names
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.funcs))
	for name := range s.funcs {
		names = append(names, name)
	}
	return names
}

// Validate checks that every step of a chain names a known transformation
func (s *Service) Validate(chain string) error {
	for _, step := range splitChain(chain) {
		name, arg := splitStep(step)
		if _, ok := s.funcs[name]; !ok {
			return fmt.Errorf("unknown transformation %q", name)
		}
		if name == "regex" {
			if arg == "" {
				return fmt.Errorf("regex transformation requires a pattern, e.g. regex:(\\d+)")
			}
			if _, err := regexp.Compile(arg); err != nil {
				return fmt.Errorf("invalid regex pattern %q: %w", arg, err)
			}
		}
	}
	return nil
}

// Apply runs the chain left to right over value. An empty chain returns value unchanged.
func (s *Service) Apply(chain, value, baseURL string) (string, error) {
	for _, step := range splitChain(chain) {
		name, arg := splitStep(step)
		fn, ok := s.funcs[name]
		if !ok {
			return "", fmt.Errorf("unknown transformation %q", name)
		}
		out, err := fn(value, arg, baseURL)
		if err != nil {
			return "", fmt.Errorf("transformation %s: %w", name, err)
		}
		value = out
	}
	return value, nil
}

// HTMLToMarkdown converts HTML content to markdown
// baseURL is used for resolving relative links
func (s *Service) HTMLToMarkdown(html string, baseURL string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	converter := md.NewConverter(baseURL, true, nil)
	converted, err := converter.ConvertString(html)
	if err != nil || strings.TrimSpace(converted) == "" {
		s.logger.Warn().
			Err(err).
			Int("html_length", len(html)).
			Msg("HTML to markdown conversion failed or was empty, using stripped text")
		return StripHTML(html), nil
	}

	return strings.TrimSpace(converted), nil
}

// StripHTML returns the visible text of an HTML fragment with whitespace collapsed
func StripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(html)
	}
	return collapseWhitespace(doc.Text())
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(v string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(v, " "))
}

// regexExtract returns the first capture group of arg, or the whole match without groups.
// A value that does not match is returned unchanged.
func regexExtract(v, arg, _ string) (string, error) {
	re, err := regexp.Compile(arg)
	if err != nil {
		return "", err
	}
	m := re.FindStringSubmatch(v)
	switch {
	case m == nil:
		return v, nil
	case len(m) > 1:
		return m[1], nil
	default:
		return m[0], nil
	}
}

// splitChain splits on '|'; a literal pipe inside a regex argument is written as \|
func splitChain(chain string) []string {
	var steps []string
	var current strings.Builder
	for i := 0; i < len(chain); i++ {
		c := chain[i]
		if c == '\\' && i+1 < len(chain) && chain[i+1] == '|' {
			current.WriteByte('|')
			i++
			continue
		}
		if c == '|' {
			if step := strings.TrimSpace(current.String()); step != "" {
				steps = append(steps, step)
			}
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if step := strings.TrimSpace(current.String()); step != "" {
		steps = append(steps, step)
	}
	return steps
}

func splitStep(step string) (name, arg string) {
	if idx := strings.Index(step, ":"); idx >= 0 {
		return strings.TrimSpace(step[:idx]), step[idx+1:]
	}
	return step, ""
}
