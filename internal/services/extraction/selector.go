package extraction

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/ternarybob/licitometro/internal/models"
)

// SplitSelector separates a "css@attr" selector into its CSS and attribute parts
func SplitSelector(selector string) (css, attr string) {
	selector = strings.TrimSpace(selector)
	if idx := strings.LastIndex(selector, "@"); idx > 0 {
		candidate := strings.TrimSpace(selector[idx+1:])
		// '@' inside an attribute selector such as a[href*="@"] is not a suffix
		if candidate != "" && !strings.ContainsAny(candidate, "]\"' ") {
			return strings.TrimSpace(selector[:idx]), candidate
		}
	}
	return selector, ""
}

// CompileSelector compiles the CSS part of a field selector
func CompileSelector(selector string) (cascadia.Selector, string, error) {
	css, attr := SplitSelector(selector)
	if css == "" {
		return nil, "", fmt.Errorf("empty selector")
	}
	compiled, err := cascadia.Compile(css)
	if err != nil {
		return nil, "", fmt.Errorf("invalid selector %q: %w", css, err)
	}
	return compiled, attr, nil
}

// ValidateSelector reports whether a field selector is syntactically valid
func ValidateSelector(selector string) error {
	_, _, err := CompileSelector(selector)
	return err
}

// evaluate applies a field to a parsed page. A selector that matches nothing yields "".
func evaluate(doc *goquery.Document, field models.Field) (string, error) {
	compiled, attr, err := CompileSelector(field.Selector)
	if err != nil {
		return "", models.NewValidationError(err.Error())
	}

	sel := doc.FindMatcher(compiled).First()
	if sel.Length() == 0 {
		return "", nil
	}

	if attr != "" {
		v, _ := sel.Attr(attr)
		return strings.TrimSpace(v), nil
	}

	switch field.Type {
	case models.FieldTypeHTML:
		html, err := sel.Html()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(html), nil
	case models.FieldTypeURL, models.FieldTypeLink:
		if v, ok := sel.Attr("href"); ok {
			return strings.TrimSpace(v), nil
		}
		return strings.TrimSpace(sel.Text()), nil
	case models.FieldTypeImage:
		for _, name := range []string{"src", "data-src", "href"} {
			if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), nil
			}
		}
		return "", nil
	default:
		return strings.TrimSpace(sel.Text()), nil
	}
}
