package transform

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/licitometro/internal/models"
)

// Day-first layouts come before month-first ones: source sites publish dd/mm/yyyy
var dateLayouts = []string{
	time.RFC3339, "2006-01-02T15:04:05.999Z", "2006-01-02T15:04:05",
	"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02",
	"02/01/2006 15:04:05", "02/01/2006 15:04", "02/01/2006", "2/1/2006",
	"02-01-2006", "02.01.2006", "2006/01/02",
	"02 Jan 2006", "02 Jan 2006 15:04", "2 January 2006",
	"Jan 2, 2006", "Jan 2, 2006 3:04 PM", "January 2, 2006",
}

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October, "noviembre": time.November,
	"diciembre": time.December,
}

var spanishDateRe = regexp.MustCompile(`(?i)(\d{1,2})\s*(?:de\s+)?([a-záéíóú]+)\s*(?:de\s+|del\s+)?(\d{4})`)

// ParseDate normalizes a date string to RFC3339 (UTC when no zone is present)
func ParseDate(value string) (string, error) {
	v := collapseWhitespace(value)
	if v == "" {
		return "", nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(time.RFC3339), nil
		}
	}

	// "15 de marzo de 2024", "3 abril 2024"
	if m := spanishDateRe.FindStringSubmatch(v); m != nil {
		if month, ok := spanishMonths[strings.ToLower(m[2])]; ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
			if t.Day() == day {
				return t.Format(time.RFC3339), nil
			}
		}
	}

	return "", fmt.Errorf("unrecognized date format: %q", value)
}

var numberCharsRe = regexp.MustCompile(`[^0-9.,\-]`)

// NormalizeNumber strips currency symbols and thousands separators, returning a
// plain decimal string. Both "1.234,56" and "1,234.56" become "1234.56"; a lone
// separator followed by exactly three digits is read as a thousands separator.
func NormalizeNumber(value string) (string, error) {
	v := numberCharsRe.ReplaceAllString(strings.TrimSpace(value), "")
	negative := strings.HasPrefix(v, "-")
	v = strings.ReplaceAll(v, "-", "")
	if v == "" || strings.Trim(v, ".,") == "" {
		return "", fmt.Errorf("no number in %q", value)
	}

	lastDot := strings.LastIndex(v, ".")
	lastComma := strings.LastIndex(v, ",")

	var intPart, fracPart string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimalAt := lastDot
		if lastComma > lastDot {
			decimalAt = lastComma
		}
		intPart, fracPart = v[:decimalAt], v[decimalAt+1:]
	case lastDot >= 0 || lastComma >= 0:
		sep := "."
		if lastComma >= 0 {
			sep = ","
		}
		parts := strings.Split(v, sep)
		last := parts[len(parts)-1]
		if len(parts) > 2 || len(last) == 3 {
			intPart = v
		} else {
			intPart, fracPart = parts[0], last
		}
	default:
		intPart = v
	}

	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if negative {
		out = "-" + out
	}

	if _, err := strconv.ParseFloat(out, 64); err != nil {
		return "", fmt.Errorf("invalid number %q", value)
	}
	return out, nil
}

// ResolveURL makes ref absolute against base
func ResolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if refURL.IsAbs() || base == "" {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// Coerce converts a transformed string to the declared field type:
// number -> float64, date -> RFC3339 string, url/link/image -> absolute URL string.
// An empty value coerces to nil.
func (s *Service) Coerce(value string, fieldType models.FieldType, baseURL string) (interface{}, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	switch fieldType {
	case models.FieldTypeNumber:
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f, nil
		}
		normalized, err := NormalizeNumber(value)
		if err != nil {
			return nil, err
		}
		return strconv.ParseFloat(normalized, 64)
	case models.FieldTypeDate:
		return ParseDate(value)
	case models.FieldTypeURL, models.FieldTypeLink, models.FieldTypeImage:
		return ResolveURL(baseURL, value)
	case models.FieldTypeText:
		return strings.TrimSpace(value), nil
	default:
		return value, nil
	}
}
