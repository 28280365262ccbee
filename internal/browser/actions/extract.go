// File: internal/browser/actions/extract.go
package actions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Special attribute names understood by extraction directives.
const (
	attrText = "text"
	attrHTML = "html"
)

// directive is the parsed form of one schema field.
type directive struct {
	selector string
	attr     string
	all      bool
	schema   map[string]any
}

// parseDirective accepts either a string ("h1", "a@href") or an object with
// selector, attr, all and schema keys.
func parseDirective(field string, raw any) (directive, error) {
	switch v := raw.(type) {
	case string:
		return parseSelectorString(v), nil
	case map[string]any:
		var d directive
		sel, _ := v["selector"].(string)
		if sel == "" {
			return d, fmt.Errorf("field %q: selector is required", field)
		}
		d = parseSelectorString(sel)
		if attr, ok := v["attr"].(string); ok && attr != "" {
			d.attr = attr
		}
		if all, ok := v["all"].(bool); ok {
			d.all = all
		}
		if nested, ok := v["schema"].(map[string]any); ok {
			d.schema = nested
		}
		return d, nil
	default:
		return directive{}, fmt.Errorf("field %q: unsupported directive type %T", field, raw)
	}
}

func parseSelectorString(s string) directive {
	s = strings.TrimSpace(s)
	// The attribute suffix is whatever follows the last '@' outside brackets,
	// so "a[href*='@']" stays a plain selector.
	if i := strings.LastIndex(s, "@"); i > 0 && !strings.ContainsAny(s[i:], "]'\"") {
		return directive{selector: strings.TrimSpace(s[:i]), attr: strings.TrimSpace(s[i+1:])}
	}
	return directive{selector: s}
}

// Extract evaluates schema against html and returns a mapping of field name
// to extracted value. Missing elements yield nil values, not errors.
func Extract(html string, schema map[string]any) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page content: %w", err)
	}
	return extractFrom(doc.Selection, schema)
}

func extractFrom(root *goquery.Selection, schema map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(schema))

	// Deterministic order keeps error reporting stable.
	fields := make([]string, 0, len(schema))
	for f := range schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		d, err := parseDirective(field, schema[field])
		if err != nil {
			return nil, err
		}
		matches := root.Find(d.selector)

		if d.all {
			values := make([]any, 0, matches.Length())
			var innerErr error
			matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
				v, err := d.value(s)
				if err != nil {
					innerErr = err
					return false
				}
				values = append(values, v)
				return true
			})
			if innerErr != nil {
				return nil, innerErr
			}
			out[field] = values
			continue
		}

		if matches.Length() == 0 {
			out[field] = nil
			continue
		}
		v, err := d.value(matches.First())
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// value extracts from a single matched element.
func (d directive) value(s *goquery.Selection) (any, error) {
	if d.schema != nil {
		return extractFrom(s, d.schema)
	}
	switch d.attr {
	case "", attrText:
		return cleanText(s.Text()), nil
	case attrHTML:
		h, err := s.Html()
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(h), nil
	default:
		if v, ok := s.Attr(d.attr); ok {
			return v, nil
		}
		return nil, nil
	}
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
