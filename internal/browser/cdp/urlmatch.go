// File: internal/browser/cdp/urlmatch.go
package cdp

import (
	"fmt"

	"github.com/gobwas/glob"
)

// urlMatcher compiles a URL glob. "*" stays within a path segment and "**"
// crosses "/". A pattern without wildcards must match exactly.
func urlMatcher(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty URL pattern")
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid URL pattern %q: %w", pattern, err)
	}
	return g.Match, nil
}
