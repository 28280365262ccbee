package cache

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// ErrInvalidStrategy is returned for an unknown strategy name.
var ErrInvalidStrategy = errors.New("invalid cache strategy")

// Strategy decides which resource types are cached.
type Strategy string

const (
	// StrategyAll caches every resource type.
	StrategyAll Strategy = "all"
	// StrategyResources caches everything except documents and API calls.
	StrategyResources Strategy = "resources"
	// StrategyConservative caches only heavy static assets.
	StrategyConservative Strategy = "conservative"
)

// ParseStrategy maps a configuration string to a Strategy. The empty string
// selects StrategyResources.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyResources, nil
	case StrategyAll, StrategyResources, StrategyConservative:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

const day = 24 * time.Hour

// DefaultTTL applies to resource types without a dedicated entry.
const DefaultTTL = day

var resourceTTL = map[string]time.Duration{
	schemas.ResourceFont:       30 * day,
	schemas.ResourceImage:      14 * day,
	schemas.ResourceMedia:      7 * day,
	schemas.ResourceStylesheet: 7 * day,
	schemas.ResourceScript:     7 * day,
}

var heavyStatic = map[string]bool{
	schemas.ResourceImage: true,
	schemas.ResourceFont:  true,
	schemas.ResourceMedia: true,
}

// trackingDomains are refused by the cache and aborted by the browser route
// policy. Subdomains match too.
var trackingDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googleadservices.com",
	"googlesyndication.com",
	"doubleclick.net",
	"facebook.net",
	"analytics.twitter.com",
	"ads-twitter.com",
	"hotjar.com",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"amplitude.com",
	"newrelic.com",
	"nr-data.net",
	"scorecardresearch.com",
	"quantserve.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"adnxs.com",
	"clarity.ms",
}

// ShouldCacheRequest reports whether the strategy caches resourceType.
func (c *FileSystemCache) ShouldCacheRequest(resourceType string) bool {
	rt := strings.ToLower(resourceType)
	switch c.strategy {
	case StrategyAll:
		return true
	case StrategyConservative:
		return heavyStatic[rt]
	default:
		switch rt {
		case schemas.ResourceDocument, schemas.ResourceXHR, schemas.ResourceFetch:
			return false
		}
		return true
	}
}

// TTL returns how long an entry of resourceType stays fresh.
func (c *FileSystemCache) TTL(resourceType string) time.Duration {
	if ttl, ok := resourceTTL[strings.ToLower(resourceType)]; ok {
		return ttl
	}
	return c.defaultTTL
}

// ShouldBlock reports whether rawURL belongs to a known tracking domain. The
// host and each parent domain up to the registrable domain are checked.
func (c *FileSystemCache) ShouldBlock(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		_, blocked := c.blocked[host]
		return blocked
	}

	for h := host; ; {
		if _, blocked := c.blocked[h]; blocked {
			return true
		}
		if h == registrable {
			return false
		}
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			return false
		}
		h = h[idx+1:]
	}
}
