// File: internal/engine/httpengine/fingerprint.go
package httpengine

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
)

// BrowserProfile is one entry of the fingerprint catalog.
type BrowserProfile struct {
	Version   string
	Brand     string
	Major     string
	Platform  string
	UserAgent string
}

// BrowserVersions is the catalog rotated across attempts, keyed by version id.
var BrowserVersions = map[string]BrowserProfile{
	"chrome120":       chromeProfile("chrome120", "120", "Windows", "Windows NT 10.0; Win64; x64"),
	"chrome123":       chromeProfile("chrome123", "123", "Windows", "Windows NT 10.0; Win64; x64"),
	"chrome124":       chromeProfile("chrome124", "124", "macOS", "Macintosh; Intel Mac OS X 10_15_7"),
	"chrome131":       chromeProfile("chrome131", "131", "Windows", "Windows NT 10.0; Win64; x64"),
	"chrome131_linux": chromeProfile("chrome131_linux", "131", "Linux", "X11; Linux x86_64"),
	"edge101":         edgeProfile("edge101", "101"),
	"edge122":         edgeProfile("edge122", "122"),
}

var versionIDs = func() []string {
	ids := make([]string, 0, len(BrowserVersions))
	for id := range BrowserVersions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}()

func chromeProfile(id, major, platform, os string) BrowserProfile {
	return BrowserProfile{
		Version:  id,
		Brand:    "Google Chrome",
		Major:    major,
		Platform: platform,
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36", os, major),
	}
}

func edgeProfile(id, major string) BrowserProfile {
	return BrowserProfile{
		Version:  id,
		Brand:    "Microsoft Edge",
		Major:    major,
		Platform: "Windows",
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%[1]s.0.0.0 Safari/537.36 Edg/%[1]s.0.0.0", major),
	}
}

// browserConfig picks a random catalog entry.
func browserConfig() BrowserProfile {
	return BrowserVersions[versionIDs[rand.IntN(len(versionIDs))]]
}

// secCHUA renders the client hint brand list for p.
func (p BrowserProfile) secCHUA() string {
	return fmt.Sprintf(`"%s";v="%s", "Chromium";v="%s", "Not_A Brand";v="24"`, p.Brand, p.Major, p.Major)
}

// buildHeaders assembles the request headers for one attempt. Caller supplied
// headers are applied last and win over generated ones.
func buildHeaders(p BrowserProfile, referer string, extra map[string]string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	if p.Brand != "" {
		h.Set("Sec-CH-UA", p.secCHUA())
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", `"`+p.Platform+`"`)
	}
	if referer != "" {
		h.Set("Referer", referer)
	}
	for k, v := range extra {
		if strings.TrimSpace(k) == "" {
			continue
		}
		h.Set(k, v)
	}
	return h
}
