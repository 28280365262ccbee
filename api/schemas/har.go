package schemas

import (
	"encoding/json"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -- HAR (HTTP Archive) Schemas --

// HARCreatorName identifies this library in exported archives.
const HARCreatorName = "PhantomFetch"

// HARCreatorVersion is stamped into the creator block.
var HARCreatorVersion = "1.0"

// HAR is the root object of the HTTP Archive format.
// See http://www.softwareishard.com/blog/har-1-2-spec/ for the full specification.
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog holds the creator metadata, pages and entries.
type HARLog struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Pages   []Page  `json:"pages"`
	Entries []Entry `json:"entries"`
}

// Creator provides information about the application that generated the HAR file.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Page represents a single page load. Exports from a Response hold exactly one.
type Page struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	PageTimings     PageTimings `json:"pageTimings"`
}

// PageTimings contains timing information for page load events, in milliseconds.
type PageTimings struct {
	OnContentLoad float64 `json:"onContentLoad"`
	OnLoad        float64 `json:"onLoad"`
}

// Entry represents a single HTTP request-response pair recorded in the HAR.
type Entry struct {
	Pageref         string      `json:"pageref"`
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"` // Total elapsed time in milliseconds.
	Request         Request     `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         Timings     `json:"timings"`
	ResourceType    string      `json:"_resourceType,omitempty"`
}

// Request contains the recorded request line and headers.
type Request struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion"`
	Cookies     []NVPair `json:"cookies"`
	Headers     []NVPair `json:"headers"`
	QueryString []NVPair `json:"queryString"`
	HeadersSize int64    `json:"headersSize"`
	BodySize    int64    `json:"bodySize"`
}

// HARResponse contains the recorded status, headers and content.
type HARResponse struct {
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	HTTPVersion string   `json:"httpVersion"`
	Cookies     []NVPair `json:"cookies"`
	Headers     []NVPair `json:"headers"`
	Content     Content  `json:"content"`
	RedirectURL string   `json:"redirectURL"`
	HeadersSize int64    `json:"headersSize"`
	BodySize    int64    `json:"bodySize"`
}

// Timings breaks down the phases of a request. Unknown phases are -1.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// NVPair represents a simple name-value pair.
type NVPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Content describes the content of an HTTP response body.
type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// NewHAR creates an empty archive stamped with this library as creator.
func NewHAR() *HAR {
	return &HAR{
		Log: HARLog{
			Version: "1.2",
			Creator: Creator{
				Name:    HARCreatorName,
				Version: HARCreatorVersion,
			},
			Pages:   make([]Page, 0),
			Entries: make([]Entry, 0),
		},
	}
}

// NewHARFromResponse is the function form of Response.HAR.
func NewHARFromResponse(r *Response) *HAR {
	return r.HAR()
}

// HAR exports the response's network log. Entries keep capture order.
func (r *Response) HAR() *HAR {
	har := NewHAR()
	if r == nil {
		return har
	}

	pageID := "page_" + uuid.NewString()
	started := time.Now()
	if len(r.NetworkLog) > 0 && !r.NetworkLog[0].StartedAt.IsZero() {
		started = r.NetworkLog[0].StartedAt
	}
	har.Log.Pages = append(har.Log.Pages, Page{
		StartedDateTime: started,
		ID:              pageID,
		Title:           r.URL,
		PageTimings:     PageTimings{OnContentLoad: -1, OnLoad: durationMillis(r.Elapsed)},
	})

	for _, ex := range r.NetworkLog {
		har.Log.Entries = append(har.Log.Entries, exchangeToEntry(pageID, started, ex))
	}
	return har
}

// WriteHAR encodes the response's archive as indented JSON.
func WriteHAR(w io.Writer, r *Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.HAR())
}

func exchangeToEntry(pageID string, fallback time.Time, ex NetworkExchange) Entry {
	started := ex.StartedAt
	if started.IsZero() {
		started = fallback
	}
	total := durationMillis(ex.Duration)

	return Entry{
		Pageref:         pageID,
		StartedDateTime: started,
		Time:            total,
		Request: Request{
			Method:      ex.Method,
			URL:         ex.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NVPair{},
			Headers:     toNVPairs(ex.RequestHeaders),
			QueryString: queryPairs(ex.URL),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: HARResponse{
			Status:      ex.Status,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NVPair{},
			Headers:     toNVPairs(ex.ResponseHeaders),
			Content: Content{
				Size:     int64(len(ex.ResponseBody)),
				MimeType: headerValue(ex.ResponseHeaders, "Content-Type"),
				Text:     ex.ResponseBody,
			},
			RedirectURL: headerValue(ex.ResponseHeaders, "Location"),
			HeadersSize: -1,
			BodySize:    int64(len(ex.ResponseBody)),
		},
		Timings:      Timings{Blocked: -1, DNS: -1, Connect: -1, Send: 0, Wait: total, Receive: 0},
		ResourceType: ex.ResourceType,
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func toNVPairs(m map[string]string) []NVPair {
	pairs := make([]NVPair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, NVPair{Name: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

func queryPairs(raw string) []NVPair {
	pairs := []NVPair{}
	u, err := url.Parse(raw)
	if err != nil {
		return pairs
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			pairs = append(pairs, NVPair{Name: k, Value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs
}

func headerValue(m map[string]string, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
