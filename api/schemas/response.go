// File: api/schemas/response.go
package schemas

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// Engine identifiers carried on a Response.
const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"
)

// Response is the unified result of a fetch, regardless of which engine
// produced it. Callers always receive one, even on failure.
type Response struct {
	URL           string            `json:"url"`
	Status        int               `json:"status"`
	Body          []byte            `json:"body"`
	Headers       http.Header       `json:"headers,omitempty"`
	Error         string            `json:"error,omitempty"`
	Elapsed       time.Duration     `json:"-"`
	FromCache     bool              `json:"from_cache"`
	NetworkLog    []NetworkExchange `json:"network_log,omitempty"`
	StorageState  *StorageState     `json:"storage_state,omitempty"`
	ActionResults []ActionResult    `json:"action_results,omitempty"`
	Engine        string            `json:"engine,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
}

// OK reports whether the fetch succeeded: a 2xx/3xx status and no error.
func (r *Response) OK() bool {
	if r == nil {
		return false
	}
	return r.Status >= 200 && r.Status <= 399 && r.Error == ""
}

// Header returns the first value for name. Lookup is case-insensitive.
func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// SetHeaders replaces the header set from a flat map, canonicalizing keys.
func (r *Response) SetHeaders(h map[string]string) {
	r.Headers = make(http.Header, len(h))
	for k, v := range h {
		r.Headers.Add(k, v)
	}
}

// Text returns the body decoded as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v. An empty body leaves v untouched and returns
// nil. NUL bytes, which some servers pad responses with, are stripped first.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	clean := bytes.ReplaceAll(r.Body, []byte{0}, nil)
	return json.Unmarshal(clean, v)
}

// Clone returns a deep copy that the caller can mutate freely.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Body = append([]byte(nil), r.Body...)
	out.Headers = r.Headers.Clone()
	if r.NetworkLog != nil {
		out.NetworkLog = append([]NetworkExchange(nil), r.NetworkLog...)
	}
	if r.ActionResults != nil {
		out.ActionResults = append([]ActionResult(nil), r.ActionResults...)
	}
	out.StorageState = r.StorageState.Clone()
	return &out
}

// responseJSON is the wire shape of Response; elapsed travels as seconds.
type responseJSON struct {
	*responseAlias
	Elapsed float64 `json:"elapsed"`
}

type responseAlias Response

// MarshalJSON encodes elapsed as floating point seconds.
func (r Response) MarshalJSON() ([]byte, error) {
	alias := responseAlias(r)
	return json.Marshal(responseJSON{responseAlias: &alias, Elapsed: r.Elapsed.Seconds()})
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Response) UnmarshalJSON(data []byte) error {
	aux := responseJSON{responseAlias: (*responseAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Elapsed = secondsToDuration(aux.Elapsed)
	return nil
}

// NetworkExchange is one request/response pair captured during a browser
// fetch. Exchanges are immutable once recorded.
type NetworkExchange struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	ResourceType    string            `json:"resource_type"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Duration        time.Duration     `json:"-"`
	StartedAt       time.Time         `json:"started_at"`
}

type exchangeAlias NetworkExchange

type exchangeJSON struct {
	*exchangeAlias
	Duration float64 `json:"duration"`
}

// MarshalJSON encodes duration as floating point seconds.
func (e NetworkExchange) MarshalJSON() ([]byte, error) {
	alias := exchangeAlias(e)
	return json.Marshal(exchangeJSON{exchangeAlias: &alias, Duration: e.Duration.Seconds()})
}

// UnmarshalJSON reverses MarshalJSON.
func (e *NetworkExchange) UnmarshalJSON(data []byte) error {
	aux := exchangeJSON{exchangeAlias: (*exchangeAlias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Duration = secondsToDuration(aux.Duration)
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
