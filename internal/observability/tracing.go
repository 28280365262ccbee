// File: internal/observability/tracing.go
package observability

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span PhantomFetch emits.
const TracerName = "github.com/xkilldash9x/phantomfetch"

// Span attribute keys without a semantic convention equivalent.
const (
	EngineKey    = attribute.Key("phantomfetch.engine")
	ProxyKey     = attribute.Key("phantomfetch.proxy")
	AttemptKey   = attribute.Key("phantomfetch.attempt")
	FromCacheKey = attribute.Key("phantomfetch.from_cache")
	ActionsKey   = attribute.Key("phantomfetch.actions")
)

// Tracer returns the tracer of the globally registered provider. Spans are
// no-ops until an application installs one with otel.SetTracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a client span carrying the target URL and engine.
func StartSpan(ctx context.Context, name, rawURL, engine string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{semconv.URLFull(rawURL), EngineKey.String(engine)}, attrs...)
	return Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// ProxyAttr records the proxy with its credentials removed.
func ProxyAttr(proxy string) attribute.KeyValue {
	return ProxyKey.String(RedactURL(proxy))
}

// StatusAttr records an HTTP status code.
func StatusAttr(status int) attribute.KeyValue {
	return semconv.HTTPResponseStatusCode(status)
}

// SetProxy records proxy on span when one is in use.
func SetProxy(span trace.Span, proxy string) {
	if proxy != "" {
		span.SetAttributes(ProxyAttr(proxy))
	}
}

// EndSpan records the outcome and ends span. A failure message or a status
// of 400 and above marks the span as errored.
func EndSpan(span trace.Span, status int, failure string) {
	if status > 0 {
		span.SetAttributes(StatusAttr(status))
	}
	if failure == "" && status >= 400 {
		failure = fmt.Sprintf("HTTP status %d", status)
	}
	if failure != "" {
		span.SetStatus(codes.Error, failure)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RedactURL hides the password of a URL. Unparseable input is returned as is.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
