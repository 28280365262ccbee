package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

func TestNewRouteHandler_NothingToEnforce(t *testing.T) {
	assert.Nil(t, NewRouteHandler(nil, nil, nil))
}

func TestRouteHandler_BlockedTypes(t *testing.T) {
	handler := NewRouteHandler([]string{"Image", " font "}, nil, nil)
	require.NotNil(t, handler)
	ctx := context.Background()

	tests := []struct {
		resourceType string
		want         RouteAction
	}{
		{"image", RouteAbort},
		{"font", RouteAbort},
		{"script", RouteContinue},
		{"document", RouteContinue},
		{"", RouteContinue},
	}
	for _, tt := range tests {
		got := handler(ctx, RouteRequest{URL: "https://example.com/x", Method: "GET", ResourceType: tt.resourceType})
		assert.Equal(t, tt.want, got.Action, "resource type %q", tt.resourceType)
		assert.Nil(t, got.Response)
	}
}

func TestRouteHandler_WithCache(t *testing.T) {
	cache := newFakeCache()
	cache.blocked["https://tracker.example/pixel"] = true
	cached := &schemas.Response{URL: "https://example.com/app.css", Status: 200, Body: []byte("body{}")}
	cache.entries["https://example.com/app.css"] = cached
	cache.entries["https://example.com/"] = &schemas.Response{Status: 200}
	cache.entries["https://example.com/broken.js"] = &schemas.Response{Status: 500}

	handler := NewRouteHandler([]string{"media"}, cache, nil)
	ctx := context.Background()

	decide := func(url, rt, method string) RouteDecision {
		return handler(ctx, RouteRequest{URL: url, Method: method, ResourceType: rt})
	}

	assert.Equal(t, RouteAbort, decide("https://example.com/v.mp4", "media", "GET").Action)
	assert.Equal(t, RouteAbort, decide("https://tracker.example/pixel", "image", "GET").Action)

	hit := decide("https://example.com/app.css", "stylesheet", "GET")
	assert.Equal(t, RouteFulfill, hit.Action)
	assert.Same(t, cached, hit.Response)

	assert.Equal(t, RouteContinue, decide("https://example.com/app.css", "stylesheet", "POST").Action)
	assert.Equal(t, RouteContinue, decide("https://example.com/", "document", "GET").Action, "documents always hit the network")
	assert.Equal(t, RouteContinue, decide("https://example.com/miss.js", "script", "GET").Action)
	assert.Equal(t, RouteContinue, decide("https://example.com/broken.js", "script", "GET").Action)
	assert.Equal(t, RouteContinue, decide("https://example.com/api", "xhr", "GET").Action)
}

func TestRouteActionString(t *testing.T) {
	assert.Equal(t, "continue", RouteContinue.String())
	assert.Equal(t, "abort", RouteAbort.String())
	assert.Equal(t, "fulfill", RouteFulfill.String())
}
