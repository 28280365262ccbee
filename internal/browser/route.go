// File: internal/browser/route.go
package browser

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// RouteAction is the fate of an intercepted request.
type RouteAction int

const (
	RouteContinue RouteAction = iota
	RouteAbort
	RouteFulfill
)

func (a RouteAction) String() string {
	switch a {
	case RouteAbort:
		return "abort"
	case RouteFulfill:
		return "fulfill"
	default:
		return "continue"
	}
}

// RouteRequest describes an intercepted request.
type RouteRequest struct {
	URL          string
	Method       string
	ResourceType string
}

// RouteDecision is returned by a RouteHandler. Response is set only for
// RouteFulfill.
type RouteDecision struct {
	Action   RouteAction
	Response *schemas.Response
}

// RouteHandler decides each intercepted request exactly once.
type RouteHandler func(ctx context.Context, req RouteRequest) RouteDecision

// ResourceCache is the part of the response cache the browser consults while
// routing and warms after a fetch.
type ResourceCache interface {
	Get(ctx context.Context, url string) (*schemas.Response, error)
	SetResource(ctx context.Context, url, resourceType string, resp *schemas.Response) error
	ShouldBlock(url string) bool
	ShouldCacheRequest(resourceType string) bool
}

// NewRouteHandler builds the request policy for a fetch. Blocked resource
// types are aborted. With a cache, tracking domains are aborted and cached
// resources of cacheable types are served from it. Everything else continues.
// It returns nil when there is nothing to enforce, so no interception is needed.
func NewRouteHandler(blockResources []string, cache ResourceCache, logger *zap.Logger) RouteHandler {
	if len(blockResources) == 0 && cache == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	blocked := make(map[string]struct{}, len(blockResources))
	for _, rt := range blockResources {
		blocked[strings.ToLower(strings.TrimSpace(rt))] = struct{}{}
	}

	return func(ctx context.Context, req RouteRequest) RouteDecision {
		rt := strings.ToLower(req.ResourceType)
		if _, ok := blocked[rt]; ok {
			return RouteDecision{Action: RouteAbort}
		}
		if cache == nil {
			return RouteDecision{Action: RouteContinue}
		}
		if cache.ShouldBlock(req.URL) {
			return RouteDecision{Action: RouteAbort}
		}
		// Only idempotent subresource loads are served from cache; the main
		// document always goes to the network.
		if rt == schemas.ResourceDocument || (req.Method != "" && req.Method != "GET") || !cache.ShouldCacheRequest(rt) {
			return RouteDecision{Action: RouteContinue}
		}
		hit, err := cache.Get(ctx, req.URL)
		if err != nil {
			logger.Debug("Cache lookup failed during routing.", zap.String("url", req.URL), zap.Error(err))
			return RouteDecision{Action: RouteContinue}
		}
		if hit != nil && hit.OK() {
			return RouteDecision{Action: RouteFulfill, Response: hit}
		}
		return RouteDecision{Action: RouteContinue}
	}
}
