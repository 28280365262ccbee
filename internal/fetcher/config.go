package fetcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/browser"
	"github.com/xkilldash9x/phantomfetch/internal/browser/actions"
	"github.com/xkilldash9x/phantomfetch/internal/browser/cdp"
	"github.com/xkilldash9x/phantomfetch/internal/cache"
	"github.com/xkilldash9x/phantomfetch/internal/config"
	"github.com/xkilldash9x/phantomfetch/internal/engine/httpengine"
	"github.com/xkilldash9x/phantomfetch/internal/proxypool"
)

// NewFromConfig wires a Fetcher from the library configuration.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, extra ...Option) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cannot build fetcher from nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	executor := actions.NewExecutor(logger, actions.WithCaptchaDefaults(cfg.Captcha.Provider, cfg.Captcha.APIKey))
	dial := cdp.NewDialer(cdp.OptionsFrom(cfg.Browser, logger))
	browserEngine := browser.New(browser.ConfigFrom(cfg.Browser), dial, logger, browser.WithExecutor(executor))
	httpEngine := httpengine.New(httpengine.ConfigFrom(cfg.Fetcher, cfg.HTTP), logger)

	opts := []Option{
		WithEngine(schemas.EngineHTTP, httpEngine),
		WithEngine(schemas.EngineBrowser, browserEngine),
		WithDefaultEngine(cfg.Fetcher.DefaultEngine),
		WithTimeout(cfg.Fetcher.Timeout),
		WithMaxRetries(cfg.Fetcher.MaxRetries),
	}

	if cfg.Cache.Enabled {
		strategy, err := cache.ParseStrategy(cfg.Cache.Strategy)
		if err != nil {
			return nil, err
		}
		c, err := cache.New(cache.Config{
			Dir:        cfg.Cache.Dir,
			Strategy:   strategy,
			DefaultTTL: cfg.Cache.DefaultTTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		opts = append(opts, WithCache(c))
	}

	if len(cfg.Proxy.URLs) > 0 {
		strategy, err := proxypool.ParseStrategy(cfg.Proxy.Strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithProxies(cfg.Proxy.URLs), WithProxyStrategy(strategy))
	}

	return New(logger, append(opts, extra...)...)
}
