// File: internal/browser/cdp/storage.go
package cdp

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

const storageScript = `(() => {
  const out = { origin: location.origin, items: {} };
  try { Object.assign(out.items, window.localStorage); } catch (e) {}
  return out;
})()`

// StorageState implements browser.Tab: every cookie of the page's browser
// context plus localStorage of the current origin.
func (t *Tab) StorageState(ctx context.Context) (*schemas.StorageState, error) {
	var cookies []*network.Cookie
	var local struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	err := t.run(ctx, 0,
		chromedp.ActionFunc(func(c context.Context) (err error) {
			cookies, err = storage.GetCookies().WithBrowserContextID(t.contextID).Do(c)
			return err
		}),
		chromedp.Evaluate(storageScript, &local),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}

	state := &schemas.StorageState{Cookies: fromCDPCookies(cookies)}
	if local.Origin != "" && local.Origin != "null" {
		state.Origin = local.Origin
	}
	if len(local.Items) > 0 {
		state.LocalStorage = local.Items
	}
	return state, nil
}

// ApplyStorageState implements browser.Tab. Cookies are set immediately;
// localStorage is written by a script that runs when the next document of
// the state's origin loads.
func (t *Tab) ApplyStorageState(ctx context.Context, state *schemas.StorageState) error {
	if state.Empty() {
		return nil
	}
	params := toCookieParams(state)
	if dropped := len(state.Cookies) - len(params); dropped > 0 {
		t.logger.Debug("Skipping cookies without domain or origin.", zap.Int("count", dropped))
	}
	if len(params) > 0 {
		if err := t.run(ctx, 0, network.SetCookies(params)); err != nil {
			return fmt.Errorf("failed to set cookies: %w", err)
		}
	}

	if len(state.LocalStorage) == 0 || state.Origin == "" {
		return nil
	}
	script, err := localStorageScript(state.Origin, state.LocalStorage)
	if err != nil {
		return err
	}
	var id page.ScriptIdentifier
	err = t.run(ctx, 0, chromedp.ActionFunc(func(c context.Context) (err error) {
		id, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		return err
	}))
	if err != nil {
		return fmt.Errorf("failed to schedule localStorage restore: %w", err)
	}
	t.mu.Lock()
	t.initScripts = append(t.initScripts, id)
	t.mu.Unlock()
	return nil
}

// dropInitScripts removes one-shot restore scripts after a navigation, so a
// reused page does not keep rewriting stale storage.
func (t *Tab) dropInitScripts() {
	t.mu.Lock()
	ids := t.initScripts
	t.initScripts = nil
	t.mu.Unlock()
	if len(ids) == 0 || t.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(t.executor(), cleanupTimeout)
	defer cancel()
	for _, id := range ids {
		if err := page.RemoveScriptToEvaluateOnNewDocument(id).Do(ctx); err != nil {
			t.logger.Debug("Failed to remove storage restore script.", zap.Error(err))
		}
	}
}

func localStorageScript(origin string, items map[string]string) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode localStorage: %w", err)
	}
	return fmt.Sprintf(`(() => {
  if (location.origin !== %s) return;
  const items = %s;
  try { for (const [k, v] of Object.entries(items)) window.localStorage.setItem(k, v); } catch (e) {}
})()`, jsString(origin), data), nil
}

func fromCDPCookies(in []*network.Cookie) []schemas.Cookie {
	out := make([]schemas.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		expires := c.Expires
		if c.Session {
			expires = -1
		}
		out = append(out, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: schemas.CookieSameSite(c.SameSite),
		})
	}
	return out
}

func toCookieParams(state *schemas.StorageState) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		if p.Domain == "" {
			if state.Origin == "" {
				continue
			}
			p.URL = state.Origin
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			ts := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)).UTC())
			p.Expires = &ts
		}
		params = append(params, p)
	}
	return params
}
