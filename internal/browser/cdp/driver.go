// File: internal/browser/cdp/driver.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/internal/browser"
	"github.com/xkilldash9x/phantomfetch/internal/browser/stealth"
	"github.com/xkilldash9x/phantomfetch/internal/config"
)

const (
	connectTimeout = 60 * time.Second
	cleanupTimeout = 5 * time.Second
)

// ErrNoPages is returned when attaching to a remote browser that has no open page.
var ErrNoPages = errors.New("no open page targets in browser")

// Options configures how drivers launch or connect to a browser.
type Options struct {
	Headless        bool
	IgnoreTLSErrors bool
	// Args are extra command line flags for a locally launched browser, as
	// "--name" or "--name=value".
	Args    []string
	Persona stealth.Persona
	Logger  *zap.Logger
}

// OptionsFrom maps the browser configuration onto driver Options.
func OptionsFrom(bc config.BrowserConfig, logger *zap.Logger) Options {
	return Options{
		Headless:        bc.Headless,
		IgnoreTLSErrors: bc.IgnoreTLSErrors,
		Args:            bc.Args,
		Persona:         stealth.PersonaFrom(bc.Persona),
		Logger:          logger,
	}
}

// NewDialer returns a browser.Dialer backed by chromedp.
func NewDialer(opts Options) browser.Dialer {
	return func(ctx context.Context, endpoint string) (browser.Driver, error) {
		return Dial(ctx, endpoint, opts)
	}
}

// Driver owns one chromedp browser connection.
type Driver struct {
	opts   Options
	logger *zap.Logger
	remote bool

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	existing *Tab
	closed   bool
}

var _ browser.Driver = (*Driver)(nil)

// Dial launches a local browser when endpoint is empty, otherwise connects to
// the DevTools endpoint. ctx bounds the connection attempt only; the browser
// lives until Close.
func Dial(ctx context.Context, endpoint string, opts Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Persona.UserAgent == "" {
		opts.Persona = stealth.DefaultPersona
	}
	d := &Driver{opts: opts, logger: logger.Named("cdp_driver"), remote: endpoint != ""}

	root := context.WithoutCancel(ctx)
	var allocCtx context.Context
	if d.remote {
		allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(root, endpoint)
	} else {
		allocCtx, d.allocCancel = chromedp.NewExecAllocator(root, allocatorOptions(opts)...)
	}
	d.browserCtx, d.browserCancel = chromedp.NewContext(allocCtx)

	connected := make(chan error, 1)
	go func() {
		if d.remote {
			// Targets connects without opening a page of our own.
			_, err := chromedp.Targets(d.browserCtx)
			connected <- err
			return
		}
		connected <- chromedp.Run(d.browserCtx)
	}()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case err := <-connected:
		if err != nil {
			d.shutdown()
			return nil, fmt.Errorf("failed to connect to browser: %w", err)
		}
	case <-ctx.Done():
		d.shutdown()
		return nil, fmt.Errorf("failed to connect to browser: %w", ctx.Err())
	case <-timer.C:
		d.shutdown()
		return nil, fmt.Errorf("failed to connect to browser: timed out after %s", connectTimeout)
	}

	d.logger.Info("Browser connected.", zap.Bool("remote", d.remote), zap.Bool("headless", opts.Headless || d.remote))
	return d, nil
}

// NewTab opens a page inside a fresh browser context, so cookies and storage
// never leak between fetches. The context routes through proxy when it is
// set, answering the proxy's auth challenges with the URL's credentials.
func (d *Driver) NewTab(ctx context.Context, proxy string) (browser.Tab, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	create := target.CreateBrowserContext().WithDisposeOnDetach(true)
	var creds *url.Userinfo
	if proxy != "" {
		server, user, err := proxySettings(proxy)
		if err != nil {
			return nil, err
		}
		create = create.WithProxyServer(server)
		creds = user
	}

	ctrl, cancel := bound(d.controller(), ctx, 0)
	defer cancel()

	contextID, err := create.Do(ctrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(contextID).Do(ctrl)
	if err != nil {
		d.disposeContext(contextID)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(targetID))
	tab := newTab(tabCtx, tabCancel, d.logger, "")
	tab.onClose = func() { d.disposeContext(contextID) }
	tab.contextID = contextID
	tab.proxyAuth = creds

	if err := tab.init(ctx, stealth.Apply(d.opts.Persona, d.logger)); err != nil {
		_ = tab.Close()
		return nil, fmt.Errorf("failed to set up page: %w", err)
	}
	return tab, nil
}

// ExistingTab attaches to the first open page and returns it on every call.
func (d *Driver) ExistingTab(ctx context.Context) (browser.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("browser driver is closed")
	}
	if d.existing != nil && d.existing.ctx.Err() == nil {
		return d.existing, nil
	}

	targets, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	info := firstPage(targets)
	if info == nil {
		return nil, ErrNoPages
	}

	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(info.TargetID))
	tab := newTab(tabCtx, tabCancel, d.logger, info.URL)
	// The page belongs to whoever opened the browser; leave its identity alone.
	if err := tab.init(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to attach to page %s: %w", info.TargetID, err)
	}
	d.existing = tab
	d.logger.Info("Attached to existing page.", zap.String("target_id", string(info.TargetID)), zap.String("url", info.URL))
	return tab, nil
}

// Close detaches from a remote browser or shuts down a local one.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	existing := d.existing
	d.existing = nil
	d.mu.Unlock()

	if existing != nil {
		existing.detach()
	}
	d.shutdown()
	d.logger.Info("Browser driver closed.", zap.Bool("remote", d.remote))
	return nil
}

func (d *Driver) shutdown() {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
}

func (d *Driver) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("browser driver is closed")
	}
	return nil
}

// controller returns a context whose executor is the browser itself, for
// target and browser-context management.
func (d *Driver) controller() context.Context {
	c := chromedp.FromContext(d.browserCtx)
	return cdp.WithExecutor(d.browserCtx, c.Browser)
}

func (d *Driver) disposeContext(id cdp.BrowserContextID) {
	if d.browserCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.controller(), cleanupTimeout)
	defer cancel()
	if err := target.DisposeBrowserContext(id).Do(ctx); err != nil {
		d.logger.Debug("Failed best-effort cleanup of browser context.", zap.String("browserContextID", string(id)), zap.Error(err))
	}
}

func firstPage(targets []*target.Info) *target.Info {
	for _, t := range targets {
		if t.Type == "page" {
			return t
		}
	}
	return nil
}

// allocatorOptions builds the launch flags for a local browser. The
// automation switch is removed so navigator.webdriver is not advertised.
func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("headless", opts.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if opts.Persona.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.Persona.UserAgent))
	}
	if opts.IgnoreTLSErrors {
		out = append(out, chromedp.IgnoreCertErrors)
	}
	for _, f := range parseArgs(opts.Args) {
		out = append(out, chromedp.Flag(f.name, f.value))
	}
	return out
}

type flag struct {
	name  string
	value any
}

// parseArgs turns "--name=value" and "--name" into chromedp flags.
func parseArgs(args []string) []flag {
	flags := make([]flag, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			flags = append(flags, flag{name: name, value: value})
			continue
		}
		flags = append(flags, flag{name: arg, value: true})
	}
	return flags
}
