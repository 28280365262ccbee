package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/engine"
	"github.com/xkilldash9x/phantomfetch/internal/fetcher"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fetchFlags holds the per-call options of the fetch command. Settings that
// also exist in the config file are bound to viper instead.
type fetchFlags struct {
	headers          []string
	referer          string
	proxy            string
	resourceType     string
	waitForURL       string
	actions          string
	block            []string
	newPage          bool
	storageState     string
	saveStorageState string
	harPath          string
	output           string
	asJSON           bool
}

// summary is the --json view of a Response. The body is written separately.
type summary struct {
	URL           string                 `json:"url"`
	Status        int                    `json:"status"`
	OK            bool                   `json:"ok"`
	Error         string                 `json:"error,omitempty"`
	Engine        string                 `json:"engine,omitempty"`
	ElapsedSecs   float64                `json:"elapsed"`
	FromCache     bool                   `json:"from_cache"`
	Headers       http.Header            `json:"headers,omitempty"`
	Exchanges     int                    `json:"network_exchanges"`
	ActionResults []schemas.ActionResult `json:"action_results,omitempty"`
	BodyBytes     int                    `json:"body_bytes"`
}

func newFetchCmd(a *app) *cobra.Command {
	var ff fetchFlags

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL and write its body to stdout",
		Long: `Fetch retrieves a single URL with the HTTP engine (default) or a real
browser. Browser fetches can run a JSON action script, wait for a URL
pattern and export their network log as HAR.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return a.bindAndReload(cmd.Flags(), fetchBindings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), cmd, a, ff, args[0])
		},
	}

	flags := fetchCmd.Flags()
	flags.StringP("engine", "e", "", "engine to use: http or browser")
	flags.Duration("timeout", 0, "timeout for the whole fetch")
	flags.Int("max-retries", 0, "HTTP attempts before giving up")
	flags.StringSlice("proxies", nil, "proxy URLs to rotate through")
	flags.String("proxy-strategy", "", "proxy rotation: round_robin, random or least_failures")
	flags.Bool("cache", false, "enable the on-disk response cache")
	flags.String("cache-dir", "", "cache directory")
	flags.String("cache-strategy", "", "cache strategy: all, resources or conservative")
	flags.String("cdp-endpoint", "", "ws:// DevTools endpoint of a running browser")
	flags.Bool("headful", false, "show the locally launched browser window")

	flags.StringArrayVarP(&ff.headers, "header", "H", nil, `extra request header, "Name: value" (repeatable)`)
	flags.StringVar(&ff.referer, "referer", "", "Referer header")
	flags.StringVar(&ff.proxy, "proxy", "", "proxy URL for this call, bypassing the pool")
	flags.StringVar(&ff.resourceType, "resource-type", "", "resource type used for cache decisions (default document)")
	flags.StringVar(&ff.waitForURL, "wait-for-url", "", "glob the page URL must match after navigation (browser)")
	flags.StringVar(&ff.actions, "actions", "", "JSON action list, or @file to read it from a file (browser)")
	flags.StringSliceVar(&ff.block, "block", nil, "resource types to block, e.g. image,font,media (browser)")
	flags.BoolVar(&ff.newPage, "new-page", false, "open a new page even when attached over CDP (browser)")
	flags.StringVar(&ff.storageState, "storage-state", "", "storage state JSON file to restore before navigating (browser)")
	flags.StringVar(&ff.saveStorageState, "save-storage-state", "", "write the resulting storage state to this file (browser)")
	flags.StringVar(&ff.harPath, "har", "", "write the network log as HAR to this file (browser)")
	flags.StringVarP(&ff.output, "output", "o", "", "write the body to this file instead of stdout")
	flags.BoolVar(&ff.asJSON, "json", false, "print a JSON summary of the response instead of the body")

	return fetchCmd
}

// fetchBindings maps config keys to the fetch flags that override them.
var fetchBindings = map[string]string{
	"fetcher.default_engine": "engine",
	"fetcher.timeout":        "timeout",
	"fetcher.max_retries":    "max-retries",
	"proxy.urls":             "proxies",
	"proxy.strategy":         "proxy-strategy",
	"cache.enabled":          "cache",
	"cache.dir":              "cache-dir",
	"cache.strategy":         "cache-strategy",
	"browser.cdp_endpoint":   "cdp-endpoint",
}

func runFetch(ctx context.Context, cmd *cobra.Command, a *app, ff fetchFlags, rawURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.GetLogger().Named("cli")
	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		a.cfg.Browser.Headless = false
	}

	opts, err := ff.options(a.cfg.Fetcher.DefaultEngine)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("new-page") {
		opts.UseExistingPage = engine.Bool(!ff.newPage)
	}

	f, err := fetcher.NewFromConfig(a.cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fetcher: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("Failed to close fetcher.", zap.Error(err))
		}
	}()

	resp, err := f.Fetch(ctx, normalizeTarget(rawURL), opts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if ff.harPath != "" {
		if err := writeFileWith(ff.harPath, func(w io.Writer) error { return schemas.WriteHAR(w, resp) }); err != nil {
			return fmt.Errorf("failed to write HAR: %w", err)
		}
		logger.Info("Wrote HAR.", zap.String("path", ff.harPath), zap.Int("entries", len(resp.NetworkLog)))
	}
	if ff.saveStorageState != "" && resp.StorageState != nil {
		if err := writeFileWith(ff.saveStorageState, func(w io.Writer) error { return encodeIndented(w, resp.StorageState) }); err != nil {
			return fmt.Errorf("failed to write storage state: %w", err)
		}
	}

	if err := ff.writeResult(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("fetch failed: status %d: %s", resp.Status, resp.Error)
	}
	return nil
}

// options translates the flags into per-call fetcher options.
func (ff fetchFlags) options(engineKind string) (fetcher.Options, error) {
	opts := fetcher.Options{Engine: engineKind}
	opts.Referer = ff.referer
	opts.Proxy = ff.proxy
	opts.ResourceType = ff.resourceType
	opts.WaitForURL = ff.waitForURL
	opts.BlockResources = ff.block

	headers, err := parseHeaders(ff.headers)
	if err != nil {
		return opts, err
	}
	opts.Headers = headers

	if ff.actions != "" {
		data, err := readArg(ff.actions)
		if err != nil {
			return opts, fmt.Errorf("failed to read actions: %w", err)
		}
		actions, err := schemas.DecodeActions(data)
		if err != nil {
			return opts, err
		}
		opts.Actions = actions
	}

	if ff.storageState != "" {
		data, err := os.ReadFile(ff.storageState)
		if err != nil {
			return opts, fmt.Errorf("failed to read storage state: %w", err)
		}
		var state schemas.StorageState
		if err := json.Unmarshal(data, &state); err != nil {
			return opts, fmt.Errorf("invalid storage state %s: %w", ff.storageState, err)
		}
		opts.StorageState = &state
	}
	return opts, nil
}

func (ff fetchFlags) writeResult(stdout io.Writer, resp *schemas.Response) error {
	if ff.asJSON {
		return encodeIndented(stdout, summary{
			URL:           resp.URL,
			Status:        resp.Status,
			OK:            resp.OK(),
			Error:         resp.Error,
			Engine:        resp.Engine,
			ElapsedSecs:   resp.Elapsed.Seconds(),
			FromCache:     resp.FromCache,
			Headers:       resp.Headers,
			Exchanges:     len(resp.NetworkLog),
			ActionResults: resp.ActionResults,
			BodyBytes:     len(resp.Body),
		})
	}
	if ff.output != "" {
		return writeFileWith(ff.output, func(w io.Writer) error {
			_, err := w.Write(resp.Body)
			return err
		})
	}
	_, err := stdout.Write(resp.Body)
	return err
}

// parseHeaders turns "Name: value" pairs into a map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// readArg returns s itself, or the contents of the file when s is "@path".
func readArg(s string) ([]byte, error) {
	if path, ok := strings.CutPrefix(s, "@"); ok {
		return os.ReadFile(path)
	}
	return []byte(s), nil
}

// normalizeTarget adds https:// to bare hosts.
func normalizeTarget(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
}

func encodeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFileWith(path string, write func(io.Writer) error) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	return write(file)
}
