// File: internal/cache/cache.go
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultDir is used when Config.Dir is empty.
const DefaultDir = ".phantomfetch_cache"

// Config configures a FileSystemCache.
type Config struct {
	Dir        string
	Strategy   Strategy
	DefaultTTL time.Duration
	// ExtraBlocked adds domains to the built-in tracking blocklist.
	ExtraBlocked []string
}

// entry is the on-disk record for one cached response.
type entry struct {
	URL          string            `json:"url"`
	ResourceType string            `json:"resource_type"`
	StoredAt     time.Time         `json:"stored_at"`
	Response     *schemas.Response `json:"response"`
}

// FileSystemCache persists responses as one JSON file per normalized URL.
// Expiry is decided at read time from the entry's resource type; nothing is
// evicted in the background. Concurrent readers are safe and concurrent
// writers of the same key resolve to last write wins.
type FileSystemCache struct {
	dir        string
	strategy   Strategy
	defaultTTL time.Duration
	blocked    map[string]struct{}
	logger     *zap.Logger
	now        func() time.Time
}

// New creates the cache directory if needed and returns a ready cache.
func New(cfg Config, logger *zap.Logger) (*FileSystemCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}

	dir := cfg.Dir
	if dir == "" {
		dir = DefaultDir
	}
	dir, err = homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	blocked := make(map[string]struct{}, len(trackingDomains)+len(cfg.ExtraBlocked))
	for _, d := range trackingDomains {
		blocked[d] = struct{}{}
	}
	for _, d := range cfg.ExtraBlocked {
		blocked[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	return &FileSystemCache{
		dir:        dir,
		strategy:   strategy,
		defaultTTL: ttl,
		blocked:    blocked,
		logger:     logger.Named("cache"),
		now:        time.Now,
	}, nil
}

// Dir returns the root directory of the cache.
func (c *FileSystemCache) Dir() string { return c.dir }

// Strategy returns the caching strategy in use.
func (c *FileSystemCache) Strategy() Strategy { return c.strategy }

// CacheKey returns the 32 character MD5 hex digest of the normalized URL.
func (c *FileSystemCache) CacheKey(rawURL string) string {
	return CacheKey(rawURL)
}

// CacheKey returns the 32 character MD5 hex digest of the normalized URL.
func CacheKey(rawURL string) string {
	sum := md5.Sum([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL canonicalizes a URL so trivially different spellings share a
// cache key: scheme and host are lowercased, default ports and fragments are
// dropped, an empty path becomes "/", and query parameters are sorted.
func NormalizeURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}

func (c *FileSystemCache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key+".json")
}

// Get returns the cached response for rawURL, or nil on a miss, a blocked
// URL, or an expired entry. Expired entries stay on disk until Purge.
func (c *FileSystemCache) Get(ctx context.Context, rawURL string) (*schemas.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ShouldBlock(rawURL) {
		return nil, nil
	}

	key := c.CacheKey(rawURL)
	e, err := c.read(c.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if e == nil {
		return nil, nil
	}

	if c.expired(e) {
		c.logger.Debug("Cache entry expired.", zap.String("url", rawURL), zap.String("resource_type", e.ResourceType))
		return nil, nil
	}

	resp := e.Response.Clone()
	resp.FromCache = true
	return resp, nil
}

// Set stores resp under rawURL with resource type "other".
func (c *FileSystemCache) Set(ctx context.Context, rawURL string, resp *schemas.Response) error {
	return c.SetResource(ctx, rawURL, schemas.ResourceOther, resp)
}

// SetResource stores resp under rawURL if the strategy caches resourceType
// and the URL is not blocked. Otherwise it does nothing.
func (c *FileSystemCache) SetResource(ctx context.Context, rawURL, resourceType string, resp *schemas.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil || !c.ShouldCacheRequest(resourceType) || c.ShouldBlock(rawURL) {
		return nil
	}

	stored := resp.Clone()
	stored.FromCache = false
	// Session state is per caller and must not be replayed from disk.
	stored.StorageState = nil
	stored.ActionResults = nil

	data, err := json.Marshal(entry{
		URL:          rawURL,
		ResourceType: strings.ToLower(resourceType),
		StoredAt:     c.now(),
		Response:     stored,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	key := c.CacheKey(rawURL)
	if err := writeAtomic(c.path(key), data); err != nil {
		return fmt.Errorf("failed to write cache entry for %s: %w", rawURL, err)
	}
	c.logger.Debug("Cached response.", zap.String("url", rawURL), zap.String("key", key))
	return nil
}

// Purge removes expired entries and returns how many were deleted. Unreadable
// entries are removed as well.
func (c *FileSystemCache) Purge(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		e, readErr := c.read(path)
		if readErr == nil && e != nil && !c.expired(e) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return rmErr
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache purge failed: %w", err)
	}
	return removed, nil
}

// Clear removes every entry but keeps the cache directory.
func (c *FileSystemCache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

func (c *FileSystemCache) expired(e *entry) bool {
	return c.now().Sub(e.StoredAt) > c.TTL(e.ResourceType)
}

// read loads an entry. A corrupt file reads as (nil, nil) so callers treat
// it as a miss.
func (c *FileSystemCache) read(path string) (*entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.Response == nil {
		c.logger.Debug("Ignoring unreadable cache entry.", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	return &e, nil
}

// writeAtomic writes through a temp file and a rename so readers never see a
// partial entry.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
