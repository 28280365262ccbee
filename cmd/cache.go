package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/internal/cache"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
)

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the on-disk response cache",
	}
	cacheCmd.PersistentFlags().String("cache-dir", "", "cache directory")
	bind := func(cmd *cobra.Command, args []string) error {
		return a.bindAndReload(cmd.Flags(), map[string]string{"cache.dir": "cache-dir"})
	}

	cacheCmd.AddCommand(
		&cobra.Command{
			Use:     "purge",
			Short:   "Delete expired and unreadable cache entries",
			Args:    cobra.NoArgs,
			PreRunE: bind,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.openCache()
				if err != nil {
					return err
				}
				removed, err := c.Purge(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to purge cache: %w", err)
				}
				observability.GetLogger().Info("Cache purged.", zap.String("dir", c.Dir()), zap.Int("removed", removed))
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries from %s\n", removed, c.Dir())
				return err
			},
		},
		&cobra.Command{
			Use:     "clear",
			Short:   "Delete every cache entry",
			Args:    cobra.NoArgs,
			PreRunE: bind,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.openCache()
				if err != nil {
					return err
				}
				if err := c.Clear(); err != nil {
					return fmt.Errorf("failed to clear cache: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", c.Dir())
				return err
			},
		},
	)
	return cacheCmd
}

func (a *app) openCache() (*cache.FileSystemCache, error) {
	strategy, err := cache.ParseStrategy(a.cfg.Cache.Strategy)
	if err != nil {
		return nil, err
	}
	return cache.New(cache.Config{
		Dir:        a.cfg.Cache.Dir,
		Strategy:   strategy,
		DefaultTTL: a.cfg.Cache.DefaultTTL,
	}, observability.GetLogger())
}
