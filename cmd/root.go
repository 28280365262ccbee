// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/internal/config"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
)

// app carries the state shared by one root command and its children.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Each call gets its own viper
// instance, so flags from one execution never leak into the next.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "phantomfetch",
		Short:         "PhantomFetch retrieves web content over HTTP or a real browser.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initializeConfig(); err != nil {
				// Still give the user a logger to report the failure with.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "phantomfetch"})
				return err
			}
			observability.InitializeLogger(a.cfg.Logger)
			observability.GetLogger().Debug("Starting PhantomFetch", zap.String("version", Version))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newFetchCmd(a),
		newCacheCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI with ctx, which main makes signal aware.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig layers defaults, the config file and PHANTOMFETCH_*
// environment variables, then validates the result.
func (a *app) initializeConfig() error {
	config.SetDefaults(a.v)
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	config.BindEnv(a.v)

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return a.reload()
}

// bindAndReload lets the given flags override their config keys, then
// rebuilds the configuration.
func (a *app) bindAndReload(flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return a.reload()
}

// reload unmarshals the configuration again, picking up flags bound since
// the last call.
func (a *app) reload() error {
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}
