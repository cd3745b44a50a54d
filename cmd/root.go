// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// NewRootCommand builds the command tree. A fresh tree is created per
// execution so flag state never leaks between runs.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "llpkmn",
		Short:   "Drives a Game Boy emulator with a vision language model.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This function runs before any command, setting up config and logging.
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "llpkmn"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "llpkmn"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting llpkmn", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("bridge-host", "", "Bridge host (overrides config/env)")
	rootCmd.PersistentFlags().Int("bridge-port", 0, "Bridge port (overrides config/env)")
	rootCmd.PersistentFlags().String("screenshot-dir", "", "Shared screenshot directory (overrides config/env)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.SetVersionTemplate(`{{printf "llpkmn version %s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTapCmd())
	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newStepsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with the signal-aware context from main.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Interrupted, shutting down")
		} else {
			// Use the logger if available, otherwise fallback to stderr
			if logger := observability.GetLogger(); logger != nil {
				logger.Error("Command execution failed", zap.Error(err))
			} else {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
	observability.Sync()
	return err
}

// flagKeys maps command line flags onto their configuration keys. Only flags
// that were explicitly set override the config file and environment.
var flagKeys = map[string]string{
	"bridge-host":     "bridge.host",
	"bridge-port":     "bridge.port",
	"screenshot-dir":  "screenshots.dir",
	"log-level":       "logger.level",
	"mode":            "agent.loop.mode",
	"max-steps":       "agent.loop.max_steps",
	"history-limit":   "agent.loop.history_limit",
	"step-interval":   "agent.loop.step_interval",
	"step-timeout":    "agent.loop.step_timeout",
	"skip-unparsable": "agent.loop.skip_unparsable",
	"journal":         "journal.type",
	"journal-path":    "journal.path",
}

// initializeConfig reads in the config file and environment variables and
// binds the flags that were set on the command line.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LLPKMN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// configFromContext returns the validated configuration stored by PersistentPreRunE.
func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return cfg, nil
}
