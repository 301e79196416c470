// Command dagflow validates task templates, runs them once, and serves a
// queue-driven worker pool against a durable store.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/dagflow/internal/config"
	"github.com/petrijr/dagflow/internal/logger"
	"github.com/petrijr/dagflow/pkg/api"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
	ExitBlocked    = 3
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "dagflow",
	Short:         "Durable DAG workflow engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the dagflow YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json); overrides the config")

	rootCmd.AddCommand(validateCmd, runCmd, serveCmd, tasksCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps command errors to process exit codes.
func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case api.IsRetryExhausted(err):
		return ExitBlocked
	default:
		return ExitFailure
	}
}

// usageError marks errors caused by bad flags or arguments.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

// loadConfig reads --config, or returns the defaults when no file is given.
// Log flags win over the file.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configPath); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}
