// Package main is the researchd binary: the relay server plus client and
// maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "researchd",
	Short:         "Run research pipelines and relay their progress to subscribers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "researchd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithPath(configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Client commands log to stderr so
// their stdout stays machine readable.
func newLogger(cfg *config.Config, output string) (*logger.Logger, error) {
	if output == "" {
		output = cfg.Logging.OutputPath
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: output,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}
