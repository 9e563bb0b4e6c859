// Package cli implements the facetrace command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/logger"
)

// BuildInfo is stamped at link time.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

type commandContext struct {
	configFlag   string
	envFileFlag  string
	logLevelFlag string
	build        BuildInfo

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *logger.Logger
	loggerErr  error
}

// ensureConfig loads .env files, the YAML file and FACETRACE_* overrides
// once per process.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if f := strings.TrimSpace(c.envFileFlag); f != "" {
			config.LoadDotEnv(f)
		} else {
			config.LoadDotEnv()
		}

		cfg, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		c.applyOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		if err := cfg.EnsureDirs(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// applyOverrides applies command line flags on top of a loaded config.
func (c *commandContext) applyOverrides(cfg *config.Config) {
	if c.logLevelFlag != "" {
		cfg.Log.Level = c.logLevelFlag
	}
}

func (c *commandContext) ensureLogger() (*logger.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logger.New(logger.LogConfig{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		})
	})
	return c.logger, c.loggerErr
}

// NewRootCommand builds the command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	cc := &commandContext{build: build}

	rootCmd := &cobra.Command{
		Use:           "facetrace",
		Short:         "Find a reference face in videos and live camera streams",
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&cc.configFlag, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&cc.envFileFlag, "env-file", "", "Load environment variables from this file (default .env)")
	rootCmd.PersistentFlags().StringVar(&cc.logLevelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newServeCommand(cc),
		newScanCommand(cc),
		newResultsCommand(cc),
		newVideosCommand(cc),
		newReportCommand(cc),
		newClearCommand(cc),
		newProbeCommand(cc),
		newPruneCommand(cc),
	)
	return rootCmd
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute(build BuildInfo) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(build).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
