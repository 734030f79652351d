// Package commands provides the CLI commands for myagents.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/walkley/myagents/internal/config"
	"github.com/walkley/myagents/internal/cron"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/storage"
	"github.com/walkley/myagents/internal/stream"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

// loaded in PersistentPreRunE
var (
	appConfig *config.Config
	logFile   io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "myagents",
	Short: "myagents - multi-tab agent chat client",
	Long: `myagents drives agent sessions from a terminal. Each tab talks to the
sidecar over HTTP and a live event stream; cron tasks keep running in
whichever tab currently shows their session.

Run 'myagents sidecar' to start the backend and 'myagents chat' to talk to it.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "dir", "", "Workspace directory (default: current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("myagents %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sidecarCmd)
	rootCmd.AddCommand(cronCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	workDir = dir

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appConfig = cfg

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(level, logging.WarnLevel)
	if printLogs {
		logCfg.Pretty = true
	} else {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		f, err := os.OpenFile(paths.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = f
		logFile = f
	}
	logging.Init(logCfg)
	return nil
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return filepath.Abs(dir)
	}
	return os.Getwd()
}

func reconnectPolicy(cfg *config.Config) stream.ReconnectPolicy {
	p := stream.DefaultReconnectPolicy()
	p.InitialInterval = config.Duration(cfg.Reconnect.InitialInterval, p.InitialInterval)
	p.MaxInterval = config.Duration(cfg.Reconnect.MaxInterval, p.MaxInterval)
	if cfg.Reconnect.Multiplier > 0 {
		p.Multiplier = cfg.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxRetries > 0 {
		p.MaxRetries = uint64(cfg.Reconnect.MaxRetries)
	}
	return p
}

// openRegistry opens the cron registry named by the config. File
// registries follow writes made by other processes.
func openRegistry(ctx context.Context, cfg *config.Config) (cron.Registry, func() error, error) {
	if cfg.Registry == config.RegistryMemory {
		r := cron.NewMemoryRegistry()
		return r, r.Close, nil
	}
	r := cron.NewFileRegistry(storage.New(cfg.Registry))
	if err := r.StartWatching(ctx); err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("watch cron registry: %w", err)
	}
	return r, r.Close, nil
}

func requestTimeout(cfg *config.Config) time.Duration {
	return config.Duration(cfg.Timeout, 30*time.Second)
}
