// Package cli implements the command-line interface for jsmem.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/jsmem/internal/config"
	"github.com/kilupskalvis/jsmem/internal/history"
	"github.com/kilupskalvis/jsmem/internal/snapshot"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var verbose bool

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config    *config.Config
	Logger    *slog.Logger
	Snapshots *snapshot.Store
	History   *history.Store
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Snapshots != nil {
		c.Snapshots.Close()
	}
	if c.History != nil {
		c.History.Close()
	}
}

// initContext loads the workspace config (no stores)
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger()}
}

// withSnapshots opens the snapshot database
func (c *cmdContext) withSnapshots() *cmdContext {
	st, err := snapshot.Open(c.Config.SnapshotDBPath())
	if err != nil {
		c.Close()
		exitError("failed to open snapshot store: %v", err)
	}
	c.Snapshots = st
	return c
}

// withHistory opens the history database and runs migrations
func (c *cmdContext) withHistory() *cmdContext {
	st, err := history.Open(c.Config.HistoryDBPath())
	if err != nil {
		c.Close()
		exitError("failed to open history store: %v", err)
	}
	c.History = st
	return c
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:   "jsmem",
	Short: "JavaScript object memory simulator",
	Long: `jsmem runs the object memory core of a JavaScript engine: a garbage
collector with several strategies, inline caches and a shape registry.
Simulate workloads, record collection history and keep heap snapshots.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
