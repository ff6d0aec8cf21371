package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/jsmem/internal/config"
	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/history"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new jsmem workspace",
	Long: `Initialize a new jsmem workspace in the current directory.
This creates a .jsmem directory holding jsmem.toml and the snapshot and
history databases.`,
	Run: runInit,
}

var initStrategy string

func init() {
	initCmd.Flags().StringVar(&initStrategy, "strategy", gc.MarkAndSweep.String(), "Default collection strategy")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("jsmem workspace already exists")
	}

	strategy, err := gc.ParseStrategy(initStrategy)
	if err != nil {
		exitError("%v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	cfg, err := config.Initialize(wd)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	if strategy != gc.MarkAndSweep {
		cfg.GC.Strategy = strategy.String()
		if err := cfg.Save(); err != nil {
			exitError("failed to save config: %v", err)
		}
	}

	// Create the history schema now so later commands only migrate.
	hs, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		exitError("failed to create history store: %v", err)
	}
	hs.Close()

	fmt.Printf("Initialized jsmem workspace in %s/\n", config.Dir)
	fmt.Printf("Strategy: %s\n", cfg.GC.Strategy)
	fmt.Printf("\nRun 'jsmem simulate' to run a workload.\n")
}
