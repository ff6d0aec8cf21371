package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded collection passes",
	Long: `Display collection passes recorded by 'jsmem simulate --record' or the
inspector server, newest first, followed by a summary of all passes.`,
	Run: runHistory,
}

var (
	historyLimit   int
	historyOneline bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "n", "n", 20, "Limit the number of passes to show")
	historyCmd.Flags().BoolVar(&historyOneline, "oneline", false, "Show each pass on a single line")
}

func runHistory(cmd *cobra.Command, args []string) {
	c := initContext().withHistory()
	defer c.Close()

	ctx := context.Background()
	runs, err := c.History.Recent(ctx, historyLimit)
	if err != nil {
		exitError("failed to read history: %v", err)
	}

	if len(runs) == 0 {
		fmt.Println("No collections recorded yet")
		return
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	for _, run := range runs {
		if historyOneline {
			yellow.Printf("%s ", shortID(run.ID))
			cyan.Printf("%-14s ", run.Strategy)
			fmt.Printf("%6d collected %8.3fms\n", run.Collected, run.DurationMs)
			continue
		}

		yellow.Printf("pass %s", run.ID)
		cyan.Printf(" [%s]\n", run.Strategy)
		fmt.Printf("Date:      %s\n", run.StartedAt.Format("Mon Jan 2 15:04:05.000 2006"))
		if run.Label != "" {
			fmt.Printf("Label:     %s\n", run.Label)
		}
		green.Printf("Collected: %d objects, %s\n", run.Collected, humanize.IBytes(uint64(run.FreedBytes)))
		fmt.Printf("Live:      %d objects, %s\n", run.LiveObjects, humanize.IBytes(uint64(run.HeapSize)))
		fmt.Printf("Duration:  %.3fms\n\n", run.DurationMs)
	}

	sum, err := c.History.Summary(ctx)
	if err != nil {
		exitError("failed to summarize history: %v", err)
	}
	fmt.Println()
	color.New(color.FgCyan, color.Bold).Println("Summary")
	fmt.Printf("  passes:    %d\n", sum.Runs)
	fmt.Printf("  collected: %d objects, %s\n", sum.Collected, humanize.IBytes(uint64(sum.FreedBytes)))
	fmt.Printf("  duration:  avg %.3fms, max %.3fms\n", sum.AvgDurationMs, sum.MaxDurationMs)
}
