package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage heap snapshots",
	Long:  "List, inspect and delete heap snapshots saved by 'jsmem simulate --snapshot'.",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved snapshots",
	Args:  cobra.NoArgs,
	Run:   runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a snapshot's objects and roots",
	Long: `Show a snapshot's metadata, a breakdown of its objects by type and
generation, and its root table. The id may be abbreviated.`,
	Args: cobra.ExactArgs(1),
	Run:  runSnapshotShow,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	Run:   runSnapshotDelete,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

// resolveSnapshot finds the snapshot whose ID starts with prefix.
func resolveSnapshot(ctx context.Context, st *snapshot.Store, prefix string) (*snapshot.Snapshot, error) {
	if snap, err := st.Get(ctx, prefix); err == nil {
		return snap, nil
	} else if !errors.Is(err, snapshot.ErrNotFound) {
		return nil, err
	}

	snaps, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	var match *snapshot.Snapshot
	for _, s := range snaps {
		if strings.HasPrefix(s.ID, prefix) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous snapshot id %q", prefix)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%q: %w", prefix, snapshot.ErrNotFound)
	}
	return match, nil
}

func runSnapshotList(cmd *cobra.Command, args []string) {
	c := initContext().withSnapshots()
	defer c.Close()

	snaps, err := c.Snapshots.List(context.Background())
	if err != nil {
		exitError("failed to list snapshots: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots")
		return
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	for _, s := range snaps {
		yellow.Printf("%s ", shortID(s.ID))
		cyan.Printf("%-14s ", s.Strategy)
		fmt.Printf("%6d objects %8s  %s  %s\n", s.ObjectCount, humanize.IBytes(uint64(s.HeapSize)),
			s.CreatedAt.Format("2006-01-02 15:04:05"), s.Label)
	}
}

func runSnapshotShow(cmd *cobra.Command, args []string) {
	c := initContext().withSnapshots()
	defer c.Close()

	ctx := context.Background()
	snap, err := resolveSnapshot(ctx, c.Snapshots, args[0])
	if err != nil {
		exitError("%v", err)
	}
	img, err := c.Snapshots.Load(ctx, snap.ID)
	if err != nil {
		exitError("failed to load snapshot: %v", err)
	}

	yellow := color.New(color.FgYellow)
	bold := color.New(color.FgCyan, color.Bold)

	yellow.Printf("snapshot %s\n", snap.ID)
	fmt.Printf("Label:    %s\n", snap.Label)
	fmt.Printf("Date:     %s (%s)\n", snap.CreatedAt.Format("Mon Jan 2 15:04:05 2006"), humanize.Time(snap.CreatedAt))
	fmt.Printf("Strategy: %s\n", snap.Strategy)
	fmt.Printf("Heap:     %d objects, %s\n", len(img.Objects), humanize.IBytes(uint64(img.HeapSize())))

	byType := make(map[string]int)
	byGen := make(map[uint8]int)
	for _, obj := range img.Objects {
		byType[obj.ObjectType]++
		byGen[obj.Generation]++
	}

	fmt.Println()
	bold.Println("Objects by type")
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return byType[types[i]] > byType[types[j]] })
	for _, t := range types {
		fmt.Printf("  %-12s %d\n", t, byType[t])
	}

	fmt.Println()
	bold.Println("Objects by generation")
	gens := make([]int, 0, len(byGen))
	for g := range byGen {
		gens = append(gens, int(g))
	}
	sort.Ints(gens)
	for _, g := range gens {
		fmt.Printf("  gen %d        %d\n", g, byGen[uint8(g)])
	}

	fmt.Println()
	bold.Println("Roots")
	if len(img.Roots) == 0 {
		fmt.Println("  (none)")
	}
	for _, r := range img.Roots {
		printRoot(r)
	}
}

func printRoot(r gc.RootReference) {
	color.New(color.FgGreen).Printf("  %-16s", r.ID)
	fmt.Printf(" %-8s %d objects\n", r.RootType, len(r.ObjectIDs))
}

func runSnapshotDelete(cmd *cobra.Command, args []string) {
	c := initContext().withSnapshots()
	defer c.Close()

	ctx := context.Background()
	snap, err := resolveSnapshot(ctx, c.Snapshots, args[0])
	if err != nil {
		exitError("%v", err)
	}
	if err := c.Snapshots.Delete(ctx, snap.ID); err != nil {
		exitError("failed to delete snapshot: %v", err)
	}
	fmt.Printf("Deleted snapshot %s\n", shortID(snap.ID))
}
