package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/jsmem/internal/engine"
	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/history"
	"github.com/kilupskalvis/jsmem/internal/icache"
	"github.com/kilupskalvis/jsmem/internal/pool"
	"github.com/kilupskalvis/jsmem/internal/snapshot"
	"github.com/kilupskalvis/jsmem/internal/workload"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic workload against the collector",
	Long: `Run concurrent mutators that allocate objects, link them, read and
write properties and drop stack frames. A full collection runs after every
round. Collector and inline cache statistics are printed at the end.

Examples:
  jsmem simulate
  jsmem simulate --strategy incremental --objects 1000 --rounds 10
  jsmem simulate --record --snapshot after-warmup
  jsmem simulate --from 3f2a9c01 --rounds 2`,
	Run: runSimulate,
}

var (
	simStrategy  string
	simObjects   int
	simMutators  int
	simRounds    int
	simKeep      float64
	simSeed      uint64
	simRecord    bool
	simSnapshot  string
	simShowShape bool
	simFrom      string
	simNoPool    bool
)

func init() {
	def := workload.DefaultOptions()
	f := simulateCmd.Flags()
	f.StringVar(&simStrategy, "strategy", "", "Collection strategy (default from jsmem.toml)")
	f.IntVar(&simObjects, "objects", def.ObjectsPerRound, "Objects allocated per mutator per round")
	f.IntVar(&simMutators, "mutators", def.Mutators, "Number of concurrent mutators")
	f.IntVar(&simRounds, "rounds", def.Rounds, "Number of rounds")
	f.Float64Var(&simKeep, "keep", def.KeepRatio, "Chance that a finished frame stays rooted")
	f.Uint64Var(&simSeed, "seed", def.Seed, "Random seed")
	f.BoolVar(&simRecord, "record", false, "Record every collection pass in the history database")
	f.StringVar(&simSnapshot, "snapshot", "", "Save a heap snapshot with this label when done")
	f.BoolVar(&simShowShape, "shapes", false, "List registered shapes")
	f.StringVar(&simFrom, "from", "", "Start from a saved heap snapshot instead of an empty heap")
	f.BoolVar(&simNoPool, "no-pool", false, "Switch memory pooling off for this run")
}

func runSimulate(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	gcCfg, err := c.Config.GCConfig()
	if err != nil {
		exitError("%v", err)
	}
	if simStrategy != "" {
		if gcCfg.Strategy, err = gc.ParseStrategy(simStrategy); err != nil {
			exitError("%v", err)
		}
	}

	pools := c.Config.NewPool(pool.WithLogger(c.Logger))
	if simNoPool {
		pools.SetEnabled(false)
	}
	opts := []gc.Option{
		gc.WithLogger(c.Logger),
		gc.WithAllocator(pools),
		gc.WithObserver(gc.ObserverFunc(func(gc.CollectionEvent) { pools.HandleMemoryPressure() })),
	}
	if simRecord {
		c.withHistory()
		label := fmt.Sprintf("simulate seed=%d", simSeed)
		opts = append(opts, gc.WithObserver(history.NewRecorder(c.History, label, c.Logger)))
	}
	if simSnapshot != "" || simFrom != "" {
		c.withSnapshots()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var heap *gc.Collector
	if simFrom != "" {
		heap = restoreHeap(ctx, c, simFrom, gcCfg, opts)
	} else {
		heap = gc.New(gcCfg, opts...)
	}
	defer heap.WaitBackground()
	realm := engine.NewRealm(heap, c.Config.NewCaches(icache.WithLogger(c.Logger)), c.Logger)

	runner := workload.NewRunner(realm, workload.Options{
		Mutators:        simMutators,
		Rounds:          simRounds,
		ObjectsPerRound: simObjects,
		KeepRatio:       simKeep,
		Seed:            simSeed,
	}, c.Logger)

	fmt.Printf("Simulating %d rounds x %d mutators x %d objects (%s)\n",
		simRounds, simMutators, simObjects, gcCfg.Strategy)

	dim := color.New(color.Faint)
	res, err := runner.Run(ctx, func(round, total int, stats gc.GCStats) {
		dim.Printf("  round %d/%d: %d live, %s heap\n", round, total,
			stats.LiveObjects, humanize.IBytes(uint64(stats.CurrentHeapSize)))
	})
	if err != nil {
		exitError("simulation failed: %v", err)
	}

	printResult(res)
	printPools(pools)

	if simShowShape {
		printShapes(realm)
	}

	if simSnapshot != "" {
		snap, err := c.Snapshots.Save(ctx, simSnapshot, heap)
		if err != nil {
			exitError("failed to save snapshot: %v", err)
		}
		fmt.Printf("\nSaved snapshot ")
		color.New(color.FgYellow).Printf("%s", shortID(snap.ID))
		fmt.Printf(" (%d objects, %d roots)\n", snap.ObjectCount, snap.RootCount)
	}
}

// loadHeap restores the snapshot whose ID starts with prefix into a new
// collector. Restored objects keep their roots and references.
func loadHeap(ctx context.Context, st *snapshot.Store, prefix string, cfg gc.Config, opts []gc.Option) (*gc.Collector, *snapshot.Snapshot, error) {
	snap, err := resolveSnapshot(ctx, st, prefix)
	if err != nil {
		return nil, nil, err
	}
	heap, err := st.Restore(ctx, snap.ID, cfg, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("restore snapshot %s: %w", shortID(snap.ID), err)
	}
	return heap, snap, nil
}

func restoreHeap(ctx context.Context, c *cmdContext, prefix string, cfg gc.Config, opts []gc.Option) *gc.Collector {
	heap, snap, err := loadHeap(ctx, c.Snapshots, prefix, cfg, opts)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Restored snapshot ")
	color.New(color.FgYellow).Printf("%s", shortID(snap.ID))
	fmt.Printf(" (%d objects, %d roots)\n", snap.ObjectCount, snap.RootCount)
	return heap
}

func printResult(res *workload.Result) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Println()
	cyan.Println("Workload")
	fmt.Printf("  allocated:   %d\n", res.Allocated)
	fmt.Printf("  links:       %d\n", res.Links)
	fmt.Printf("  reads:       %d\n", res.PropertyReads)
	fmt.Printf("  writes:      %d\n", res.PropertyWrites)
	fmt.Printf("  calls:       %d\n", res.MethodCalls)
	if res.Lost > 0 {
		red.Printf("  lost:        %d\n", res.Lost)
	}
	fmt.Printf("  elapsed:     %s\n", res.Elapsed.Round(time.Millisecond))

	s := res.GC
	fmt.Println()
	cyan.Println("Collector")
	fmt.Printf("  collections: %d\n", s.TotalCollections)
	green.Printf("  collected:   %d objects, %s\n", s.TotalObjectsCollected, humanize.IBytes(uint64(s.TotalMemoryFreed)))
	fmt.Printf("  live:        %d objects, %s (peak %s)\n", s.LiveObjects,
		humanize.IBytes(uint64(s.CurrentHeapSize)), humanize.IBytes(uint64(s.PeakHeapSize)))
	fmt.Printf("  pause:       avg %.3fms, last %.3fms\n", s.AvgCollectionTimeMs, s.LastCollectionTimeMs)

	fmt.Println()
	cyan.Println("Inline caches")
	printCache("property", res.Caches.PropertyCache)
	printCache("method", res.Caches.MethodCache)
	printCache("global", res.Caches.GlobalCache)
	fmt.Printf("  shapes:      %d\n", res.Caches.ShapeCount)
}

func printPools(m *pool.Manager) {
	s := m.Stats()
	fmt.Println()
	color.New(color.FgCyan, color.Bold).Println("Memory pools")
	if !s.Enabled {
		color.New(color.Faint).Println("  (disabled)")
	}
	fmt.Printf("  blocks:      %d allocated, %d released, %d fallbacks\n", s.Allocations, s.Deallocations, s.Fallbacks)
	fmt.Printf("  in use:      %s (peak %s), pressure %.1f%%\n",
		humanize.IBytes(uint64(s.CurrentBytes)), humanize.IBytes(uint64(s.PeakBytes)), s.Pressure*100)
	fmt.Printf("  nursery:     %d resident, %d promoted, %d died young\n",
		s.Nursery.Resident, s.Nursery.Promoted, s.Nursery.Collected)
	for _, p := range s.Pools {
		if p.Allocations == 0 {
			continue
		}
		fmt.Printf("  %-12s %d/%d blocks of %s, %d chunks\n", p.Type+":", p.InUse, p.Blocks,
			humanize.IBytes(uint64(p.BlockSize)), p.Chunks)
	}
}

func printCache(name string, s icache.CacheStats) {
	rate := color.New(color.FgGreen)
	if s.HitRate < 0.5 {
		rate = color.New(color.FgYellow)
	}
	fmt.Printf("  %-12s %d/%d entries, %d hits, %d misses, ", name+":", s.Size, s.MaxSize, s.Hits, s.Misses)
	rate.Printf("%.1f%%\n", s.HitRate*100)
}

func printShapes(realm *engine.Realm) {
	yellow := color.New(color.FgYellow)
	fmt.Println()
	color.New(color.FgCyan, color.Bold).Println("Shapes")
	for _, def := range realm.Caches().Shapes() {
		yellow.Printf("  #%-4d", def.ID)
		fmt.Printf(" %v", def.Properties)
		if def.Parent != nil {
			color.New(color.Faint).Printf(" <- #%d", *def.Parent)
		}
		fmt.Println()
	}
}
