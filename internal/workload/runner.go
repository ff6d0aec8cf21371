// Package workload drives a synthetic JavaScript-like mutator load against a
// realm: concurrent mutators allocate objects, wire references, read and
// write properties, and drop stack frames so the collector has work to do.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/jsmem/internal/engine"
	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/icache"
)

// Options configures a run.
type Options struct {
	Mutators        int
	Rounds          int
	ObjectsPerRound int     // per mutator
	KeepRatio       float64 // chance a finished frame stays rooted
	Seed            uint64
}

// DefaultOptions returns a small but non-trivial workload.
func DefaultOptions() Options {
	return Options{
		Mutators:        4,
		Rounds:          5,
		ObjectsPerRound: 200,
		KeepRatio:       0.25,
		Seed:            1,
	}
}

// Result summarises a run.
type Result struct {
	Allocated      int64                   `json:"allocated"`
	Links          int64                   `json:"links"`
	PropertyReads  int64                   `json:"property_reads"`
	PropertyWrites int64                   `json:"property_writes"`
	MethodCalls    int64                   `json:"method_calls"`
	Lost           int64                   `json:"lost"` // objects collected before the mutator linked them
	Rounds         int                     `json:"rounds"`
	Elapsed        time.Duration           `json:"elapsed"`
	GC             gc.GCStats              `json:"gc"`
	Caches         icache.InlineCacheStats `json:"caches"`
}

// Progress is called after each round.
type Progress func(round, total int, stats gc.GCStats)

// Runner runs workloads against a realm.
type Runner struct {
	realm  *engine.Realm
	opts   Options
	logger *slog.Logger

	allocated, links, reads, writes, calls, lost atomic.Int64
}

func NewRunner(realm *engine.Realm, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mutators <= 0 {
		opts.Mutators = 1
	}
	return &Runner{realm: realm, opts: opts, logger: logger}
}

// shapes used by mutators; objects built from the same template share a
// shape, which is what makes the caches hit.
var templates = [][]string{
	{"x", "y"},
	{"value", "next"},
	{"name", "kind", "size"},
	{},
}

// Run executes all rounds. Each round runs the mutators concurrently and
// then performs a full collection.
func (r *Runner) Run(ctx context.Context, progress Progress) (*Result, error) {
	start := time.Now()

	proto, err := r.realm.NewObject("Prototype", 0, engine.Property{Name: "kind", Value: icache.String("base")})
	if err != nil {
		return nil, fmt.Errorf("create prototype: %w", err)
	}
	if err := r.realm.DefineMethod(proto, "describe", icache.FunctionValue{Name: "describe", ParamCount: 0}); err != nil {
		return nil, err
	}
	if err := r.realm.Root("prototype", gc.RootModule, proto); err != nil {
		return nil, err
	}

	for round := 0; round < r.opts.Rounds; round++ {
		r.realm.SetGlobal("round", icache.Number(float64(round)))

		g, gctx := errgroup.WithContext(ctx)
		for m := 0; m < r.opts.Mutators; m++ {
			g.Go(func() error {
				return r.mutate(gctx, round, m, proto)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		stats, err := r.realm.CollectFull(ctx)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		r.logger.Debug("workload round", "round", round, "live", stats.LiveObjects, "collected", stats.TotalObjectsCollected)
		if progress != nil {
			progress(round+1, r.opts.Rounds, stats)
		}
	}

	return &Result{
		Allocated:      r.allocated.Load(),
		Links:          r.links.Load(),
		PropertyReads:  r.reads.Load(),
		PropertyWrites: r.writes.Load(),
		MethodCalls:    r.calls.Load(),
		Lost:           r.lost.Load(),
		Rounds:         r.opts.Rounds,
		Elapsed:        time.Since(start),
		GC:             r.realm.Heap().Stats(),
		Caches:         r.realm.Caches().Stats(),
	}, nil
}

func frameName(mutator, round int) string {
	return fmt.Sprintf("m%d-r%d", mutator, round)
}

// gone reports errors caused by an object being collected under the mutator.
func gone(err error) bool {
	return errors.Is(err, engine.ErrNotFound) || errors.Is(err, gc.ErrNotFound)
}

// mutate is one mutator's share of a round.
func (r *Runner) mutate(ctx context.Context, round, mutator int, proto uint64) error {
	rng := rand.New(rand.NewPCG(r.opts.Seed, uint64(round)<<32|uint64(mutator)))

	frame, err := r.realm.NewObject("Frame", 0)
	if err != nil {
		return err
	}
	root := frameName(mutator, round)
	if err := r.realm.Root(root, gc.RootStack, frame); err != nil {
		return err
	}
	r.allocated.Add(1)

	live := make([]uint64, 0, r.opts.ObjectsPerRound)
	for i := 0; i < r.opts.ObjectsPerRound; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tmpl := templates[rng.IntN(len(templates))]
		props := make([]engine.Property, len(tmpl))
		for j, name := range tmpl {
			props[j] = engine.Property{Name: name, Value: icache.Number(float64(rng.IntN(1000)))}
		}
		var parent uint64
		if rng.IntN(4) == 0 {
			parent = proto
		}
		id, err := r.realm.NewObject("Object", parent, props...)
		if err != nil {
			return err
		}
		r.allocated.Add(1)

		if err := r.realm.Link(frame, id); err != nil {
			if gone(err) {
				r.lost.Add(1)
				continue
			}
			return err
		}
		r.links.Add(1)

		if len(live) > 0 && rng.IntN(3) == 0 {
			other := live[rng.IntN(len(live))]
			if err := r.realm.Link(id, other); err == nil {
				r.links.Add(1)
			} else if !gone(err) {
				return err
			}
		}
		live = append(live, id)

		if err := r.touch(rng, live); err != nil {
			return err
		}
	}

	if _, ok := r.realm.GetGlobal("round"); ok {
		r.reads.Add(1)
	}

	// Frames from earlier rounds are popped unless they were kept.
	if round > 0 && rng.Float64() >= r.opts.KeepRatio {
		if err := r.realm.Unroot(frameName(mutator, round-1)); err != nil {
			return err
		}
	}
	return nil
}

// touch performs a few property and method operations on recent objects.
func (r *Runner) touch(rng *rand.Rand, live []uint64) error {
	for k := 0; k < 3; k++ {
		id := live[rng.IntN(len(live))]
		var err error
		switch rng.IntN(4) {
		case 0:
			err = r.realm.SetProperty(id, "x", icache.Number(rng.Float64()))
			r.writes.Add(1)
		case 1, 2:
			_, err = r.realm.GetProperty(id, "x")
			r.reads.Add(1)
		case 3:
			_, err = r.realm.LookupMethod(id, "describe")
			if errors.Is(err, engine.ErrNoMethod) {
				err = nil
			}
			r.calls.Add(1)
		}
		if err != nil && !gone(err) {
			return err
		}
	}
	return nil
}
