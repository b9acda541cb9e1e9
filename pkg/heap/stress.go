package heap

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cyclegc/pkg/config"
)

// sharedSinks is how many hashes every worker links into. Scans from
// different workers meet on them, which is where lock conflicts come from.
const sharedSinks = 4

// StressReport summarizes one RunStress call
type StressReport struct {
	RunID           string
	Workers         int
	Rounds          int
	Allocated       int64
	Destroyed       int64
	CyclesDestroyed int64
	Live            int64
	Premature       int64 // values destroyed while still held or reachable
	Leaked          int64 // values still alive after their round let go of them
	Elapsed         time.Duration
}

// RunStress drives cfg.Workers concurrent mutators over h. Each round builds
// a random private graph with cycles, links part of it into shared sinks,
// and removes a few edges. It then lets go of every external reference except
// one anchor, keeps rewiring the graph through borrowed pointers, and finally
// releases the anchor. Since nothing outside the round references a private
// value, every one of them must be gone by then.
func RunStress(ctx context.Context, h *Heap, cfg config.Stress) (StressReport, error) {
	report := StressReport{
		RunID:   uuid.NewString(),
		Workers: cfg.Workers,
		Rounds:  cfg.Rounds,
	}
	logger := h.logger.With(slog.String("run_id", report.RunID))
	start := time.Now()
	before := h.Stats()

	shared := make([]*Value, sharedSinks)
	for i := range shared {
		shared[i] = h.NewHash()
	}

	limit := rate.Inf
	if cfg.RoundsPerSecond > 0 {
		limit = rate.Limit(cfg.RoundsPerSecond)
	}
	limiter := rate.NewLimiter(limit, cfg.Workers)

	var premature, leaked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(w)))
			for r := 0; r < cfg.Rounds; r++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				p, l, err := stressRound(gctx, h, rng, shared, cfg.GraphSize)
				if err != nil {
					return fmt.Errorf("worker %d round %d: %w", w, r, err)
				}
				premature.Add(p)
				leaked.Add(l)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, s := range shared {
		h.Release(ctx, s)
	}

	after := h.Stats()
	report.Allocated = after.Allocated - before.Allocated
	report.Destroyed = after.Destroyed - before.Destroyed
	report.CyclesDestroyed = after.CyclesDestroyed - before.CyclesDestroyed
	report.Live = after.Live
	report.Premature = premature.Load()
	report.Leaked = leaked.Load()
	report.Elapsed = time.Since(start)

	logger.Info("stress run finished",
		slog.Int("workers", report.Workers),
		slog.Int("rounds", report.Rounds),
		slog.Int64("allocated", report.Allocated),
		slog.Int64("cycles_destroyed", report.CyclesDestroyed),
		slog.Int64("premature", report.Premature),
		slog.Int64("leaked", report.Leaked),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, err
}

func stressRound(ctx context.Context, h *Heap, rng *rand.Rand, shared []*Value, size int) (premature, leaked int64, err error) {
	outer := h.NewScope(nil)
	anchor := outer.Adopt(h.NewHash())
	scope := h.NewScope(outer)

	nodes := make([]*Value, 0, size)
	private := make(map[*Value]bool, size)
	for i := 0; i < size; i++ {
		var v *Value
		if rng.IntN(4) == 0 {
			v = h.NewObject("Node")
		} else {
			v = h.NewHash()
		}
		nodes = append(nodes, scope.Adopt(v))
		private[v] = true
	}

	// a ring guarantees at least one cycle, random chords add more
	for i, v := range nodes {
		if err := link(ctx, v, "next", nodes[(i+1)%size]); err != nil {
			return 0, 0, err
		}
	}
	for i := 0; i < size; i++ {
		from, to := nodes[rng.IntN(size)], nodes[rng.IntN(size)]
		if err := link(ctx, from, "e"+strconv.Itoa(i), to); err != nil {
			return 0, 0, err
		}
	}
	for i := 0; i < size/3; i++ {
		leaf := h.NewInt(int64(i))
		if err := link(ctx, nodes[rng.IntN(size)], "leaf"+strconv.Itoa(i), leaf); err != nil {
			return 0, 0, err
		}
		h.Release(ctx, leaf)
	}
	for _, v := range nodes[:size/2] {
		if err := link(ctx, v, "shared", shared[rng.IntN(len(shared))]); err != nil {
			return 0, 0, err
		}
	}

	// removals invalidate cycles that earlier scans may have recorded
	for i := 0; i < size/4; i++ {
		v := nodes[rng.IntN(size)]
		if v.Tag == THash {
			if err := v.Delete(ctx, "e"+strconv.Itoa(rng.IntN(size))); err != nil {
				return 0, 0, err
			}
		}
	}

	for i, v := range nodes {
		if err := anchor.Set(ctx, anchorKey(i), v); err != nil {
			return 0, 0, err
		}
	}
	for _, v := range nodes {
		if v.Destroyed() {
			premature++
		}
	}

	// From here on nothing holds a private value externally. Every change
	// goes through borrowed pointers into cycles scans have already recorded.
	scope.Close(ctx)
	anchored := make([]int, size)
	for i := range anchored {
		anchored[i] = i
	}
	for i := 0; i < size; i++ {
		from, ok := anchor.Get(anchorKey(anchored[rng.IntN(len(anchored))]))
		if !ok {
			return 0, 0, fmt.Errorf("anchored value vanished")
		}
		to, _ := anchor.Get(anchorKey(anchored[rng.IntN(len(anchored))]))

		switch rng.IntN(3) {
		case 0:
			err = link(ctx, from, "e"+strconv.Itoa(rng.IntN(size)), to)
		case 1:
			if from.Tag == THash {
				err = from.Delete(ctx, "next")
			} else {
				err = from.SetMember(ctx, "next", to)
			}
		default:
			if len(anchored) > 1 {
				k := rng.IntN(len(anchored))
				err = anchor.Delete(ctx, anchorKey(anchored[k]))
				anchored = append(anchored[:k], anchored[k+1:]...)
			}
		}
		if err != nil {
			return 0, 0, err
		}
	}
	for _, v := range reachable(anchor, private) {
		if v.Destroyed() {
			premature++
		}
	}

	outer.Close(ctx)
	for _, v := range nodes {
		if !v.Destroyed() {
			leaked++
		}
	}
	return premature, leaked, nil
}

func anchorKey(i int) string {
	return "n" + strconv.Itoa(i)
}

// reachable returns the private values root still reaches
func reachable(root *Value, private map[*Value]bool) []*Value {
	seen := make(map[*Value]bool)
	var out []*Value
	stack := root.children()
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !private[v] || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		stack = append(stack, v.children()...)
	}
	return out
}

// link stores to in from under name, whatever kind of composite from is
func link(ctx context.Context, from *Value, name string, to *Value) error {
	if from.Tag == TObject {
		return from.SetMember(ctx, name, to)
	}
	return from.Set(ctx, name, to)
}
