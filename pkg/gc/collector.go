package gc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"cyclegc/pkg/config"
)

// Outcome is how a scan ended
type Outcome int

const (
	OutcomeDisabled Outcome = iota
	OutcomeDeferred
	OutcomeCommitted
	OutcomeRolledBack
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDisabled:
		return "disabled"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ScanResult reports one call to Scan
type ScanResult struct {
	Outcome  Outcome
	Attempts int
	Visited  int
	Cycles   []*CycleSet // sets assigned by the commit
}

// Stats is a point-in-time copy of the collector counters
type Stats struct {
	Scans           int64
	Attempts        int64
	Commits         int64
	Rollbacks       int64
	Conflicts       int64
	Abandoned       int64
	Deferred        int64
	Superseded      int64
	CyclesCollected int64
	LiveCycleSets   int64
}

type collectorStats struct {
	scans, attempts, commits, rollbacks, conflicts atomic.Int64
	abandoned, deferred, superseded, collected     atomic.Int64
	live                                           atomic.Int64
}

// Collector is the entry point of cycle collection. There is no collector
// goroutine: whichever goroutine exhausts a Participant's external
// references runs the scan inline.
type Collector struct {
	ID string

	cfg     config.Collector
	logger  *slog.Logger
	tracer  *scanTracer
	metrics bool
	checker *invariantChecker
	stats   collectorStats

	tracerProvider trace.TracerProvider
}

// Option configures a Collector
type Option func(*Collector)

// WithLogger sets the logger; slog.Default() is used otherwise
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Collector) {
		c.tracerProvider = tp
	}
}

// New creates a collector from cfg
func New(cfg config.Config, opts ...Option) *Collector {
	c := &Collector{
		ID:      uuid.NewString(),
		cfg:     cfg.Collector,
		metrics: cfg.Observability.MetricsEnabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("collector_id", c.ID))
	c.tracer = newScanTracer(c.tracerProvider, cfg.Observability.TracingEnabled, c.ID)
	c.checker = &invariantChecker{
		assert:    cfg.Collector.AssertInvariants,
		logger:    c.logger,
		onViolate: c.recordViolation,
	}
	return c
}

// Disabled reports bypass mode
func (c *Collector) Disabled() bool {
	return c.cfg.Disabled
}

// Logger returns the collector's logger
func (c *Collector) Logger() *slog.Logger {
	return c.logger
}

// OnExternalRefsExhausted is the hook a collaborator calls when a Deref
// reports ShouldScan or ShouldRescan, or leaves a Candidate whose recorded
// cycle could not be collected.
func (c *Collector) OnExternalRefsExhausted(ctx context.Context, p *Participant) ScanResult {
	return c.Scan(ctx, p)
}

// Scan recomputes cycle membership for everything reachable from root. It
// never blocks while holding a scan lock: on conflict the attempt is rolled
// back completely before waiting. Cancelling ctx while waiting abandons the
// scan; the next trigger on root starts over.
func (c *Collector) Scan(ctx context.Context, root *Participant) ScanResult {
	if c.cfg.Disabled {
		return ScanResult{Outcome: OutcomeDisabled}
	}

	start := time.Now()
	ctx, span := c.tracer.startScan(ctx, root)
	res := c.scan(ctx, root, span)
	c.tracer.endScan(span, res)

	c.stats.scans.Add(1)
	switch res.Outcome {
	case OutcomeCommitted:
		c.stats.commits.Add(1)
	case OutcomeAbandoned:
		c.stats.abandoned.Add(1)
	case OutcomeDeferred:
		c.stats.deferred.Add(1)
	case OutcomeRolledBack:
		c.stats.rollbacks.Add(1)
	}
	c.recordScan(res, time.Since(start))
	return res
}

func (c *Collector) scan(ctx context.Context, root *Participant, span trace.Span) ScanResult {
	var res ScanResult

	if root.RequestDeferrableScan() {
		res.Outcome = OutcomeDeferred
		return res
	}

	gen := root.Generation()
	if !root.acquireToken(ctx) {
		res.Outcome = OutcomeAbandoned
		return res
	}
	defer root.releaseToken()

	// a scan that held the token before us already covered root
	if root.Generation() != gen {
		res.Outcome = OutcomeAbandoned
		return res
	}

	for {
		if c.cfg.MaxAttempts > 0 && res.Attempts >= c.cfg.MaxAttempts {
			res.Outcome = OutcomeAbandoned
			return res
		}
		res.Attempts++
		c.stats.attempts.Add(1)

		tx := newScanTransaction(c, root)
		if tx.run() == Done {
			c.recordAttempt(false)
			if _, ok := tx.visited[root.ID]; !ok {
				// root started destruction before we reached it
				tx.rollback()
				res.Outcome = OutcomeRolledBack
				return res
			}
			res.Visited = len(tx.visited)
			res.Cycles = tx.commit()
			res.Outcome = OutcomeCommitted
			c.logger.DebugContext(ctx, "scan committed",
				slog.String("root", root.String()),
				slog.Int("attempts", res.Attempts),
				slog.Int("visited", res.Visited),
				slog.Int("cycles", len(res.Cycles)),
			)
			return res
		}

		blocker, on := tx.blocker, tx.conflictsOn
		tx.rollback()
		c.stats.rollbacks.Add(1)
		c.stats.conflicts.Add(1)
		c.recordAttempt(true)
		c.tracer.rolledBack(span, res.Attempts, on)
		c.logger.DebugContext(ctx, "scan rolled back on lock conflict",
			slog.String("root", root.String()),
			slog.String("conflict_on", on.String()),
			slog.Int("attempt", res.Attempts),
		)

		select {
		case <-blocker:
		case <-ctx.Done():
			res.Outcome = OutcomeAbandoned
			return res
		}
		c.jitter()

		if root.Generation() != gen {
			// another transaction committed a result covering root
			res.Outcome = OutcomeAbandoned
			return res
		}
	}
}

func (c *Collector) jitter() {
	if c.cfg.RetryJitter <= 0 {
		return
	}
	time.Sleep(rand.N(c.cfg.RetryJitter))
}

// TryCollectCycle runs the full CanDelete check on cs. On true the set has
// been invalidated and the caller must destroy cs.Members().
func (c *Collector) TryCollectCycle(cs *CycleSet) bool {
	if c.cfg.Disabled || cs == nil {
		return false
	}
	return c.collected(cs, cs.canDeleteAll())
}

// TryCollect checks p's cycle using p's own counts as the pre-check. It
// returns the cycle it examined and whether it turned out to be garbage.
func (c *Collector) TryCollect(p *Participant) (*CycleSet, bool) {
	if c.cfg.Disabled {
		return nil, false
	}
	snap := p.Snapshot()
	if snap.Cycle == nil {
		return nil, false
	}
	return snap.Cycle, c.collected(snap.Cycle, snap.Cycle.CanDelete(snap.Total, snap.Contribution))
}

func (c *Collector) collected(cs *CycleSet, verdict CanDeleteResult) bool {
	if verdict != Yes {
		return false
	}
	c.stats.collected.Add(1)
	c.recordCollected()
	c.logger.Info("cycle collected",
		slog.String("cycle", cs.String()),
		slog.Int("members", cs.Len()),
	)
	return true
}

// publish makes a fresh set count as live
func (c *Collector) publish(cs *CycleSet) {
	cs.onForget = c.forget
	cs.published.Store(true)
	c.stats.live.Add(1)
	c.recordLive(1)
}

func (c *Collector) forget(cs *CycleSet) {
	c.stats.live.Add(-1)
	c.recordLive(-1)
}

// Stats returns a copy of the counters
func (c *Collector) Stats() Stats {
	return Stats{
		Scans:           c.stats.scans.Load(),
		Attempts:        c.stats.attempts.Load(),
		Commits:         c.stats.commits.Load(),
		Rollbacks:       c.stats.rollbacks.Load(),
		Conflicts:       c.stats.conflicts.Load(),
		Abandoned:       c.stats.abandoned.Load(),
		Deferred:        c.stats.deferred.Load(),
		Superseded:      c.stats.superseded.Load(),
		CyclesCollected: c.stats.collected.Load(),
		LiveCycleSets:   c.stats.live.Load(),
	}
}

// Violations returns the recorded invariant violations
func (c *Collector) Violations() []string {
	return c.checker.list()
}
