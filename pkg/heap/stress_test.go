package heap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclegc/pkg/config"
)

func TestStressConcurrentMutators(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	var log destroyLog
	h := newTestHeap(t, WithDestroyHook(log.hook))

	cfg := config.Default().Stress
	cfg.Workers = 6
	cfg.Rounds = 40
	cfg.GraphSize = 10

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := RunStress(ctx, h, cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Zero(t, report.Premature, "a value was destroyed while its scope still held it")
	assert.Zero(t, report.Leaked, "a private value survived its round")
	assert.Zero(t, report.Live)
	assert.Equal(t, report.Allocated, report.Destroyed)
	assert.Positive(t, report.CyclesDestroyed)
	assert.Equal(t, int(report.Destroyed), log.count())
	assert.Empty(t, h.Collector().Violations())

	st := h.Collector().Stats()
	assert.Positive(t, st.Commits)
	assert.Zero(t, st.LiveCycleSets, "every published set was eventually forgotten")
}

func TestStressSingleWorkerRewiresOrphanedCycles(t *testing.T) {
	h := newTestHeap(t)

	cfg := config.Default().Stress
	cfg.Workers = 1
	cfg.Rounds = 60
	cfg.GraphSize = 8
	cfg.Seed = 42

	report, err := RunStress(context.Background(), h, cfg)
	require.NoError(t, err)

	assert.Zero(t, report.Premature)
	assert.Zero(t, report.Leaked, "a cycle rewired after its last external reference went away was never collected")
	assert.Zero(t, report.Live)
	assert.Equal(t, report.Allocated, report.Destroyed)
	assert.Positive(t, report.CyclesDestroyed)
	assert.Empty(t, h.Collector().Violations())
	assert.Zero(t, h.Collector().Stats().Conflicts, "a lone worker never contends")
}

func TestStressRespectsCancellation(t *testing.T) {
	h := newTestHeap(t)
	cfg := config.Default().Stress
	cfg.Workers = 2
	cfg.Rounds = 1000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := RunStress(ctx, h, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Live, "shared sinks are released even on error")
}
