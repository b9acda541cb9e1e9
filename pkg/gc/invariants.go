package gc

import (
	"fmt"
	"log/slog"
	"sync"
)

// invariantChecker handles internal contract violations. No legal input can
// trigger one, so they are either fatal (assert mode) or logged and kept for
// inspection.
type invariantChecker struct {
	assert     bool
	logger     *slog.Logger
	onViolate  func()
	mu         sync.Mutex
	violations []string
}

func (ic *invariantChecker) check(ok bool, format string, args ...interface{}) {
	if ok {
		return
	}
	violation := "invariant violation: " + fmt.Sprintf(format, args...)

	ic.mu.Lock()
	ic.violations = append(ic.violations, violation)
	ic.mu.Unlock()

	if ic.onViolate != nil {
		ic.onViolate()
	}
	if ic.assert {
		panic(violation)
	}
	ic.logger.Error(violation)
}

func (ic *invariantChecker) list() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]string, len(ic.violations))
	copy(out, ic.violations)
	return out
}
