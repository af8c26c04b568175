package neo

import (
	"runtime"
	"sync"
)

// EventLoopContext carries the per-process state that spec's source
// implementation kept as process-wide globals: here it is an explicit value
// threaded into every Connection at construction, and RoCs reach it through
// their Connection, per spec's design notes on replacing ambient globals
// with explicit context (spec §9). It holds only the yield scheduler (the
// counterpart of `yielded_rqonconns`); there is no request pool.
type EventLoopContext struct {
	yield *yieldScheduler
}

// NewEventLoopContext builds a fresh, independent event-loop context. Tests
// that want isolated yield scheduling create one per test.
func NewEventLoopContext() *EventLoopContext {
	return &EventLoopContext{yield: newYieldScheduler()}
}

func (c *EventLoopContext) registerYield(r *RoC)          { c.yield.register(r) }
func (c *EventLoopContext) unregisterYield(id RequestId) { c.yield.unregister(id) }

// yieldScheduler resumes every currently-registered RoC once per pass,
// mirroring spec's "a single pass of the event loop will resume this RoC
// with ResumedYielded" (spec §4.5). This port has no literal single-thread
// event loop (see SPEC_FULL.md §5's REDESIGN FLAG), so "one pass" becomes:
// let every other runnable goroutine take its turn, then resume.
type yieldScheduler struct {
	mu      sync.Mutex
	pending map[RequestId]*RoC
}

func newYieldScheduler() *yieldScheduler {
	return &yieldScheduler{pending: make(map[RequestId]*RoC)}
}

func (y *yieldScheduler) register(r *RoC) {
	y.mu.Lock()
	_, already := y.pending[r.ID]
	y.pending[r.ID] = r
	y.mu.Unlock()

	if !already {
		go func() {
			runtime.Gosched()
			y.flush(r.ID)
		}()
	}
}

func (y *yieldScheduler) flush(id RequestId) {
	y.mu.Lock()
	r, ok := y.pending[id]
	if ok {
		delete(y.pending, id)
	}
	y.mu.Unlock()

	if ok {
		r.resume(wakeMsg{kind: wakeYielded})
	}
}

func (y *yieldScheduler) unregister(id RequestId) {
	y.mu.Lock()
	delete(y.pending, id)
	y.mu.Unlock()
}
