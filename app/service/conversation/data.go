package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/dispatch"
	"github.com/pablioRichardy/agentle/app/service/registry"
)

var _ registry.Entry = (*State)(nil)

// State is the per-conversation aggregate: the open batch accumulator,
// the dispatch scheduler and activity bookkeeping. Owned exclusively by
// the registry.
type State struct {
	ID string

	acc    *batch.Accumulator
	sched  *dispatch.Scheduler
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	welcomed     bool
}

// Idle reports whether the conversation has no open batch and no
// dispatch in flight. Only idle states may be evicted.
func (st *State) Idle() bool {
	return st.acc.Idle() && !st.sched.Busy()
}

func (st *State) LastActivity() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.lastActivity
}

func (st *State) Touch() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastActivity = time.Now()
}

// firstContact flips the welcomed flag, reporting true exactly once.
func (st *State) firstContact() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.welcomed {
		return false
	}

	st.welcomed = true
	return true
}

// Close flushes any open batch and stops the scheduler goroutine.
func (st *State) Close() {
	st.acc.Stop()
	st.cancel()
}
