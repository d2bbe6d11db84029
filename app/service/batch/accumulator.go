package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Accumulator buffers inbound messages of one conversation into a batch.
// Each append restarts the close timer (debounce); the batch also closes
// when the message limit is reached or on an explicit Flush. At most one
// batch is open at a time. Sealed batches are handed to onClose outside
// the state lock, in closure order; onClose must not block.
type Accumulator struct {
	conversationID string
	window         time.Duration
	limit          int
	onClose        func(*Batch)

	mu      sync.Mutex
	handoff sync.Mutex
	cur     *Batch
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func NewAccumulator(conversationID string, window time.Duration, limit int, onClose func(*Batch)) *Accumulator {
	return &Accumulator{
		conversationID: conversationID,
		window:         window,
		limit:          limit,
		onClose:        onClose,
	}
}

// Append buffers a message, opening a batch if none is open. Closure is
// atomic with respect to concurrent appends: a message either lands in
// the batch being closed or opens the next one.
func (a *Accumulator) Append(msg Message) {
	a.mu.Lock()

	if a.stopped {
		a.mu.Unlock()
		slog.Warn("Append on stopped accumulator",
			"conversation", a.conversationID,
			"seq", msg.Seq)
		return
	}

	if a.cur == nil {
		a.cur = &Batch{
			ID:             uuid.New(),
			ConversationID: a.conversationID,
			OpenedAt:       time.Now(),
		}
	}

	a.cur.Messages = append(a.cur.Messages, msg)

	var closed *Batch
	if a.limit > 0 && len(a.cur.Messages) >= a.limit {
		closed = a.sealLocked()
	} else {
		a.rearmLocked()
	}

	a.deliver(closed)
}

// Flush closes the open batch immediately, if any.
func (a *Accumulator) Flush() {
	a.mu.Lock()

	var closed *Batch
	if a.cur != nil {
		closed = a.sealLocked()
	}

	a.deliver(closed)
}

// Idle reports whether no batch is currently open.
func (a *Accumulator) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cur == nil
}

// Stop disarms the timer and rejects further appends. Any open batch is
// flushed first so no message is lost.
func (a *Accumulator) Stop() {
	a.mu.Lock()

	var closed *Batch
	if a.cur != nil {
		closed = a.sealLocked()
	}

	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	a.deliver(closed)
}

func (a *Accumulator) rearmLocked() {
	a.gen++
	gen := a.gen

	if a.timer != nil {
		a.timer.Stop()
	}

	a.timer = time.AfterFunc(a.window, func() {
		a.expire(gen)
	})
}

func (a *Accumulator) expire(gen uint64) {
	a.mu.Lock()

	// A newer append rearmed the timer, or the batch already closed.
	if gen != a.gen || a.cur == nil || a.stopped {
		a.mu.Unlock()
		return
	}

	a.deliver(a.sealLocked())
}

// sealLocked closes the current batch and disarms the timer. The caller
// delivers the returned batch through deliver.
func (a *Accumulator) sealLocked() *Batch {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	b := a.cur
	a.cur = nil
	b.ClosedAt = time.Now()

	return b
}

// deliver hands a sealed batch to onClose with the state lock released,
// so a slow consumer never freezes Append or Idle. The handoff lock is
// taken before the state lock is dropped; concurrent sealers therefore
// deliver in closure order. Always releases a.mu.
func (a *Accumulator) deliver(closed *Batch) {
	if closed == nil {
		a.mu.Unlock()
		return
	}

	a.handoff.Lock()
	a.mu.Unlock()

	a.onClose(closed)
	a.handoff.Unlock()
}
