package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/pace"
)

const batchBacklog = 8

// queued is a closed batch plus its enqueue ticket. Tickets let
// Supersede mark everything enqueued so far as stale, including a batch
// already dequeued but not yet holding a cancel func.
type queued struct {
	b      *batch.Batch
	ticket uint64
}

// Scheduler owns reply delivery for one conversation: closed batches are
// processed strictly in closure order, one at a time. For each batch it
// generates a reply (bounded retries), computes a delay plan, waits it
// out and sends. A new inbound message supersedes the in-flight dispatch
// and any queued batches via Supersede.
type Scheduler struct {
	conversationID string
	bot            config.Bot
	gen            Generator
	sender         Sender
	rnd            pace.Rand
	onResult       func(*Pending)

	batches chan queued
	active  atomic.Int64
	tickets atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	pending   *Pending
	staleMark uint64
}

func NewScheduler(
	conversationID string,
	bot config.Bot,
	gen Generator,
	sender Sender,
	rnd pace.Rand,
	onResult func(*Pending),
) *Scheduler {
	if onResult == nil {
		onResult = func(*Pending) {}
	}

	return &Scheduler{
		conversationID: conversationID,
		bot:            bot,
		gen:            gen,
		sender:         sender,
		rnd:            rnd,
		onResult:       onResult,
		batches:        make(chan queued, batchBacklog),
	}
}

// Run processes batches until ctx is cancelled. One goroutine per
// conversation; serialization within the conversation comes from here.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.batches:
			s.process(ctx, it)
			s.active.Add(-1)
		}
	}
}

// Enqueue hands a closed batch to the scheduler without blocking, so
// accumulator closure never stalls on a slow conversation. When the
// backlog is full the batch is dropped with a warning; its messages are
// already archived, so the next reply still covers them as history.
func (s *Scheduler) Enqueue(b *batch.Batch) {
	s.active.Add(1)

	select {
	case s.batches <- queued{b: b, ticket: s.tickets.Add(1)}:
	default:
		s.active.Add(-1)
		slog.Warn("Dispatch backlog full, dropping batch",
			"conversation", s.conversationID,
			"messages", len(b.Messages))
	}
}

// Supersede invalidates everything in flight and queued: the active
// dispatch is cancelled and every batch enqueued before this call
// concludes superseded instead of producing a stale reply. Batches
// enqueued after the call are unaffected. Idempotent; calling it with
// nothing in flight is a no-op.
func (s *Scheduler) Supersede() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staleMark = s.tickets.Load()
	if s.cancel != nil {
		s.cancel(ErrSuperseded)
	}
}

// Busy reports whether any batch is queued or being processed.
func (s *Scheduler) Busy() bool {
	return s.active.Load() > 0
}

// Pending returns the dispatch currently waiting out its delay, if any.
func (s *Scheduler) Pending() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

func (s *Scheduler) process(ctx context.Context, it queued) {
	b := it.b

	dctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.cancel = cancel
	// A Supersede that raced the dequeue marked this batch stale before
	// the cancel func was installed.
	if it.ticket <= s.staleMark {
		cancel(ErrSuperseded)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.pending = nil
		s.mu.Unlock()
	}()

	reply, fallback, err := s.generate(dctx, b)
	if err != nil {
		p := newPending(b, "", pace.Plan{}, false)
		s.conclude(p, err)
		return
	}

	plan := pace.Compute(b, reply, s.bot, s.rnd)
	p := newPending(b, reply, plan, fallback)

	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	if err := s.waitPlan(dctx, plan); err != nil {
		s.conclude(p, err)
		return
	}

	s.conclude(p, s.send(dctx, reply))
}

// generate calls the backend with a per-attempt timeout and bounded
// retries. On retry exhaustion the configured fallback message is
// substituted when present.
func (s *Scheduler) generate(ctx context.Context, b *batch.Batch) (string, bool, error) {
	delay := s.bot.RetryDelay()

	var lastErr error

	for attempt := 0; attempt <= s.bot.MaxRetryAttempts; attempt++ {
		if cause := context.Cause(ctx); cause != nil {
			return "", false, cause
		}

		gctx, gcancel := context.WithTimeout(ctx, s.bot.GenerationTimeout())
		reply, err := s.gen.Generate(gctx, s.conversationID, b)
		gcancel()

		if err == nil {
			return reply, false, nil
		}

		if cause := context.Cause(ctx); cause != nil {
			return "", false, cause
		}

		lastErr = err
		slog.Warn("Reply generation failed",
			"conversation", s.conversationID,
			"attempt", attempt+1,
			"error", err)

		if attempt < s.bot.MaxRetryAttempts {
			if err := sleep(ctx, delay); err != nil {
				return "", false, err
			}
			delay *= 2
		}
	}

	if s.bot.ErrorMessage != "" {
		slog.Warn("Reply generation exhausted retries, sending fallback",
			"conversation", s.conversationID,
			"error", lastErr)
		return s.bot.ErrorMessage, true, nil
	}

	return "", false, fmt.Errorf("reply generation failed after %d attempts: %w",
		s.bot.MaxRetryAttempts+1, lastErr)
}

// waitPlan waits out the delay budget: read first, then the typing and
// jitter portions with the typing indicator up, all cancellable.
func (s *Scheduler) waitPlan(ctx context.Context, plan pace.Plan) error {
	if err := sleep(ctx, plan.Read); err != nil {
		return err
	}

	if tn, ok := s.sender.(TypingNotifier); ok && !s.bot.DisableTypingIndicator {
		if err := tn.NotifyTyping(ctx, s.conversationID, true); err != nil {
			slog.Debug("Typing indicator failed", "conversation", s.conversationID, "error", err)
		}
		defer func() {
			_ = tn.NotifyTyping(context.WithoutCancel(ctx), s.conversationID, false)
		}()
	}

	return sleep(ctx, plan.Typing+plan.Send)
}

func (s *Scheduler) send(ctx context.Context, reply string) error {
	delay := s.bot.RetryDelay()

	var lastErr error

	for attempt := 0; attempt <= s.bot.MaxRetryAttempts; attempt++ {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		err := s.sender.Send(ctx, s.conversationID, reply)
		if err == nil {
			return nil
		}
		lastErr = err

		slog.Warn("Reply delivery failed",
			"conversation", s.conversationID,
			"attempt", attempt+1,
			"error", lastErr)

		if attempt < s.bot.MaxRetryAttempts {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
	}

	return fmt.Errorf("reply delivery failed after %d attempts: %w",
		s.bot.MaxRetryAttempts+1, lastErr)
}

// conclude records the terminal state and reports it.
func (s *Scheduler) conclude(p *Pending, err error) {
	switch {
	case err == nil:
		p.finish(StateSent, nil)
	case errors.Is(err, ErrSuperseded):
		p.finish(StateSuperseded, nil)
	default:
		p.finish(StateFailed, err)
	}

	s.onResult(p)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
