package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/pace"
)

// ErrSuperseded is the cancellation cause set when a new inbound message
// invalidates an in-flight dispatch. Expected control flow, not a failure.
var ErrSuperseded = errors.New("dispatch superseded by new inbound message")

type State int

const (
	StateWaiting State = iota
	StateSent
	StateSuperseded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateSent:
		return "sent"
	case StateSuperseded:
		return "superseded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s != StateWaiting
}

// Generator produces the reply text for a closed batch.
type Generator interface {
	Generate(ctx context.Context, conversationID string, b *batch.Batch) (string, error)
}

// Sender delivers a reply through the chat transport.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// TypingNotifier is optionally implemented by senders that can surface a
// typing indicator while the reply delay runs.
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, conversationID string, typing bool) error
}

// Pending is a generated reply waiting out its delay plan. Exactly one
// exists per conversation at a time; it ends in one of the terminal
// states sent, superseded or failed.
type Pending struct {
	ID          uuid.UUID
	Batch       *batch.Batch
	Reply       string
	Plan        pace.Plan
	ScheduledAt time.Time
	// Reply is the configured fallback, not a generated one
	Fallback bool

	mu    sync.Mutex
	state State
	err   error
}

func newPending(b *batch.Batch, reply string, plan pace.Plan, fallback bool) *Pending {
	return &Pending{
		ID:          uuid.New(),
		Batch:       b,
		Reply:       reply,
		Plan:        plan,
		ScheduledAt: time.Now().Add(plan.Total),
		Fallback:    fallback,
		state:       StateWaiting,
	}
}

func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.err
}

// finish moves the dispatch to a terminal state. Idempotent: the first
// terminal transition wins, later calls are no-ops.
func (p *Pending) finish(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Terminal() {
		return
	}

	p.state = state
	p.err = err
}
