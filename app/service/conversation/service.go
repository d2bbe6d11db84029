package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do"

	"github.com/pablioRichardy/agentle/app/client/whatsapp"
	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/dispatch"
	"github.com/pablioRichardy/agentle/app/service/generate"
	"github.com/pablioRichardy/agentle/app/service/pace"
	"github.com/pablioRichardy/agentle/app/service/ratelimit"
	"github.com/pablioRichardy/agentle/app/service/registry"
	"github.com/pablioRichardy/agentle/app/service/store"
)

const resultTimeout = 10 * time.Second

var _ do.Shutdownable = (*Service)(nil)

// Service routes inbound messages into per-conversation batching and
// humanized reply delivery. Conversations are fully independent: each
// one has its own accumulator and scheduler goroutine, serialized
// internally, parallel across conversations.
type Service struct {
	cfg      *config.Config
	gen      dispatch.Generator
	sender   dispatch.Sender
	limiter  *ratelimit.Service
	storeSvc *store.Service
	rnd      pace.Rand
	appCtx   context.Context

	states *registry.Registry[*State]
}

func New(di *do.Injector) (*Service, error) {
	return newService(
		do.MustInvoke[*config.Config](di),
		do.MustInvoke[*generate.Service](di),
		do.MustInvoke[*whatsapp.Client](di),
		do.MustInvoke[*ratelimit.Service](di),
		do.MustInvoke[*store.Service](di),
		pace.NewRand(),
		do.MustInvoke[context.Context](di),
	), nil
}

func newService(
	cfg *config.Config,
	gen dispatch.Generator,
	sender dispatch.Sender,
	limiter *ratelimit.Service,
	storeSvc *store.Service,
	rnd pace.Rand,
	appCtx context.Context,
) *Service {
	s := &Service{
		cfg:      cfg,
		gen:      gen,
		sender:   sender,
		limiter:  limiter,
		storeSvc: storeSvc,
		rnd:      rnd,
		appCtx:   appCtx,
	}

	s.states = registry.New(cfg.Bot.MaxConversations, cfg.Bot.SessionTTL(), s.newState)

	return s
}

// ProcessMessage handles one inbound message: rate limiting, state
// lookup, supersession of any in-flight dispatch and batching. A
// registry.ErrCapacity is surfaced to the caller.
func (s *Service) ProcessMessage(ctx context.Context, msg batch.Message) error {
	if s.limiter != nil && !s.limiter.Allow(msg.ConversationID, time.Now()) {
		slog.Warn("Dropping rate-limited message",
			"conversation", msg.ConversationID,
			"seq", msg.Seq)
		return nil
	}

	st, err := s.states.GetOrCreate(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("conversation lookup: %w", err)
	}

	st.Touch()

	if s.cfg.Bot.WelcomeMessage != "" && st.firstContact() {
		go s.sendWelcome(msg.ConversationID)
	}

	if s.storeSvc != nil {
		if err := s.storeSvc.SaveMessage(ctx, msg); err != nil {
			slog.Warn("Failed to archive message",
				"conversation", msg.ConversationID,
				"error", err)
		}
	}

	// New input invalidates whatever reply is in flight.
	st.sched.Supersede()
	st.acc.Append(msg)

	return nil
}

// Flush closes the open batch of a conversation immediately, e.g. when
// the host knows the conversation is ending.
func (s *Service) Flush(conversationID string) {
	if st, ok := s.states.Get(conversationID); ok {
		st.acc.Flush()
	}
}

// Run performs idle-conversation eviction until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.states.Run(ctx)
}

func (s *Service) Shutdown() error {
	s.states.CloseAll()

	return nil
}

func (s *Service) newState(id string) *State {
	st := &State{
		ID:           id,
		lastActivity: time.Now(),
	}

	st.sched = dispatch.NewScheduler(id, s.cfg.Bot, s.gen, s.sender, s.rnd, func(p *dispatch.Pending) {
		s.onDispatch(st, p)
	})
	st.acc = batch.NewAccumulator(id, s.cfg.Bot.BatchWindow(), s.cfg.Bot.BatchMessageLimit, st.sched.Enqueue)

	ctx, cancel := context.WithCancel(s.appCtx)
	st.cancel = cancel

	go st.sched.Run(ctx)

	return st
}

func (s *Service) onDispatch(st *State, p *dispatch.Pending) {
	st.Touch()

	switch p.State() {
	case dispatch.StateSent:
		slog.Info("Replied to conversation",
			"conversation", st.ID,
			"batch_messages", len(p.Batch.Messages),
			"delay", p.Plan.Total,
			"fallback", p.Fallback)
		s.archiveReply(st.ID, p)

	case dispatch.StateSuperseded:
		// Expected control flow: new input arrived before the send.
		slog.Debug("Dispatch superseded", "conversation", st.ID)
		s.archiveDispatch(p)

	case dispatch.StateFailed:
		if errors.Is(p.Err(), context.Canceled) {
			slog.Debug("Dispatch cancelled on shutdown", "conversation", st.ID)
			return
		}
		slog.Error("Dispatch failed",
			"conversation", st.ID,
			"error", p.Err())
		s.archiveDispatch(p)
	}
}

func (s *Service) sendWelcome(conversationID string) {
	ctx, cancel := context.WithTimeout(s.appCtx, resultTimeout)
	defer cancel()

	if err := s.sender.Send(ctx, conversationID, s.cfg.Bot.WelcomeMessage); err != nil {
		slog.Warn("Failed to send welcome message",
			"conversation", conversationID,
			"error", err)
	}
}

func (s *Service) archiveReply(conversationID string, p *dispatch.Pending) {
	if s.storeSvc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()

	if err := s.storeSvc.SaveReply(ctx, conversationID, s.cfg.Bot.Name, p.Reply); err != nil {
		slog.Warn("Failed to archive reply", "conversation", conversationID, "error", err)
	}

	if err := s.storeSvc.SaveDispatch(ctx, p); err != nil {
		slog.Warn("Failed to archive dispatch", "conversation", conversationID, "error", err)
	}
}

func (s *Service) archiveDispatch(p *dispatch.Pending) {
	if s.storeSvc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()

	if err := s.storeSvc.SaveDispatch(ctx, p); err != nil {
		slog.Warn("Failed to archive dispatch",
			"conversation", p.Batch.ConversationID,
			"error", err)
	}
}
