package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/do"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/conversation"
	"github.com/pablioRichardy/agentle/app/service/queue"
	"github.com/pablioRichardy/agentle/app/service/registry"
	"github.com/pablioRichardy/agentle/app/util/mylog"
)

// processor is the part of the conversation service the engine drives.
type processor interface {
	ProcessMessage(ctx context.Context, msg batch.Message) error
}

// Service drains the inbound queue into the conversation service.
type Service struct {
	cfg             *config.Config
	conversationSvc processor
	queueSvc        *queue.Service
}

func New(di *do.Injector) (*Service, error) {
	return &Service{
		cfg:             do.MustInvoke[*config.Config](di),
		conversationSvc: do.MustInvoke[*conversation.Service](di),
		queueSvc:        do.MustInvoke[*queue.Service](di),
	}, nil
}

func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.queueSvc.Channel():
			if !ok {
				return
			}

			s.processOne(ctx, msg)
		}
	}
}

func (s *Service) processOne(ctx context.Context, msg batch.Message) {
	start := time.Now()

	if err := s.conversationSvc.ProcessMessage(ctx, msg); err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			slog.Warn("Conversation rejected at capacity",
				"conversation", msg.ConversationID,
				mylog.AttrTelegram, true)
			return
		}

		slog.Warn("ProcessMessage error",
			"conversation", msg.ConversationID,
			"error", err)
		return
	}

	slog.Debug("Accepted message",
		"conversation", msg.ConversationID,
		"seq", msg.Seq,
		"duration", time.Since(start))
}
