package queue

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do"

	"github.com/pablioRichardy/agentle/app/service/batch"
)

const bufferSize = 256

var _ do.Shutdownable = (*Service)(nil)

// Service is the inbound message queue between the transport and the
// engine. Arrival order defines the sequence numbers.
type Service struct {
	queue chan batch.Message
	seq   atomic.Uint64
}

func New(_ *do.Injector) (*Service, error) {
	return &Service{
		queue: make(chan batch.Message, bufferSize),
	}, nil
}

// Add stamps an inbound message with its identity, sequence number and
// arrival time and enqueues it. Full queue drops with a warning.
func (s *Service) Add(conversationID, sender, text, mediaURL string) {
	defer func() {
		if r := recover(); r != nil {
			// Send on a queue closed during shutdown.
		}
	}()

	msg := batch.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		MediaURL:       mediaURL,
		Seq:            s.seq.Add(1),
		ReceivedAt:     time.Now(),
	}

	select {
	case s.queue <- msg:
	default:
		slog.Warn("message queue is full",
			"conversation", conversationID,
			"seq", msg.Seq)
	}
}

func (s *Service) Channel() <-chan batch.Message {
	return s.queue
}

func (s *Service) Shutdown() error {
	close(s.queue)

	return nil
}
