package batch

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a single inbound chat message. Immutable after creation.
type Message struct {
	ID             uuid.UUID
	ConversationID string
	Sender         string
	Text           string
	// Reference to an attachment on the gateway, optional
	MediaURL   string
	Seq        uint64
	ReceivedAt time.Time
}

// Batch is one conversational turn: inbound messages coalesced during a
// quiet window, in arrival order. Never mutated after ClosedAt is set.
type Batch struct {
	ID             uuid.UUID
	ConversationID string
	Messages       []Message
	OpenedAt       time.Time
	ClosedAt       time.Time
}

func (b *Batch) LastSeq() uint64 {
	if len(b.Messages) == 0 {
		return 0
	}

	return b.Messages[len(b.Messages)-1].Seq
}

// Words counts whitespace-separated words across all buffered messages.
func (b *Batch) Words() int {
	total := 0
	for _, msg := range b.Messages {
		total += len(strings.Fields(msg.Text))
	}

	return total
}

// CombinedText joins the buffered message texts in arrival order.
func (b *Batch) CombinedText() string {
	parts := make([]string, 0, len(b.Messages))
	for _, msg := range b.Messages {
		if msg.Text != "" {
			parts = append(parts, msg.Text)
		}
	}

	return strings.Join(parts, "\n")
}
