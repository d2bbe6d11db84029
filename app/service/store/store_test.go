package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/dispatch"
	"github.com/pablioRichardy/agentle/app/service/pace"
)

func openTestStore(t *testing.T, messageLimit int) *Service {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), messageLimit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	return s
}

func inboundMsg(conversationID string, seq uint64, text string) batch.Message {
	return batch.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Sender:         "alice",
		Text:           text,
		Seq:            seq,
		ReceivedAt:     time.Now(),
	}
}

func TestSaveMessageRoundTrip(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	msg := inboundMsg("chat-1", 1, "hello")
	msg.MediaURL = "https://cdn/pic.jpg"
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.RecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "alice", got[0].Sender)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "https://cdn/pic.jpg", got[0].MediaURL)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.WithinDuration(t, msg.ReceivedAt, got[0].ReceivedAt, time.Second)
}

func TestSaveMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	msg := inboundMsg("chat-1", 1, "once")
	require.NoError(t, s.SaveMessage(ctx, msg))
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.RecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecentMessagesReturnsNewestOldestFirst(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", uint64(i), fmt.Sprintf("msg %d", i))))
	}

	got, err := s.RecentMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "msg 8", got[0].Text)
	assert.Equal(t, "msg 9", got[1].Text)
	assert.Equal(t, "msg 10", got[2].Text)
}

func TestRecentMessagesScopedByConversation(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", 1, "mine")))
	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-2", 1, "theirs")))

	got, err := s.RecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].Text)
}

func TestPruneKeepsNewestMessages(t *testing.T) {
	s := openTestStore(t, 5)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", uint64(i), fmt.Sprintf("msg %d", i))))
	}

	got, err := s.RecentMessages(ctx, "chat-1", 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "msg 16", got[0].Text)
	assert.Equal(t, "msg 20", got[4].Text)
}

func TestSaveReplyInterleavesWithInbound(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", 1, "question")))
	require.NoError(t, s.SaveReply(ctx, "chat-1", "bot", "answer"))
	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", 3, "followup")))

	got, err := s.RecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "question", got[0].Text)
	assert.Equal(t, "answer", got[1].Text)
	assert.Equal(t, "bot", got[1].Sender)
	assert.Equal(t, "followup", got[2].Text)
}

func TestHistoryOrderStableWhenReplySeqCollides(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	// Inbound rows carry the global queue counter. When this
	// conversation holds the current maximum, the reply's seq (max+1)
	// collides with the next inbound seq; insertion order must win.
	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", 5, "question")))
	require.NoError(t, s.SaveReply(ctx, "chat-1", "bot", "answer"))
	require.NoError(t, s.SaveMessage(ctx, inboundMsg("chat-1", 6, "followup")))

	got, err := s.RecentMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "question", got[0].Text)
	assert.Equal(t, "answer", got[1].Text)
	assert.Equal(t, "followup", got[2].Text)

	// The tie also survives the window cut.
	got, err = s.RecentMessages(ctx, "chat-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "answer", got[0].Text)
	assert.Equal(t, "followup", got[1].Text)
}

func TestSaveDispatchPersistsOutcome(t *testing.T) {
	s := openTestStore(t, 100)
	ctx := context.Background()

	p := &dispatch.Pending{
		ID: uuid.New(),
		Batch: &batch.Batch{
			ID:             uuid.New(),
			ConversationID: "chat-1",
		},
		Reply:    "done",
		Fallback: true,
		Plan:     pace.Plan{Total: 1500 * time.Millisecond},
	}

	require.NoError(t, s.SaveDispatch(ctx, p))
	require.NoError(t, s.SaveDispatch(ctx, p), "re-recording the same dispatch is a no-op")

	var (
		reply, state string
		fallback     int
		delayMS      int64
		count        int
	)
	row := s.db.QueryRow(`SELECT reply, state, fallback, total_delay_ms FROM dispatches WHERE id = ?`, p.ID.String())
	require.NoError(t, row.Scan(&reply, &state, &fallback, &delayMS))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM dispatches`).Scan(&count))

	assert.Equal(t, "done", reply)
	assert.Equal(t, "waiting", state)
	assert.Equal(t, 1, fallback)
	assert.Equal(t, int64(1500), delayMS)
	assert.Equal(t, 1, count)
}

func TestRecentMessagesEmptyConversation(t *testing.T) {
	s := openTestStore(t, 100)

	got, err := s.RecentMessages(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
