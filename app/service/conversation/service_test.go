package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pablioRichardy/agentle/app/config"
	"github.com/pablioRichardy/agentle/app/service/batch"
	"github.com/pablioRichardy/agentle/app/service/ratelimit"
	"github.com/pablioRichardy/agentle/app/service/registry"
)

type fakeRand struct{}

func (fakeRand) Float64() float64 { return 0 }

type fakeGen struct {
	mu      sync.Mutex
	batches []*batch.Batch
	reply   string
}

func (g *fakeGen) Generate(ctx context.Context, conversationID string, b *batch.Batch) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.batches = append(g.batches, b)
	return g.reply, nil
}

func (g *fakeGen) seen() []*batch.Batch {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]*batch.Batch(nil), g.batches...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan string, 16)}
}

func (s *fakeSender) Send(ctx context.Context, conversationID, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()

	s.ch <- text
	return nil
}

func (s *fakeSender) wait(t *testing.T) string {
	t.Helper()
	select {
	case text := <-s.ch:
		return text
	case <-time.After(3 * time.Second):
		t.Fatal("nothing sent in time")
		return ""
	}
}

func (s *fakeSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

func fastConfig() *config.Config {
	return &config.Config{
		Bot: config.Bot{
			Name:                     "agentle",
			ReadingSpeedWPM:          100000,
			TypingSpeedCPS:           100000,
			JitterMinSeconds:         0.001,
			JitterMaxSeconds:         0.002,
			DelayFloorSeconds:        0.001,
			DelayCapSeconds:          0.05,
			BatchWindowSeconds:       0.03,
			BatchMessageLimit:        10,
			SessionTTLMinutes:        30,
			MaxConversations:         8,
			GenerationTimeoutSeconds: 1,
			MaxRetryAttempts:         1,
			RetryDelaySeconds:        0.005,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, gen *fakeGen, sender *fakeSender, limiter *ratelimit.Service) *Service {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newService(cfg, gen, sender, limiter, nil, fakeRand{}, ctx)
	t.Cleanup(func() { _ = s.Shutdown() })

	return s
}

func inbound(conversationID string, seq uint64, text string) batch.Message {
	return batch.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Sender:         "alice",
		Text:           text,
		Seq:            seq,
		ReceivedAt:     time.Now(),
	}
}

func TestRapidMessagesGetOneReply(t *testing.T) {
	gen := &fakeGen{reply: "combined answer"}
	sender := newFakeSender()
	s := newTestService(t, fastConfig(), gen, sender, nil)

	ctx := context.Background()
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "Hi")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 2, "are you there?")))

	assert.Equal(t, "combined answer", sender.wait(t))

	batches := gen.seen()
	require.Len(t, batches, 1, "both messages coalesce into one turn")
	require.Len(t, batches[0].Messages, 2)
	assert.Equal(t, "Hi", batches[0].Messages[0].Text)
	assert.Equal(t, "are you there?", batches[0].Messages[1].Text)
}

func TestConversationsProcessIndependently(t *testing.T) {
	gen := &fakeGen{reply: "ack"}
	sender := newFakeSender()
	s := newTestService(t, fastConfig(), gen, sender, nil)

	ctx := context.Background()
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "one")))
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-2", 2, "two")))

	sender.wait(t)
	sender.wait(t)

	conversations := map[string]bool{}
	for _, b := range gen.seen() {
		conversations[b.ConversationID] = true
	}
	assert.Len(t, conversations, 2)
	assert.Equal(t, 2, s.states.Len())
}

func TestWelcomeMessageSentOnce(t *testing.T) {
	cfg := fastConfig()
	cfg.Bot.WelcomeMessage = "Welcome!"

	gen := &fakeGen{reply: "ack"}
	sender := newFakeSender()
	s := newTestService(t, cfg, gen, sender, nil)

	ctx := context.Background()
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "hello")))
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 2, "again")))

	require.Eventually(t, func() bool {
		return len(sender.sentTexts()) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	welcomes := 0
	for _, text := range sender.sentTexts() {
		if text == "Welcome!" {
			welcomes++
		}
	}
	assert.Equal(t, 1, welcomes)
}

func TestFlushClosesOpenBatchImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.Bot.BatchWindowSeconds = 3600

	gen := &fakeGen{reply: "flushed"}
	sender := newFakeSender()
	s := newTestService(t, cfg, gen, sender, nil)

	require.NoError(t, s.ProcessMessage(context.Background(), inbound("chat-1", 1, "pending")))

	s.Flush("chat-1")
	assert.Equal(t, "flushed", sender.wait(t))

	s.Flush("unknown") // no-op
}

func TestRateLimitedMessagesAreDropped(t *testing.T) {
	gen := &fakeGen{reply: "ack"}
	sender := newFakeSender()
	limiter := ratelimit.NewWithLimits(1, time.Minute)
	s := newTestService(t, fastConfig(), gen, sender, limiter)

	ctx := context.Background()
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "first")))
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 2, "spam")), "drop is silent, not an error")

	sender.wait(t)

	batches := gen.seen()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)
	assert.Equal(t, "first", batches[0].Messages[0].Text)
}

func TestCapacityErrorSurfaces(t *testing.T) {
	cfg := fastConfig()
	cfg.Bot.MaxConversations = 1
	cfg.Bot.BatchWindowSeconds = 3600

	gen := &fakeGen{reply: "ack"}
	sender := newFakeSender()
	s := newTestService(t, cfg, gen, sender, nil)

	ctx := context.Background()
	// An open batch keeps the conversation busy, so nothing is evictable.
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "hold")))

	err := s.ProcessMessage(ctx, inbound("chat-2", 2, "rejected"))
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrCapacity)
}

func TestIdleConversationEvictedAtCapacity(t *testing.T) {
	cfg := fastConfig()
	cfg.Bot.MaxConversations = 1

	gen := &fakeGen{reply: "ack"}
	sender := newFakeSender()
	s := newTestService(t, cfg, gen, sender, nil)

	ctx := context.Background()
	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-1", 1, "hi")))
	sender.wait(t)

	require.Eventually(t, func() bool {
		st, ok := s.states.Get("chat-1")
		return ok && st.Idle()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.ProcessMessage(ctx, inbound("chat-2", 2, "new blood")))
	sender.wait(t)

	_, ok := s.states.Get("chat-1")
	assert.False(t, ok, "idle conversation gives way at capacity")
	assert.Equal(t, 1, s.states.Len())
}

func TestStateFirstContactFlipsOnce(t *testing.T) {
	st := &State{}

	assert.True(t, st.firstContact())
	assert.False(t, st.firstContact())
	assert.False(t, st.firstContact())
}
