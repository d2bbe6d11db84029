package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowBelowCeiling(t *testing.T) {
	s := NewWithLimits(5, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, s.Allow("chat-1", now.Add(time.Duration(i)*time.Second)))
	}
}

func TestTripsAndCoolsDown(t *testing.T) {
	s := NewWithLimits(3, 30*time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, s.Allow("chat-1", now))
	}

	assert.False(t, s.Allow("chat-1", now), "ceiling exceeded")
	assert.False(t, s.Allow("chat-1", now.Add(10*time.Second)), "still cooling down")
	assert.True(t, s.Allow("chat-1", now.Add(31*time.Second)), "cooldown elapsed")
}

func TestWindowResetsAfterAMinute(t *testing.T) {
	s := NewWithLimits(2, time.Minute)
	now := time.Now()

	assert.True(t, s.Allow("chat-1", now))
	assert.True(t, s.Allow("chat-1", now))

	later := now.Add(61 * time.Second)
	assert.True(t, s.Allow("chat-1", later))
	assert.True(t, s.Allow("chat-1", later))
	assert.False(t, s.Allow("chat-1", later))
}

func TestConversationsAreIndependent(t *testing.T) {
	s := NewWithLimits(1, time.Minute)
	now := time.Now()

	assert.True(t, s.Allow("chat-1", now))
	assert.False(t, s.Allow("chat-1", now))
	assert.True(t, s.Allow("chat-2", now), "one noisy conversation must not throttle another")
}

func TestZeroLimitDisables(t *testing.T) {
	s := NewWithLimits(0, time.Minute)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		assert.True(t, s.Allow("chat-1", now))
	}
}

func TestStaleWindowsArePruned(t *testing.T) {
	s := NewWithLimits(100, time.Minute)
	now := time.Now()

	for i := 0; i < 1100; i++ {
		s.Allow(fmt.Sprintf("chat-%d", i), now)
	}

	s.Allow("fresh", now.Add(pruneAfter+time.Minute))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.LessOrEqual(t, len(s.senders), 2)
}
