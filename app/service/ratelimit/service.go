// Package ratelimit implements per-conversation spam protection: a
// per-minute message ceiling and a cooldown once it trips. Bursts below
// the ceiling are left alone — coalescing them is the batcher's job.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samber/do"

	"github.com/pablioRichardy/agentle/app/config"
)

const pruneAfter = 10 * time.Minute

type Service struct {
	maxPerMinute int
	cooldown     time.Duration

	mu      sync.Mutex
	senders map[string]*window
}

type window struct {
	start         time.Time
	count         int
	cooldownUntil time.Time
	lastSeen      time.Time
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewWithLimits(cfg.Bot.MaxMessagesPerMinute, cfg.Bot.RateLimitCooldown()), nil
}

func NewWithLimits(maxPerMinute int, cooldown time.Duration) *Service {
	return &Service{
		maxPerMinute: maxPerMinute,
		cooldown:     cooldown,
		senders:      make(map[string]*window),
	}
}

// Allow reports whether a message from the given conversation may be
// processed at the given time and records it against the minute window.
func (s *Service) Allow(conversationID string, now time.Time) bool {
	if s.maxPerMinute <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)

	w, ok := s.senders[conversationID]
	if !ok {
		w = &window{start: now}
		s.senders[conversationID] = w
	}
	w.lastSeen = now

	if now.Before(w.cooldownUntil) {
		return false
	}

	if now.Sub(w.start) >= time.Minute {
		w.start = now
		w.count = 0
	}

	w.count++
	if w.count > s.maxPerMinute {
		w.cooldownUntil = now.Add(s.cooldown)
		slog.Warn("Conversation rate limited",
			"conversation", conversationID,
			"cooldown", s.cooldown)
		return false
	}

	return true
}

func (s *Service) pruneLocked(now time.Time) {
	if len(s.senders) < 1024 {
		return
	}

	for id, w := range s.senders {
		if now.Sub(w.lastSeen) > pruneAfter && now.After(w.cooldownUntil) {
			delete(s.senders, id)
		}
	}
}
