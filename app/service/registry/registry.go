// Package registry tracks per-conversation state: thread-safe lookup or
// creation, idle-TTL garbage collection and a hard ceiling on tracked
// conversations with LRU eviction of idle entries.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"
)

// ErrCapacity is returned when the registry is full and no idle entry
// can be evicted. Surfaced to the caller, never silently dropped.
var ErrCapacity = errors.New("conversation capacity reached")

// Entry is the per-conversation state held by the registry.
type Entry interface {
	Idle() bool
	LastActivity() time.Time
	Close()
}

type Registry[T Entry] struct {
	maxEntries int
	idleTTL    time.Duration
	newEntry   func(id string) T

	mu      sync.Mutex
	entries map[string]T
}

func New[T Entry](maxEntries int, idleTTL time.Duration, newEntry func(id string) T) *Registry[T] {
	return &Registry[T]{
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		newEntry:   newEntry,
		entries:    make(map[string]T),
	}
}

// GetOrCreate returns the entry for id, creating it if absent. At
// capacity the least recently active idle entry is evicted first; if
// every entry is busy the call fails with ErrCapacity.
func (r *Registry[T]) GetOrCreate(id string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[id]; ok {
		return entry, nil
	}

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		if !r.evictOldestIdleLocked() {
			var zero T
			return zero, oops.Wrapf(ErrCapacity, "conversation %s rejected", id)
		}
	}

	entry := r.newEntry(id)
	r.entries[id] = entry

	return entry, nil
}

// Get returns the entry for id without creating one.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	return entry, ok
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Sweep evicts idle entries whose last activity is older than the idle
// TTL. Returns the number of evicted entries.
func (r *Registry[T]) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, entry := range r.entries {
		if entry.Idle() && now.Sub(entry.LastActivity()) > r.idleTTL {
			entry.Close()
			delete(r.entries, id)
			evicted++
		}
	}

	return evicted
}

// Run sweeps idle entries periodically until ctx is cancelled.
func (r *Registry[T]) Run(ctx context.Context) {
	interval := r.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(time.Now()); n > 0 {
				slog.Debug("Evicted idle conversations", "count", n)
			}
		}
	}
}

// CloseAll evicts every entry. Used on shutdown.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.entries {
		entry.Close()
		delete(r.entries, id)
	}
}

func (r *Registry[T]) evictOldestIdleLocked() bool {
	idle := pie.Filter(lo.Keys(r.entries), func(id string) bool {
		return r.entries[id].Idle()
	})
	if len(idle) == 0 {
		return false
	}

	idle = pie.SortUsing(idle, func(a, b string) bool {
		return r.entries[a].LastActivity().Before(r.entries[b].LastActivity())
	})

	oldest := idle[0]
	r.entries[oldest].Close()
	delete(r.entries, oldest)

	slog.Debug("Evicted conversation at capacity", "conversation", oldest)

	return true
}
