package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

// SendWindow tracks successful sends over the trailing hour. The dispatcher
// consults it for the global rate limit and the per-kind cooldown. A
// deployment with several dispatcher instances must use a shared
// implementation; the in-memory ring is per process.
type SendWindow interface {
	CountSentSince(ctx context.Context, since time.Time) (int, error)
	LastSent(ctx context.Context, kind models.AlertKind, recipient string) (time.Time, error)
	Record(ctx context.Context, kind models.AlertKind, recipient string, channel models.Channel, at time.Time) error
}

type windowEntry struct {
	kind      models.AlertKind
	recipient string
	channel   models.Channel
	at        time.Time
}

// MemoryWindow is a bounded in-memory ring of recent sends with eviction by
// age.
type MemoryWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	maxAge  time.Duration
	cap     int
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{maxAge: time.Hour, cap: 1024}
}

func (w *MemoryWindow) evict(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
	if len(w.entries) > w.cap {
		w.entries = w.entries[len(w.entries)-w.cap:]
	}
}

func (w *MemoryWindow) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if !e.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (w *MemoryWindow) LastSent(ctx context.Context, kind models.AlertKind, recipient string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var last time.Time
	for _, e := range w.entries {
		if e.kind == kind && e.recipient == recipient && e.at.After(last) {
			last = e.at
		}
	}
	return last, nil
}

func (w *MemoryWindow) Record(ctx context.Context, kind models.AlertKind, recipient string, channel models.Channel, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{kind: kind, recipient: recipient, channel: channel, at: at})
	w.evict(at)
	return nil
}
