package services

import (
	"log/slog"
	"sync"

	"github.com/mlett/crossport/internal/core/domain"
)

// Event is one broadcast frame: the full JSON snapshot of a job addressed
// to its originating client.
type Event struct {
	ClientID  domain.ClientID
	JobID     domain.JobID
	Data      []byte
	Timestamp int64
}

// EventBus fans broadcast frames out to connected clients. Delivery is
// best-effort: a slow or gone subscriber never blocks job processing.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.ClientID][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.ClientID][]chan Event),
	}
}

// Subscribe returns a channel receiving every broadcast addressed to the
// client, plus an unsubscribe function that closes it.
func (b *EventBus) Subscribe(clientID domain.ClientID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64) // buffer so publishers never block
	b.subs[clientID] = append(b.subs[clientID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[clientID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[clientID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[clientID]) == 0 {
			delete(b.subs, clientID)
		}
	}

	return ch, unsub
}

// Publish delivers e to every subscriber of its client. Frames for a client
// with no subscribers are dropped silently; a full subscriber buffer drops
// the frame with a warning, never an error.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.ClientID]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus subscriber full, dropping frame",
				"client_id", e.ClientID, "job_id", e.JobID)
		}
	}
}
