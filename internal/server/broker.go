package server

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ashita-ai/sekimon/internal/model"
)

// subscriberBuffer bounds each subscriber's backlog.
const subscriberBuffer = 64

// Broker fans out recorded security events to SSE subscribers. It is an
// eventlog.Observer: the log calls ObserveEvent after every append.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]model.Severity
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]model.Severity),
	}
}

// ObserveEvent formats e once and broadcasts it.
func (b *Broker) ObserveEvent(e model.SecurityEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("broker: marshal event", "error", err, "event_id", e.ID)
		return
	}
	b.broadcast(e.Severity, formatSSE(string(e.EventType), strconv.FormatInt(e.Seq, 10), data))
}

// Subscribe returns a channel that receives SSE-formatted events at or
// above minSeverity. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(minSeverity model.Severity) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = minSeverity
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all interested subscribers. Slow subscribers
// with a full buffer miss the event; one slow client never blocks the
// recording goroutine.
func (b *Broker) broadcast(severity model.Severity, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, minSeverity := range b.subscribers {
		if severity.Rank() < minSeverity.Rank() {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, dropping event")
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType, id string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(id)+len(data)+24)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\nid: "...)
	out = append(out, id...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}
