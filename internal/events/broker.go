// Package events fans engine events out to SSE subscribers. Publishing
// never blocks: a slow consumer loses events rather than stalling a scan
// or a sweep.
package events

import (
	"io"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

// Event is one published engine event.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Broker implements interfaces.EventSink and serves the SSE stream.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	logger      *logrus.Logger
}

// NewBroker creates an event broker.
func NewBroker(logger *logrus.Logger) *Broker {
	return &Broker{
		subscribers: make(map[chan Event]struct{}),
		logger:      logger,
	}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Broker) Publish(eventType string, payload interface{}) {
	event := Event{Type: eventType, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.WithField("event", eventType).
				Debug("Dropped event for slow subscriber")
		}
	}
}

// Subscribe registers a consumer. The returned cancel func must be called
// exactly once; the channel is closed by it.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Stream serves the SSE endpoint until the client disconnects.
func (b *Broker) Stream(c *gin.Context) {
	ch, cancel := b.Subscribe()
	defer cancel()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			if err := sse.Encode(w, sse.Event{
				Event: event.Type,
				Data:  event,
			}); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
