package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/validator"
)

// Hub fans accepted readings out to in-process subscribers. A subscriber that
// falls behind loses readings instead of stalling ingestion.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan SensorReading
	nextID  int
	buffer  int
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscriber channels hold buffer readings.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[int]chan SensorReading), buffer: buffer}
}

// Subscribe returns a channel of readings and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan SensorReading, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan SensorReading, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers the reading to every subscriber with room for it. It
// reports an error when at least one subscriber had to skip the reading.
func (h *Hub) Broadcast(reading SensorReading) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	skipped := 0
	for _, ch := range h.subs {
		select {
		case ch <- reading:
		default:
			skipped++
		}
	}
	if skipped > 0 {
		h.dropped.Add(uint64(skipped))
		return fmt.Errorf("%d subscribers too slow for %s reading", skipped, reading.DeviceID)
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// LogBroadcaster writes each accepted reading to the debug log.
type LogBroadcaster struct{}

func (LogBroadcaster) Broadcast(r SensorReading) error {
	logger.Debug("reading %s@%s: %d sensors", r.DeviceID, validator.FormatTimestamp(r.Timestamp), r.Populated())
	return nil
}

// Broadcasters sends a reading to several broadcasters and returns the first
// failure after trying all of them.
type Broadcasters []Broadcaster

func (bs Broadcasters) Broadcast(r SensorReading) error {
	var first error
	for _, b := range bs {
		if err := b.Broadcast(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
