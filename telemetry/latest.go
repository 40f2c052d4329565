package telemetry

import (
	"context"
	"sort"
	"sync"
)

// Latest keeps the most recent reading per device.
type Latest struct {
	mu       sync.RWMutex
	readings map[string]SensorReading
}

func NewLatest() *Latest {
	return &Latest{readings: make(map[string]SensorReading)}
}

// Observe records r unless a newer reading for the device is already held.
func (l *Latest) Observe(r SensorReading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.readings[r.DeviceID]; ok && cur.Timestamp.After(r.Timestamp) {
		return
	}
	l.readings[r.DeviceID] = r
}

// Run consumes readings until ch closes or ctx ends.
func (l *Latest) Run(ctx context.Context, ch <-chan SensorReading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			l.Observe(r)
		}
	}
}

// Get returns the latest reading of one device.
func (l *Latest) Get(deviceID string) (SensorReading, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.readings[deviceID]
	return r, ok
}

// Snapshot returns the latest readings ordered by device id.
func (l *Latest) Snapshot() []SensorReading {
	l.mu.RLock()
	out := make([]SensorReading, 0, len(l.readings))
	for _, r := range l.readings {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
