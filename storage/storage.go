// Package storage persists accepted telemetry readings.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/telemetry"
)

// Backend is one persistence target. Storing a reading whose
// (device_id, timestamp) pair already exists is a successful no-op.
type Backend interface {
	Store(ctx context.Context, reading telemetry.SensorReading) error
	Close() error
}

// Manager fans readings out to every configured backend.
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager creates a storage manager over the given backends.
func NewManager(backends ...Backend) *Manager {
	return &Manager{backends: backends}
}

// Store writes the reading to all backends. Every backend is tried; the
// failures are joined into the returned error.
func (m *Manager) Store(ctx context.Context, reading telemetry.SensorReading) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.backends) == 0 {
		return errors.New("no storage backend configured")
	}

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(ctx, reading); err != nil {
			logger.Error("store reading %s failed: %v", reading.DeviceID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all backends.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("close storage backend: %v", err)
			errs = append(errs, err)
		}
	}
	m.backends = nil
	return errors.Join(errs...)
}

// AddBackend registers another backend.
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Len reports the number of backends.
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

func measurementColumns(m *telemetry.Measurement) (value, calibrated interface{}) {
	if m == nil {
		return nil, nil
	}
	if m.Calibrated == nil {
		return m.Value, nil
	}
	return m.Value, *m.Calibrated
}

// readingArgs flattens a reading into insert arguments: device id, time, then
// value and calibrated value per sensor. Absent sensors become NULL.
func readingArgs(r telemetry.SensorReading) []interface{} {
	args := []interface{}{r.DeviceID, r.Timestamp.UTC()}
	for _, m := range []*telemetry.Measurement{r.Temperature, r.PH, r.TDS, r.DOLevel} {
		v, c := measurementColumns(m)
		args = append(args, v, c)
	}
	return args
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
