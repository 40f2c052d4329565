// Package device confirms that a device id is well formed and belongs to a
// known, active device before any command or telemetry is processed for it.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultIDPrefix is the fixed prefix of every device id.
const DefaultIDPrefix = "SMNR-"

// idSuffixLen is the number of alphanumeric characters after the prefix.
const idSuffixLen = 4

// ErrNotFound is returned by registries for ids they have never seen.
var ErrNotFound = errors.New("device not found")

// Device is the subset of the device record the protocol core needs.
type Device struct {
	ID     string
	Name   string
	Active bool
}

// Registry looks devices up by id.
type Registry interface {
	Lookup(ctx context.Context, id string) (Device, error)
}

// UnknownDeviceError reports a command or reading for a device that is
// malformed, unregistered or inactive.
type UnknownDeviceError struct {
	DeviceID string
	Reason   string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %q: %s", e.DeviceID, e.Reason)
}

// ValidateID checks the id is prefix followed by exactly four ASCII letters or digits.
func ValidateID(id, prefix string) error {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("device id %q must start with %q", id, prefix)
	}
	suffix := id[len(prefix):]
	if len(suffix) != idSuffixLen {
		return fmt.Errorf("device id %q must have %d characters after %q", id, idSuffixLen, prefix)
	}
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return fmt.Errorf("device id %q contains non-alphanumeric character %q", id, c)
		}
	}
	return nil
}

// Checker combines id format validation with a registry lookup.
type Checker struct {
	prefix   string
	registry Registry
}

// NewChecker returns a Checker; a nil registry only validates the id format.
func NewChecker(prefix string, registry Registry) *Checker {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &Checker{prefix: prefix, registry: registry}
}

// Check returns *UnknownDeviceError when id is malformed, not registered or
// inactive. Other errors come from the registry backend.
func (c *Checker) Check(ctx context.Context, id string) error {
	if err := ValidateID(id, c.prefix); err != nil {
		return &UnknownDeviceError{DeviceID: id, Reason: err.Error()}
	}
	if c.registry == nil {
		return nil
	}

	dev, err := c.registry.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &UnknownDeviceError{DeviceID: id, Reason: "not registered"}
	}
	if err != nil {
		return fmt.Errorf("lookup device %s: %w", id, err)
	}
	if !dev.Active {
		return &UnknownDeviceError{DeviceID: id, Reason: "inactive"}
	}
	return nil
}

// Static is a fixed, in-memory registry where every listed device is active.
type Static struct {
	devices map[string]Device
}

// NewStatic builds a registry from a list of ids.
func NewStatic(ids ...string) *Static {
	s := &Static{devices: make(map[string]Device, len(ids))}
	for _, id := range ids {
		s.devices[id] = Device{ID: id, Active: true}
	}
	return s
}

// Lookup implements Registry.
func (s *Static) Lookup(_ context.Context, id string) (Device, error) {
	dev, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return dev, nil
}

type cacheEntry struct {
	dev     Device
	expires time.Time
}

// Cached memoizes found devices for ttl. Not-found answers and backend errors
// are never cached, so a newly registered device is accepted at once.
type Cached struct {
	next Registry
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCached wraps next with a ttl cache.
func NewCached(next Registry, ttl time.Duration) *Cached {
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Lookup implements Registry.
func (c *Cached) Lookup(ctx context.Context, id string) (Device, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[id]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.dev, nil
	}
	c.mu.Unlock()

	dev, err := c.next.Lookup(ctx, id)
	if err != nil {
		return Device{}, err
	}

	c.mu.Lock()
	c.entries[id] = cacheEntry{dev: dev, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return dev, nil
}

// Invalidate drops a cached answer, e.g. after a device is (de)activated.
func (c *Cached) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
