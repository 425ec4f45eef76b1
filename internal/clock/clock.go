// Package clock abstracts the externally supplied logical clock. The engine
// never advances time itself; it only compares stored values against the
// current ordinal.
package clock

import (
	"fmt"
	"sync"
)

// Source yields the current logical clock value.
type Source interface {
	Now() int64
}

// Manual is a mutex-guarded clock advanced explicitly by the environment.
// It never moves backwards.
type Manual struct {
	mu    sync.Mutex
	value int64
}

// NewManual returns a manual clock starting at the given value.
func NewManual(start int64) *Manual {
	return &Manual{value: start}
}

// Now returns the current clock value.
func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Advance moves the clock forward by delta and returns the new value.
func (m *Manual) Advance(delta int64) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("clock delta must be positive, got %d", delta)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value += delta
	return m.value, nil
}

// Set moves the clock to an absolute value, rejecting any move backwards.
func (m *Manual) Set(value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value < m.value {
		return fmt.Errorf("clock cannot move backwards: %d < %d", value, m.value)
	}
	m.value = value
	return nil
}
