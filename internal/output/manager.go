package output

import (
	"errors"
	"fmt"
	"sync"
)

// Sink receives lifecycle events.
type Sink interface {
	Write(e Event) error
	Close() error
}

// Manager fans events out to every registered sink. A nil Manager drops
// writes, which lets callers emit unconditionally. Writes are serialized.
type Manager struct {
	mu    sync.Mutex
	sinks []Sink
	runID string
}

func NewManager(runID string) *Manager {
	return &Manager{runID: runID}
}

func (m *Manager) AddSink(s Sink) error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	if s == nil {
		return fmt.Errorf("sink must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
	return nil
}

// Write stamps e with the run id and delivers it to all sinks.
func (m *Manager) Write(e Event) error {
	if m == nil {
		return nil
	}
	if e.RunID == "" {
		e.RunID = m.runID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(e); err != nil {
			errs = append(errs, fmt.Errorf("write %T: %w", s, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors writing to sinks: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", s, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sinks: %w", errors.Join(errs...))
	}
	return nil
}
