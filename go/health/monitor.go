// Package health aggregates component status snapshots for the local
// UI and the health probe.
package health

import (
	"sync"
	"time"
)

// State is one component's reported condition.
type State struct {
	Status    string                 `json:"status"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Monitor is the mutex-guarded key → State map.
type Monitor struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMonitor returns an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{states: make(map[string]State)}
}

// Set records |status| for |key|, stamping the update time.
func (m *Monitor) Set(key, status string, detail map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = State{Status: status, Detail: detail, UpdatedAt: time.Now().UTC()}
}

// Snapshot returns a copy of all component states.
func (m *Monitor) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make(map[string]State, len(m.states))
	for key, state := range m.states {
		out[key] = state
	}
	return out
}
