// Package mapmodifier is the thread-safe staging buffer standing between the
// optimizer and the live map: landmark additions and position updates queue
// up here until the map's non-blocking drain splices them in, the same
// producer/buffered-consumer shape this stack already uses for its
// TCP/UDP send queues.
package mapmodifier

import (
	"sync"

	"slammap/geom"
)

// StagedFeature is a landmark pending insertion into (or update of) the live map.
type StagedFeature struct {
	ID          uint32
	U, V        uint16
	Position    geom.Vec3
	PoseID      uint32
	Descriptor  []float64
}

// Modifier buffers pending additions and updates under its own lock,
// independent of the map's own locks.
type Modifier struct {
	mu          sync.Mutex
	toAdd       []StagedFeature
	toUpdate    []StagedFeature
}

func New() *Modifier {
	return &Modifier{}
}

// StageAdd queues a brand-new landmark.
func (m *Modifier) StageAdd(f StagedFeature) {
	m.mu.Lock()
	m.toAdd = append(m.toAdd, f)
	m.mu.Unlock()
}

// StageUpdate queues a position update for an existing landmark.
func (m *Modifier) StageUpdate(id uint32, pos geom.Vec3) {
	m.mu.Lock()
	m.toUpdate = append(m.toUpdate, StagedFeature{ID: id, Position: pos})
	m.mu.Unlock()
}

// StageUpdates queues many position updates at once, as the optimizer does
// after a solve pass.
func (m *Modifier) StageUpdates(updates []StagedFeature) {
	if len(updates) == 0 {
		return
	}
	m.mu.Lock()
	m.toUpdate = append(m.toUpdate, updates...)
	m.mu.Unlock()
}

// HasAdds reports whether any addition is pending.
func (m *Modifier) HasAdds() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toAdd) > 0
}

// HasUpdates reports whether any update is pending.
func (m *Modifier) HasUpdates() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toUpdate) > 0
}

// Drain atomically removes and returns every pending addition and update.
func (m *Modifier) Drain() (adds, updates []StagedFeature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adds, m.toAdd = m.toAdd, nil
	updates, m.toUpdate = m.toUpdate, nil
	return adds, updates
}
