package history

import "sync"

type sceneKey struct {
	user   string
	device string
}

// Manager holds one history per (user, device) scene. Scenes are created
// on first touch and live for the process lifetime; the trail itself has
// no capacity bound.
type Manager struct {
	mu     sync.Mutex
	scenes map[sceneKey]*History
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{scenes: make(map[sceneKey]*History)}
}

func (m *Manager) scene(user, device string) *History {
	key := sceneKey{user: user, device: device}
	h, ok := m.scenes[key]
	if !ok {
		h = New()
		m.scenes[key] = h
	}
	return h
}

// Record appends a visited position to the scene's trail.
func (m *Manager) Record(user, device string, to Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scene(user, device).Record(to)
}

// UpdateCurrent refreshes the scene's current entry.
func (m *Manager) UpdateCurrent(user, device string, to Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scene(user, device).UpdateCurrent(to)
}

// Back moves the scene one step backward.
func (m *Manager) Back(user, device string, current Position) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scene(user, device).Back(current)
}

// Forward moves the scene one step forward.
func (m *Manager) Forward(user, device string, current Position) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scene(user, device).Forward(current)
}

// GoTo jumps the scene to an arbitrary entry.
func (m *Manager) GoTo(user, device string, index int, current Position) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scene(user, device).GoTo(index, current)
}

// Snapshot returns the scene's trail and current index for transport.
func (m *Manager) Snapshot(user, device string) ([]Position, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.scene(user, device)
	return h.Entries(), h.Index()
}

// Clear drops the scene's trail entirely.
func (m *Manager) Clear(user, device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scenes, sceneKey{user: user, device: device})
}
