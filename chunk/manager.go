package chunk

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/chunkview/cview"
)

// Manager ties source construction to the scheduler.  Sources are memoized
// by (kind, key): repeated requests for the same specification share one
// live Source, so every chunk of a given configuration has exactly one
// owner in the queue.  Reference counts track consumers; the last release
// expires the source's chunks and drops it from scheduling.
type Manager struct {
	mu      sync.Mutex
	queue   *QueueManager
	sources map[string]map[string]*sourceEntry
}

type sourceEntry struct {
	src  Source
	refs int
}

// NewManager returns a manager dispatching to the given scheduler.
func NewManager(queue *QueueManager) *Manager {
	return &Manager{
		queue:   queue,
		sources: make(map[string]map[string]*sourceEntry),
	}
}

// Queue returns the underlying scheduler for priority passes and stats.
func (m *Manager) Queue() *QueueManager {
	return m.queue
}

// GetSource returns the memoized source for (kind, key), constructing it
// via factory on first use and registering it with the scheduler.  The
// caller owns one reference and must pair this with ReleaseSource.
func (m *Manager) GetSource(kind, key string, factory func() (Source, error)) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, found := m.sources[kind]
	if !found {
		byKey = make(map[string]*sourceEntry)
		m.sources[kind] = byKey
	}
	if entry, found := byKey[key]; found {
		entry.refs++
		return entry.src, nil
	}
	src, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating %s source %q: %v", kind, key, err)
	}
	byKey[key] = &sourceEntry{src: src, refs: 1}
	m.queue.RegisterSource(src)
	cview.Debugf("created %s source %q\n", kind, key)
	return src, nil
}

// ReleaseSource drops one reference to the (kind, key) source.  When the
// count reaches zero the source's chunks expire and it leaves scheduling.
func (m *Manager) ReleaseSource(kind, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, found := m.sources[kind]
	if !found {
		return
	}
	entry, found := byKey[key]
	if !found {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(byKey, key)
	m.queue.RemoveSource(entry.src)
	cview.Debugf("released %s source %q\n", kind, key)
}

// NumSources returns the number of live sources, for diagnostics.
func (m *Manager) NumSources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byKey := range m.sources {
		n += len(byKey)
	}
	return n
}

// Sources calls f on every live source.
func (m *Manager) Sources(f func(kind, key string, src Source)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, byKey := range m.sources {
		for key, entry := range byKey {
			f(kind, key, entry.src)
		}
	}
}

// Close releases every source and shuts down the scheduler.
func (m *Manager) Close() {
	m.mu.Lock()
	for kind, byKey := range m.sources {
		for key, entry := range byKey {
			m.queue.RemoveSource(entry.src)
			delete(byKey, key)
		}
		delete(m.sources, kind)
	}
	m.mu.Unlock()
	m.queue.Shutdown()
}
