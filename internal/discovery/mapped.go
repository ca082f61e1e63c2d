package discovery

import "sync"

// Mapper transforms a raw service value into whatever shape the caller
// actually wants (e.g. a fully connected+enriched device.Info), doing so
// asynchronously and possibly failing.
type Mapper func(service any) (any, error)

// MappedRegistry implements a mapped pipeline: for every
// available/update event from a parent Registry it runs Mapper
// asynchronously, discarding the result if a newer event for the same id
// has arrived in the meantime (a version counter guards against a slow
// mapper call clobbering a fresher one), and emits available/update with
// the mapped result. Mapper errors are swallowed; the next parent event
// retries.
type MappedRegistry struct {
	mu       sync.Mutex
	versions map[string]uint64
	mapped   map[string]any
	mapper   Mapper
	listener Listener
}

// NewMappedRegistry returns a MappedRegistry that applies mapper to every
// event it observes and reports mapped results to listener.
func NewMappedRegistry(mapper Mapper, listener Listener) *MappedRegistry {
	if listener == nil {
		listener = NopListener{}
	}
	return &MappedRegistry{
		versions: make(map[string]uint64),
		mapped:   make(map[string]any),
		mapper:   mapper,
		listener: listener,
	}
}

// OnAvailable implements Listener: run the mapper, emitting OnAvailable
// with the mapped result unless it's already stale by the time it
// resolves.
func (m *MappedRegistry) OnAvailable(id string, service any) {
	m.remap(id, service, m.listener.OnAvailable)
}

// OnUpdate implements Listener: same as OnAvailable, but the parent already
// knew about id.
func (m *MappedRegistry) OnUpdate(id string, service any) {
	m.remap(id, service, m.listener.OnUpdate)
}

// OnUnavailable implements Listener: clears id's version and mapped record,
// then forwards the unavailability unchanged (there is nothing left to
// map).
func (m *MappedRegistry) OnUnavailable(id string, service any) {
	m.mu.Lock()
	delete(m.versions, id)
	delete(m.mapped, id)
	m.mu.Unlock()
	m.listener.OnUnavailable(id, service)
}

func (m *MappedRegistry) remap(id string, service any, emit func(string, any)) {
	m.mu.Lock()
	m.versions[id]++
	version := m.versions[id]
	m.mu.Unlock()

	go func() {
		result, err := m.mapper(service)
		if err != nil {
			return // parent will retry on its next event for id
		}

		m.mu.Lock()
		stale := m.versions[id] != version
		if !stale {
			m.mapped[id] = result
		}
		m.mu.Unlock()

		if stale {
			return
		}
		emit(id, result)
	}()
}

// Get returns the most recently mapped result for id, if any.
func (m *MappedRegistry) Get(id string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.mapped[id]
	return v, ok
}
