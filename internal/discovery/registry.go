// Package discovery implements an event-driven service registry: a basic
// add/update/remove registry, a timed variant that re-searches and evicts
// stale entries, and a mapped variant that pipes services through an
// asynchronous mapper. The network manager does not depend on this
// package; the miioctl discover command layers a TimedRegistry over it,
// using the manager as the registry's Searcher.
package discovery

// Listener receives registry events. Any of the three methods may be left
// as a no-op by embedding NopListener.
type Listener interface {
	OnAvailable(id string, service any)
	OnUpdate(id string, service any)
	OnUnavailable(id string, service any)
}

// NopListener is embeddable by callers that only care about one or two of
// the three events.
type NopListener struct{}

func (NopListener) OnAvailable(string, any)   {}
func (NopListener) OnUpdate(string, any)      {}
func (NopListener) OnUnavailable(string, any) {}

// Identifiable is implemented by a service value that carries its own id;
// AddService falls back to using the value itself (formatted) as the id
// when a service doesn't implement this.
type Identifiable interface {
	ServiceID() string
}

// Registry is a basic event-driven service map: adding an id for the first
// time emits OnAvailable, adding it again emits OnUpdate, and removing a
// known id emits OnUnavailable. Registry is not safe for
// concurrent use from multiple goroutines without external
// synchronization — TimedRegistry and MappedRegistry add that.
type Registry struct {
	services map[string]any
	listener Listener
}

// NewRegistry returns an empty Registry reporting events to listener.
func NewRegistry(listener Listener) *Registry {
	if listener == nil {
		listener = NopListener{}
	}
	return &Registry{services: make(map[string]any), listener: listener}
}

// ServiceID extracts a service's id: service.ServiceID() if the value
// implements Identifiable, else a string form of the value itself.
func ServiceID(service any) string {
	if id, ok := service.(Identifiable); ok {
		return id.ServiceID()
	}
	if s, ok := service.(string); ok {
		return s
	}
	return fmtService(service)
}

// AddService records service under its id, emitting OnAvailable on first
// sighting or OnUpdate on every subsequent one.
func (r *Registry) AddService(service any) string {
	id := ServiceID(service)
	_, known := r.services[id]
	r.services[id] = service
	if known {
		r.listener.OnUpdate(id, service)
	} else {
		r.listener.OnAvailable(id, service)
	}
	return id
}

// RemoveService drops id from the registry, emitting OnUnavailable if it
// was present. Removing an unknown id is a no-op.
func (r *Registry) RemoveService(id string) {
	service, ok := r.services[id]
	if !ok {
		return
	}
	delete(r.services, id)
	r.listener.OnUnavailable(id, service)
}

// Get returns the service currently on record for id.
func (r *Registry) Get(id string) (any, bool) {
	service, ok := r.services[id]
	return service, ok
}

// Services returns a snapshot of every currently known service, keyed by
// id.
func (r *Registry) Services() map[string]any {
	out := make(map[string]any, len(r.services))
	for id, s := range r.services {
		out[id] = s
	}
	return out
}

func fmtService(v any) string {
	if v == nil {
		return ""
	}
	return stringify(v)
}
