// Package netmgr implements the process-wide network manager: the single
// UDP socket every device and every discovery search shares, demultiplexing
// of inbound datagrams to per-device state, broadcast discovery, and
// recovery from transient socket failures.
package netmgr

import (
	"net"
	"sync"
	"time"

	"github.com/edgecli/miioclient/internal/device"
	"github.com/edgecli/miioclient/internal/tokenstore"
)

const (
	broadcastAddress      = "255.255.255.255:54321"
	defaultDevicePort     = 54321
	socketResetDelay      = 250 * time.Millisecond
	recoveryPollEvery     = 50 * time.Millisecond
	recoveryPollBudget    = 300 * time.Millisecond
	recoveryRateWindow    = time.Second
	closeRecreateDelay    = time.Second
	defaultConnectRetries = 1
)

// DeviceEvent is emitted whenever a device becomes known or re-advertises
// itself.
type DeviceEvent struct {
	Device *device.Info
}

// Manager owns the shared UDP socket and the device/discovery state that
// depends on it. Manager is normally used through Shared(), which
// constructs the process-wide singleton on first use, but nothing
// prevents constructing an independent instance for tests.
type Manager struct {
	mu sync.Mutex

	conn       *net.UDPConn
	readCancel func()
	readDone   chan struct{}

	addresses map[string]*device.Info
	devices   map[string]*device.Info

	references               int
	socketResetInProgress    bool
	pendingRecoveryDiscovery bool
	lastRecoveryDiscovery    time.Time

	tokens tokenstore.Store
	now    func() time.Time

	onDevice func(DeviceEvent)

	// searchHook, when set, replaces the real broadcast in Search. Tests in
	// this package use it to observe RequestRecoveryDiscovery's rate
	// limiting without depending on a real socket's broadcast permissions.
	searchHook func()

	// sendHook, when set, replaces the real socket write in SendTo. Tests
	// use it to control exactly what a device's handshake/call machinery
	// sees on send, without a live socket.
	sendHook func(address string, port int, raw []byte) error

	// resetHook and recoveryHook, when set, are called (in addition to the
	// real logic) at the start of ResetSocket and RequestRecoveryDiscovery.
	// Tests use them to count and order these calls without depending on
	// socket or timing side effects.
	resetHook    func(reason string)
	recoveryHook func(reason string)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTokenStore overrides the default in-memory token store.
func WithTokenStore(store tokenstore.Store) Option {
	return func(m *Manager) { m.tokens = store }
}

// WithDeviceListener registers a callback invoked for every DeviceEvent,
// the Go-native stand-in for subscribing to the "device" event.
func WithDeviceListener(fn func(DeviceEvent)) Option {
	return func(m *Manager) { m.onDevice = fn }
}

// New constructs an independent Manager. Most callers want Shared instead.
func New(opts ...Option) *Manager {
	m := &Manager{
		addresses: make(map[string]*device.Info),
		devices:   make(map[string]*device.Info),
		tokens:    tokenstore.NewMemory(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	sharedOnce sync.Once
	shared     *Manager
)

// Shared returns the process-wide Manager singleton, constructing it on
// first use. This is the "package-scoped handle with explicit lifecycle"
// design note: callers still must Ref/Release it themselves.
func Shared() *Manager {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// Tokens implements device.Manager.
func (m *Manager) Tokens() tokenstore.Store { return m.tokens }

// Ref is a live reference to the manager's socket. Its Release method is
// idempotent; the last outstanding Ref's Release closes the socket.
type Ref struct {
	m    *Manager
	once sync.Once
}

// Ref increments the reference count, creating the socket on the 0→1
// transition, keeping the invariant `references == 0 ⇒ socket == nil`.
func (m *Manager) Ref() *Ref {
	m.mu.Lock()
	m.references++
	first := m.references == 1
	m.mu.Unlock()

	if first {
		if err := m.createSocket(); err != nil {
			logf("[ERROR] netmgr: failed to create socket on first reference: %v", err)
		}
	}
	return &Ref{m: m}
}

// Release decrements the manager's reference count. Safe to call more than
// once; only the first call has any effect.
func (r *Ref) Release() {
	r.once.Do(func() {
		m := r.m
		m.mu.Lock()
		m.references--
		last := m.references == 0
		m.mu.Unlock()

		if last {
			m.closeSocket()
		}
	})
}

// References reports the manager's current reference count, for tests and
// diagnostics.
func (m *Manager) References() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.references
}

// List returns a snapshot of every device the manager currently knows
// about.
func (m *Manager) List() []device.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Snapshot, 0, len(m.devices)+len(m.addresses))
	seen := make(map[*device.Info]bool)
	for _, d := range m.devices {
		if !seen[d] {
			seen[d] = true
			out = append(out, d.Snapshot())
		}
	}
	for _, d := range m.addresses {
		if !seen[d] {
			seen[d] = true
			out = append(out, d.Snapshot())
		}
	}
	return out
}

func (m *Manager) emitDeviceEvent(d *device.Info) {
	if m.onDevice != nil {
		m.onDevice(DeviceEvent{Device: d})
	}
}
