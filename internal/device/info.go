// Package device implements the per-device handshake, request-id space, and
// call retry state machine described as the "call engine" — the largest
// single component of this module. One Info is created by the network
// manager for every device it learns about, whether from an inbound
// datagram or an outbound connect, and lives as long as the manager does.
package device

import (
	"sync"
	"time"

	"github.com/edgecli/miioclient/internal/packet"
	"golang.org/x/sync/singleflight"
)

// Info is a per-device record: identity, token, and the call engine's
// mutable state (pending calls, request id space, handshake/enrich
// singleflight groups). Guarded by mu; every exported method is safe for
// concurrent use.
type Info struct {
	mgr Manager

	mu sync.Mutex

	id      string
	address string
	port    int

	token        [16]byte
	autoToken    bool
	tokenChanged bool
	haveToken    bool

	model    string
	enriched bool

	codec   *packet.Codec
	pending map[int]*pendingCall
	lastID  int

	handshakeGroup singleflight.Group
	enrichGroup    singleflight.Group
	handshakeWait  *handshakeWait

	// now is overridable in tests to make backoff/timeout math deterministic.
	now func() time.Time
}

// pendingCall tracks one outstanding request id awaiting a reply.
type pendingCall struct {
	id       int
	method   string
	resultCh chan replyResult
}

type replyResult struct {
	result []byte
	err    error
}

// New creates a device record bound to mgr for address:port. The record
// starts with no id, no token, and needing a handshake, matching the state
// of a freshly discovered device.
func New(mgr Manager, address string, port int) *Info {
	return &Info{
		mgr:     mgr,
		address: address,
		port:    port,
		codec:   packet.NewCodec(),
		pending: make(map[int]*pendingCall),
		now:     time.Now,
	}
}

// Snapshot is a point-in-time, lock-free copy of an Info's identity fields
// for external consumers such as Manager.List, so callers never hold a
// reference into the live record's synchronized state.
type Snapshot struct {
	ID       string
	Address  string
	Port     int
	Model    string
	Enriched bool
}

// Snapshot returns a copy of i's current identity and enrichment state.
func (i *Info) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{ID: i.id, Address: i.address, Port: i.port, Model: i.model, Enriched: i.enriched}
}

// Identity returns the device's current id, address, and port.
func (i *Info) Identity() (id, address string, port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id, i.address, i.port
}

// Rebind updates the device's id and/or address:port. Passing an empty id
// or a zero port leaves that field unchanged, so a caller that only learned
// a new address (no id yet) doesn't clobber an already-known id.
func (i *Info) Rebind(id, address string, port int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if id != "" {
		i.id = id
	}
	if address != "" {
		i.address = address
		i.port = port
	}
}

// SetManualToken records a caller-supplied token (hex string decoded by the
// caller, or already-raw bytes), clearing the auto-token flag: a manual
// token always wins over one later extracted from a handshake reply.
func (i *Info) SetManualToken(token [16]byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = token
	i.haveToken = true
	i.autoToken = false
}

// Token returns the current token and whether one has been established.
func (i *Info) Token() (token [16]byte, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token, i.haveToken
}

// nextID assigns the next outbound request id: a fresh
// call uses lastID+1, a retry uses lastID+100, wrapping through 1 when the
// result would reach 10000. Must be called with mu held.
func (i *Info) nextID(retry bool) int {
	var id int
	if retry {
		id = i.lastID + 100
	} else {
		id = i.lastID + 1
	}
	if id >= 10000 {
		id = ((id - 1) % 9999) + 1
	}
	i.lastID = id
	return id
}

// OnMessage is invoked by the network manager for every inbound datagram
// already resolved to this device. It routes handshake replies to any
// waiter and data replies to the matching pending call.
func (i *Info) OnMessage(raw []byte) {
	token, hasToken := i.Token()

	if looksLikeHandshakeReply(raw) {
		i.deliverHandshakeReply(raw)
		return
	}

	if !hasToken {
		return
	}
	pkt, err := packet.Decode(raw, token)
	if err != nil || pkt.Handshake() {
		return
	}

	i.deliverDataReply(pkt.Data)
}

// looksLikeHandshakeReply reports whether raw is exactly the fixed header
// size with no trailing payload, the wire signature of a handshake frame.
func looksLikeHandshakeReply(raw []byte) bool {
	return len(raw) == 32
}
