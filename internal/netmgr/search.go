package netmgr

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/edgecli/miioclient/internal/device"
	"github.com/edgecli/miioclient/internal/ioerr"
	"github.com/edgecli/miioclient/internal/packet"
)

// Search runs one discovery pass: two handshake
// broadcasts to 255.255.255.255:54321, 500ms apart. Search never returns an
// error and never panics — every failure surface is canonicalized and, if
// transient, turned into a socket reset; anything else is only logged.
func (m *Manager) Search() {
	m.mu.Lock()
	hook := m.searchHook
	m.mu.Unlock()
	if hook != nil {
		hook()
		return
	}
	m.broadcastOnce()
	time.AfterFunc(500*time.Millisecond, m.broadcastOnce)
}

func (m *Manager) broadcastOnce() {
	conn, err := m.liveConn()
	if err != nil {
		m.handleSearchFailure("discovery socket unavailable", err)
		return
	}

	addr, err := net.ResolveUDPAddr("udp4", broadcastAddress)
	if err != nil {
		logf("[ERROR] netmgr: resolve broadcast address: %v", err)
		return
	}

	hello := packet.NewCodec().BuildHandshake()
	if _, err := conn.WriteToUDP(hello.Raw, addr); err != nil {
		m.handleSearchFailure("discovery broadcast error", err)
	}
}

func (m *Manager) handleSearchFailure(surface string, err error) {
	code := ioerr.Code(err)
	if ioerr.IsTransient(err) {
		m.ResetSocket(fmt.Sprintf("%s: %s", surface, code))
		return
	}
	logf("[DEBUG] netmgr: %s: %v", surface, err)
}

// RequestRecoveryDiscovery coordinates a rediscovery
// broadcast after a recoverable error, deferring until the socket is live
// again (up to ~300ms), rate-limited to at most one recovery search per
// second, and cancelled outright if references drop to zero while waiting.
// Any panic from Search is recovered and swallowed.
func (m *Manager) RequestRecoveryDiscovery(reason string) {
	m.mu.Lock()
	if hook := m.recoveryHook; hook != nil {
		hook(reason)
	}
	if m.pendingRecoveryDiscovery {
		m.mu.Unlock()
		return
	}
	m.pendingRecoveryDiscovery = true
	m.mu.Unlock()

	go m.runRecoveryDiscovery(reason)
}

func (m *Manager) runRecoveryDiscovery(reason string) {
	defer func() {
		if r := recover(); r != nil {
			logf("[ERROR] netmgr: recovery discovery panic: %v", r)
		}
		m.mu.Lock()
		m.pendingRecoveryDiscovery = false
		m.mu.Unlock()
	}()

	deadline := m.now().Add(recoveryPollBudget)
	for {
		m.mu.Lock()
		refs := m.references
		ready := !m.socketResetInProgress && m.conn != nil
		now := m.now()
		rateLimited := !m.lastRecoveryDiscovery.IsZero() && now.Sub(m.lastRecoveryDiscovery) < recoveryRateWindow
		m.mu.Unlock()

		if refs == 0 {
			return
		}
		if ready {
			if rateLimited {
				return
			}
			m.mu.Lock()
			m.lastRecoveryDiscovery = now
			m.mu.Unlock()
			logf("[INFO] netmgr: recovery discovery: %s", reason)
			m.Search()
			return
		}
		if now.After(deadline) {
			return
		}
		time.Sleep(recoveryPollEvery)
	}
}

// FindDeviceViaAddressOptions parameterizes FindDeviceViaAddress.
type FindDeviceViaAddressOptions struct {
	Address string
	Port    int
	// Token is either a 32-char hex string or a raw 16-byte value; exactly
	// one of TokenHex / Token should be set.
	TokenHex string
	Token    *[16]byte
	// ConnectRetries is how many additional handshake attempts follow a
	// transient failure, defaulting to defaultConnectRetries when zero.
	ConnectRetries int
}

// FindDeviceViaAddress obtains or creates a record for the given address,
// applies a manually supplied token if any, performs the handshake
// (suppressing missing-token — enrichment handles that case), and enriches
// the result. A handshake attempt that fails with a transient error is
// followed by exactly one ResetSocket and one RequestRecoveryDiscovery
// call before the next attempt, up to ConnectRetries retries.
func (m *Manager) FindDeviceViaAddress(ctx context.Context, opts FindDeviceViaAddressOptions) (*device.Info, error) {
	port := opts.Port
	if port == 0 {
		port = defaultDevicePort
	}

	m.mu.Lock()
	key := addrKey(opts.Address, port)
	info, ok := m.addresses[key]
	if !ok {
		info = device.New(m, opts.Address, port)
		m.addresses[key] = info
	}
	m.mu.Unlock()

	if token, err := resolveManualToken(opts); err != nil {
		return nil, err
	} else if token != nil {
		info.SetManualToken(*token)
	}

	retries := opts.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}

	var err error
	for attempt := 0; ; attempt++ {
		_, err = info.Handshake(ctx)
		if err == nil || ioerr.Code(err) == "missing-token" {
			err = nil
			break
		}
		if attempt >= retries || !ioerr.IsTransientConnect(err) {
			return nil, err
		}
		reason := fmt.Sprintf("connect retry after transient error: %s", ioerr.Code(err))
		m.ResetSocket(reason)
		m.RequestRecoveryDiscovery(reason)
	}

	id, _, _ := info.Identity()
	if id != "" {
		m.mu.Lock()
		if existing, ok := m.devices[id]; ok && existing != info {
			m.mu.Unlock()
			if err := existing.Enrich(ctx); err != nil {
				logf("[DEBUG] netmgr: enrich failed for %s: %v", id, err)
			}
			return existing, nil
		}
		m.devices[id] = info
		m.mu.Unlock()
	}

	if err := info.Enrich(ctx); err != nil {
		logf("[DEBUG] netmgr: enrich failed for %s: %v", opts.Address, err)
	}
	return info, nil
}

func resolveManualToken(opts FindDeviceViaAddressOptions) (*[16]byte, error) {
	if opts.Token != nil {
		return opts.Token, nil
	}
	if opts.TokenHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(opts.TokenHex)
	if err != nil || len(raw) != 16 {
		return nil, ioerr.New("EINVAL", "token must be 32 hex characters")
	}
	var token [16]byte
	copy(token[:], raw)
	return &token, nil
}
