package netmgr

import (
	"context"
	"net"
	"time"

	"github.com/edgecli/miioclient/internal/ioerr"
)

// liveConn returns the live socket, or ENOTCONN when there is none (during a
// reset or before the first Ref) — the device call engine classifies
// ENOTCONN as transient and retries.
func (m *Manager) liveConn() (*net.UDPConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, ioerr.New("ENOTCONN", "no active UDP socket")
	}
	return m.conn, nil
}

// SendTo implements device.Manager: send raw to address:port over the
// shared socket.
func (m *Manager) SendTo(address string, port int, raw []byte) error {
	m.mu.Lock()
	hook := m.sendHook
	m.mu.Unlock()
	if hook != nil {
		return hook(address, port, raw)
	}

	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	_, err = conn.WriteToUDP(raw, addr)
	return err
}

// createSocket binds a fresh ephemeral UDP4 socket configured for
// broadcast and starts its read loop. Safe to call while socketResetInProgress
// is in the process of clearing; callers are expected to have already
// checked references > 0.
func (m *Manager) createSocket() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	if err := enableBroadcast(conn); err != nil {
		logf("[WARN] netmgr: failed to enable SO_BROADCAST: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.readCancel = cancel
	m.readDone = done
	m.mu.Unlock()

	go m.readLoop(ctx, conn, done)
	logf("[INFO] netmgr: socket bound on %s", conn.LocalAddr())
	return nil
}

// closeSocket tears down the socket unconditionally, used when the last
// reference is released. No recreation is scheduled.
func (m *Manager) closeSocket() {
	m.mu.Lock()
	conn := m.conn
	cancel := m.readCancel
	m.conn = nil
	m.readCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// readLoop demultiplexes inbound datagrams until ctx is cancelled or the
// socket is closed out from under it. On an unanticipated close (neither a
// resetSocket in progress nor the last reference being released) it
// schedules a recreation after 1s.
func (m *Manager) readLoop(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(m.now().Add(time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Any other read error means the socket is no longer usable.
			m.handleUnexpectedClose(err)
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		m.dispatch(frame, remote)
	}
}

func (m *Manager) handleUnexpectedClose(err error) {
	m.mu.Lock()
	resetting := m.socketResetInProgress
	refs := m.references
	if !resetting {
		m.conn = nil
	}
	m.mu.Unlock()

	if resetting || refs == 0 {
		return
	}

	logf("[WARN] netmgr: socket closed unexpectedly (%v); scheduling recreation", err)
	time.AfterFunc(closeRecreateDelay, func() {
		m.mu.Lock()
		needsSocket := m.references > 0 && m.conn == nil && !m.socketResetInProgress
		m.mu.Unlock()
		if needsSocket {
			if err := m.createSocket(); err != nil {
				logf("[ERROR] netmgr: failed to recreate socket after close: %v", err)
			}
		}
	})
}

// ResetSocket is single-flighted: it closes the current
// socket, and after 250ms clears the flag and recreates the socket if any
// reference is still held.
func (m *Manager) ResetSocket(reason string) {
	m.mu.Lock()
	if hook := m.resetHook; hook != nil {
		hook(reason)
	}
	if m.socketResetInProgress {
		m.mu.Unlock()
		return
	}
	m.socketResetInProgress = true
	conn := m.conn
	cancel := m.readCancel
	m.conn = nil
	m.readCancel = nil
	m.mu.Unlock()

	logf("[WARN] netmgr: resetting socket: %s", reason)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	time.AfterFunc(socketResetDelay, func() {
		m.mu.Lock()
		m.socketResetInProgress = false
		needsSocket := m.references > 0 && m.conn == nil
		m.mu.Unlock()

		if needsSocket {
			if err := m.createSocket(); err != nil {
				logf("[ERROR] netmgr: failed to recreate socket after reset: %v", err)
			}
		}
	})
}

func enableBroadcast(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return setBroadcastOption(rc)
}
