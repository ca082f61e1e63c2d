package netmgr

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"

	"github.com/edgecli/miioclient/internal/device"
)

// peekHeader extracts just enough of a raw frame's fixed header to route
// it, without needing the device's token: the device id and whether a
// payload follows the header (a bare 32-byte frame is a handshake reply).
func peekHeader(raw []byte) (deviceID uint32, hasPayload bool, ok bool) {
	const headerSize = 32
	if len(raw) < headerSize {
		return 0, false, false
	}
	if binary.BigEndian.Uint16(raw[0:2]) != 0x2131 {
		return 0, false, false
	}
	id := binary.BigEndian.Uint32(raw[8:12])
	return id, len(raw) > headerSize, true
}

func addrKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// dispatch demultiplexes an inbound frame: drop frames with no device
// id, resolve (or create) the DeviceInfo, hand it the raw frame, and on a
// handshake reply for a not-yet-enriched device kick off enrichment before
// emitting the device event.
func (m *Manager) dispatch(raw []byte, remote *net.UDPAddr) {
	deviceID, hasPayload, ok := peekHeader(raw)
	if !ok || deviceID == 0 {
		return
	}

	idStr := strconv.FormatUint(uint64(deviceID), 10)
	info := m.FindDevice(idStr, remote)
	if info == nil {
		return
	}

	info.OnMessage(raw)

	if !hasPayload {
		snap := info.Snapshot()
		if !snap.Enriched {
			go func() {
				if err := info.Enrich(context.Background()); err != nil {
					logf("[DEBUG] netmgr: enrich failed for device %s: %v", idStr, err)
				}
				m.emitDeviceEvent(info)
			}()
			return
		}
		m.emitDeviceEvent(info)
	}
}

// FindDevice resolves a DeviceInfo by id, falling back to remote address,
// creating a new record on first sighting when remote is supplied. Returns
// nil only when neither id nor remote resolves to anything known.
func (m *Manager) FindDevice(id string, remote *net.UDPAddr) *device.Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.lookupLocked(id, remote)
	if info == nil {
		if remote == nil {
			return nil
		}
		info = device.New(m, remote.IP.String(), remote.Port)
		m.addresses[addrKey(remote.IP.String(), remote.Port)] = info
	}

	m.rebindLocked(info, id, remote)
	return info
}

func (m *Manager) lookupLocked(id string, remote *net.UDPAddr) *device.Info {
	if id != "" {
		if d, ok := m.devices[id]; ok {
			return d
		}
	}
	if remote != nil {
		if d, ok := m.addresses[addrKey(remote.IP.String(), remote.Port)]; ok {
			return d
		}
	}
	return nil
}

// rebindLocked updates info's id/address/port and moves the manager's map
// entries to match, clearing stale keys before inserting new ones per
// the rebinding invariant that a device only ever appears under one
// current id and one current address. Must be called with mu held.
func (m *Manager) rebindLocked(info *device.Info, id string, remote *net.UDPAddr) {
	curID, curAddr, curPort := info.Identity()

	newID, newAddr, newPort := curID, curAddr, curPort
	if id != "" {
		newID = id
	}
	if remote != nil {
		newAddr = remote.IP.String()
		newPort = remote.Port
	}

	if newID != curID && curID != "" {
		delete(m.devices, curID)
	}
	if (newAddr != curAddr || newPort != curPort) && curAddr != "" {
		delete(m.addresses, addrKey(curAddr, curPort))
	}

	info.Rebind(newID, newAddr, newPort)

	if newID != "" {
		m.devices[newID] = info
	}
	if newAddr != "" {
		m.addresses[addrKey(newAddr, newPort)] = info
	}
}
