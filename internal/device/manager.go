package device

import "github.com/edgecli/miioclient/internal/tokenstore"

// Manager is the slice of the network manager's capability an Info needs:
// enough to send a framed datagram and to trigger the shared recovery path
// on a transient failure, without giving device.Info a reference to the
// manager's maps. This breaks what would otherwise be a package import
// cycle — each Info holds only this narrow interface, not *netmgr.Manager
// itself.
type Manager interface {
	// SendTo transmits raw to address:port. Errors are returned exactly as
	// the underlying socket produced them; the caller classifies them with
	// ioerr.
	SendTo(address string, port int, raw []byte) error

	// ResetSocket is single-flighted at the manager level; Info calls it
	// freely on every transient failure.
	ResetSocket(reason string)

	// RequestRecoveryDiscovery is rate-limited at the manager level.
	RequestRecoveryDiscovery(reason string)

	// Tokens is consulted by Enrich when no token is present yet.
	Tokens() tokenstore.Store
}
