package netmgr

import (
	"testing"
	"time"

	"github.com/edgecli/miioclient/internal/ioerr"
)

func TestResetSocketIsSingleFlighted(t *testing.T) {
	m := newTestManager()
	ref := m.Ref()
	defer ref.Release()

	m.ResetSocket("first")
	m.mu.Lock()
	inProgress := m.socketResetInProgress
	m.mu.Unlock()
	if !inProgress {
		t.Fatalf("socketResetInProgress not set after ResetSocket")
	}

	// A second call while a reset is already in flight must be a no-op: it
	// must not reset the 250ms clear timer.
	m.ResetSocket("second")

	time.Sleep(socketResetDelay + 50*time.Millisecond)
	m.mu.Lock()
	inProgress = m.socketResetInProgress
	conn := m.conn
	m.mu.Unlock()
	if inProgress {
		t.Fatalf("socketResetInProgress still set after the reset delay elapsed")
	}
	if conn == nil {
		t.Fatalf("socket not recreated after reset with an outstanding reference")
	}
}

func TestResetSocketDoesNotRecreateWithoutReferences(t *testing.T) {
	m := newTestManager()
	ref := m.Ref()
	m.ResetSocket("closing")
	ref.Release()

	time.Sleep(socketResetDelay + 50*time.Millisecond)
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		t.Fatalf("socket recreated after every reference was released")
	}
}

func TestConnReturnsENOTCONNBeforeFirstReference(t *testing.T) {
	m := newTestManager()
	if err := m.SendTo("10.0.0.1", 54321, []byte("x")); ioerr.Code(err) != "ENOTCONN" {
		t.Fatalf("SendTo with no socket: error = %v, want ENOTCONN", err)
	}
}
