package device

import (
	"sync"
	"time"

	"github.com/edgecli/miioclient/internal/tokenstore"
)

// fastForwardClock returns a clock function whose calls each advance by an
// hour, so any deadline computed from one call (now().Add(duration), with
// duration on the order of seconds) is already behind by the next call.
// Overriding Info.now with this in a test collapses a handshake/call
// timeout or a backoff wait to a single clockPollInterval tick.
func fastForwardClock() func() time.Time {
	base := time.Now()
	var calls int
	return func() time.Time {
		t := base.Add(time.Duration(calls) * time.Hour)
		calls++
		return t
	}
}

// fakeManager is an in-process stand-in for netmgr.Manager: it records what
// Info sends it and lets tests script or synthesize the reply that would
// normally arrive over the wire.
type fakeManager struct {
	mu sync.Mutex

	sendErr  error
	sendFn   func(address string, port int, raw []byte) error
	sent     [][]byte
	resets   []string
	recovers []string
	tokens   *tokenstore.Memory
}

func newFakeManager() *fakeManager {
	return &fakeManager{tokens: tokenstore.NewMemory()}
}

func (f *fakeManager) SendTo(address string, port int, raw []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	fn := f.sendFn
	err := f.sendErr
	f.mu.Unlock()
	if fn != nil {
		return fn(address, port, raw)
	}
	return err
}

func (f *fakeManager) ResetSocket(reason string) {
	f.mu.Lock()
	f.resets = append(f.resets, reason)
	f.mu.Unlock()
}

func (f *fakeManager) RequestRecoveryDiscovery(reason string) {
	f.mu.Lock()
	f.recovers = append(f.recovers, reason)
	f.mu.Unlock()
}

func (f *fakeManager) Tokens() tokenstore.Store { return f.tokens }

func (f *fakeManager) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
