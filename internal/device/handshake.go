package device

import (
	"context"
	"strconv"
	"time"

	"github.com/edgecli/miioclient/internal/ioerr"
)

const handshakeTimeout = 5 * time.Second

// handshakeWait is the pending state a Handshake() call registers so that
// OnMessage's dispatch goroutine can hand it the reply.
type handshakeWait struct {
	resultCh chan handshakeResult
}

type handshakeResult struct {
	token [16]byte
	err   error
}

// setHandshakeWait records w as the pending handshake wait; handshakeWait
// is nil unless a handshake reply is currently expected. Guarded by mu.
func (i *Info) setHandshakeWait(w *handshakeWait) {
	i.mu.Lock()
	i.handshakeWait = w
	i.mu.Unlock()
}

// Handshake performs (or joins an in-flight) stamped handshake. If the
// codec reports no handshake is needed it resolves immediately with the
// current token. Exactly one of resolve/reject ever fires for a given
// logical handshake, enforced by singleflight plus a 5s deadline.
func (i *Info) Handshake(ctx context.Context) ([16]byte, error) {
	i.mu.Lock()
	if !i.codec.NeedsHandshake() {
		token := i.token
		i.mu.Unlock()
		return token, nil
	}
	i.mu.Unlock()

	v, err, _ := i.handshakeGroup.Do("handshake", func() (any, error) {
		return i.doHandshake(ctx)
	})
	if err != nil {
		return [16]byte{}, err
	}
	return v.([16]byte), nil
}

func (i *Info) doHandshake(ctx context.Context) ([16]byte, error) {
	wait := &handshakeWait{resultCh: make(chan handshakeResult, 1)}
	i.setHandshakeWait(wait)
	defer i.setHandshakeWait(nil)

	i.mu.Lock()
	pkt := i.codec.BuildHandshake()
	addr, port := i.address, i.port
	i.mu.Unlock()

	if err := i.mgr.SendTo(addr, port, pkt.Raw); err != nil {
		return [16]byte{}, ioerr.Wrap(ioerr.Code(err), err.Error(), err)
	}

	deadline := i.now().Add(handshakeTimeout)
	ticker := time.NewTicker(clockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-wait.resultCh:
			if res.err != nil {
				return [16]byte{}, res.err
			}
			return res.token, nil
		case <-ticker.C:
			if !i.now().Before(deadline) {
				return [16]byte{}, ioerr.New("timeout", "handshake timed out after "+strconv.Itoa(int(handshakeTimeout.Seconds()))+"s")
			}
		case <-ctx.Done():
			return [16]byte{}, ctx.Err()
		}
	}
}

// deliverHandshakeReply is called from OnMessage on the manager's read
// goroutine when an inbound frame looks like a handshake reply.
func (i *Info) deliverHandshakeReply(raw []byte) {
	i.mu.Lock()
	token, err := i.codec.HandleHandshakeReply(raw)
	newID := i.codec.DeviceID()
	wait := i.handshakeWait
	if err == nil {
		if !i.haveToken || i.autoToken {
			i.token = token
			i.haveToken = true
			i.autoToken = true
			i.tokenChanged = true
		}
		token = i.token
	}
	if newID != 0 {
		i.id = strconv.FormatUint(uint64(newID), 10)
	}
	i.mu.Unlock()

	if wait == nil {
		return
	}

	var result handshakeResult
	if err != nil {
		result = handshakeResult{err: ioerr.New("missing-token", "handshake reply carried no token")}
	} else {
		result = handshakeResult{token: token}
	}

	select {
	case wait.resultCh <- result:
	default:
	}
}
