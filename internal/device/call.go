package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/edgecli/miioclient/internal/ioerr"
	"github.com/edgecli/miioclient/internal/lenientjson"
)

const (
	defaultRetries    = 5
	callTimeout       = 2 * time.Second
	maxBackoff        = 8 * time.Second
	baseBackoff       = 1 * time.Second
	backoffJitterSpan = time.Second
	// clockPollInterval bounds how often the handshake/call timers and the
	// backoff wait recheck Info.now against their deadline, so a test that
	// overrides now with a fast-forwarding clock resolves on the next tick
	// instead of waiting out the real duration.
	clockPollInterval = 10 * time.Millisecond
)

// CallOptions configures one Call invocation. Retries defaults to
// defaultRetries when zero or negative, so a caller cannot ask for zero
// retries.
type CallOptions struct {
	SID     string
	Retries int
}

type wireRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	SID    string `json:"sid,omitempty"`
}

type wireReply struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call implements the retry/recovery state machine: it assigns
// a fresh request id, ensures a handshake, frames and sends the request,
// waits for a matching reply or a 2s timer, and retries with exponential
// backoff on any transient failure until Retries is exhausted.
func (i *Info) Call(ctx context.Context, method string, args []any, opts CallOptions) (json.RawMessage, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	trace := newTraceID()
	attempt := 0
	isRetry := false

	for {
		id := i.assignID(isRetry)
		resultCh := make(chan replyResult, 1)
		i.registerPending(id, method, resultCh)

		outcome, err := i.attemptOnce(ctx, id, method, args, opts.SID, resultCh, trace, attempt)
		if err == nil {
			i.clearPending(id)
			return outcome, nil
		}

		var r retryRequest
		if !errors.As(err, &r) {
			i.clearPending(id)
			return nil, err
		}

		i.clearPending(id)

		if retries <= 0 {
			return nil, ioerr.New("timeout", "Call to device timed out")
		}
		retries--

		debugf(trace, "retrying call id=%d method=%s reason=%q attempt=%d retries_left=%d", id, method, r.reason, attempt, retries)

		if err := i.waitBackoff(ctx, attempt); err != nil {
			return nil, err
		}
		attempt++
		isRetry = true
	}
}

// waitBackoff blocks until backoff(attempt) has elapsed on i.now, or ctx is
// cancelled. Polling i.now on a short ticker (rather than a single
// time.After(backoff(attempt))) lets a test override now with a
// fast-forwarding clock and skip the real wait.
func (i *Info) waitBackoff(ctx context.Context, attempt int) error {
	deadline := i.now().Add(backoff(attempt))
	ticker := time.NewTicker(clockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !i.now().Before(deadline) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryRequest is a sentinel error type: attemptOnce returns it (never
// wrapped further) to signal "retry me", carrying the reason string used
// only for logging.
type retryRequest struct{ reason string }

func (r retryRequest) Error() string { return "retry: " + r.reason }

func backoff(attempt int) time.Duration {
	exp := baseBackoff * time.Duration(1<<uint(attempt))
	if exp > maxBackoff {
		exp = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoffJitterSpan)))
	return exp + jitter
}

// attemptOnce runs a single attempt: handshake, encode+send, wait for
// reply-or-timeout. Returns the decoded result on success, or a
// retryRequest / terminal error otherwise.
func (i *Info) attemptOnce(ctx context.Context, id int, method string, args []any, sid string, resultCh chan replyResult, trace string, attempt int) (json.RawMessage, error) {
	token, err := i.Handshake(ctx)
	if err != nil {
		return nil, i.classifyHandshakeFailure(err)
	}

	payload, err := json.Marshal(wireRequest{ID: id, Method: method, Params: args, SID: sid})
	if err != nil {
		return nil, fmt.Errorf("device: marshal request: %w", err)
	}

	if err := i.encodeAndSend(token, payload); err != nil {
		return nil, i.classifySendFailure(err)
	}

	deadline := i.now().Add(callTimeout)
	ticker := time.NewTicker(clockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-resultCh:
			if res.err != nil {
				var rerr rpcRetryError
				if errors.As(res.err, &rerr) {
					i.mu.Lock()
					i.codec.MarkHandshakeRequired()
					i.mu.Unlock()
					return nil, retryRequest{reason: "device requested re-handshake: " + rerr.Error()}
				}
				return nil, res.err
			}
			return res.result, nil
		case <-ticker.C:
			if !i.now().Before(deadline) {
				return nil, retryRequest{reason: "call timeout"}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// rpcRetryError wraps a device error reply this module classifies
// as retryable rather than terminal.
type rpcRetryError struct{ inner rpcError }

func (e rpcRetryError) Error() string { return e.inner.Message }

func (i *Info) classifyHandshakeFailure(err error) error {
	code := ioerr.Code(err)
	switch {
	case code == "timeout":
		return retryRequest{reason: "handshake timeout"}
	case ioerr.IsTransient(err):
		i.mgr.ResetSocket("handshake network error: " + code)
		i.mgr.RequestRecoveryDiscovery("handshake network error: " + code)
		return retryRequest{reason: "handshake network error: " + code}
	default:
		return err
	}
}

func (i *Info) classifySendFailure(err error) error {
	code := ioerr.Code(err)
	if ioerr.IsTransient(err) {
		verb := "error"
		var panicErr sendPanicError
		if errors.As(err, &panicErr) {
			verb = "throw"
		}
		reason := fmt.Sprintf("socket send %s: %s", verb, code)
		i.mgr.ResetSocket(reason)
		i.mgr.RequestRecoveryDiscovery(reason)
		return retryRequest{reason: reason}
	}
	return err
}

// sendPanicError marks a send failure recovered from a panic inside
// encodeAndSend, so classifySendFailure can report it as a throw rather
// than as a callback-reported send error.
type sendPanicError struct{ err error }

func (e sendPanicError) Error() string { return e.err.Error() }
func (e sendPanicError) Unwrap() error { return e.err }

// encodeAndSend frames payload under the device's mutex (the codec's stamp
// counter is shared state) and sends it, converting a synchronous panic
// from the sender into a sendPanicError so classifySendFailure can tell a
// throw from an ordinary returned error.
func (i *Info) encodeAndSend(token [16]byte, payload []byte) (sendErr error) {
	i.mu.Lock()
	pkt, err := i.codec.Encode(token, payload)
	addr, port := i.address, i.port
	i.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			sendErr = sendPanicError{err: ioerr.Wrap("EIO", fmt.Sprintf("socket send panic: %v", r), nil)}
		}
	}()
	return i.mgr.SendTo(addr, port, pkt.Raw)
}

func (i *Info) assignID(retry bool) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nextID(retry)
}

func (i *Info) registerPending(id int, method string, resultCh chan replyResult) {
	i.mu.Lock()
	i.pending[id] = &pendingCall{id: id, method: method, resultCh: resultCh}
	i.mu.Unlock()
}

func (i *Info) clearPending(id int) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}

// deliverDataReply matches an inbound data frame to its pending call by id
// and decodes the {result} / {error} envelope, applying the message-remap
// table for structured device errors.
func (i *Info) deliverDataReply(data []byte) {
	var reply wireReply
	if err := lenientjson.Unmarshal(data, &reply); err != nil {
		return
	}

	i.mu.Lock()
	pc, ok := i.pending[reply.ID]
	i.mu.Unlock()
	if !ok {
		return // stale reply for an id no longer outstanding; drop it
	}

	if reply.Error != nil {
		if isRetryable(*reply.Error) {
			pc.resultCh <- replyResult{err: rpcRetryError{inner: *reply.Error}}
			return
		}
		pc.resultCh <- replyResult{err: renderRPCError(pc.method, *reply.Error)}
		return
	}

	pc.resultCh <- replyResult{result: reply.Result}
}

func renderRPCError(method string, e rpcError) error {
	msg := renderMessage(e)
	if e.Code == -10000 {
		msg = fmt.Sprintf("Method `%s` is not supported", method)
	}
	return ioerr.New(fmt.Sprintf("%d", e.Code), msg)
}
