package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgecli/miioclient/internal/ioerr"
	"github.com/edgecli/miioclient/internal/packet"
)

// wireRequestFrom decrypts raw with token and unmarshals it as a
// wireRequest, the shape a real device would parse on its end.
func wireRequestFrom(t *testing.T, raw []byte, token [16]byte) wireRequest {
	t.Helper()
	pkt, err := packet.Decode(raw, token)
	if err != nil {
		t.Fatalf("packet.Decode: %v", err)
	}
	var req wireRequest
	if err := json.Unmarshal(pkt.Data, &req); err != nil {
		t.Fatalf("unmarshal wire request: %v", err)
	}
	return req
}

// autoHandshakeAndReply wires mgr's sendFn to answer any handshake frame
// immediately with deviceID/token, and to run respond for every data frame,
// simulating a well-behaved device.
func autoHandshakeAndReply(info *Info, mgr *fakeManager, deviceID uint32, token [16]byte, respond func(req wireRequest) wireReply) {
	mgr.sendFn = func(address string, port int, raw []byte) error {
		if len(raw) == 32 {
			go info.deliverHandshakeReply(makeHandshakeReplyRaw(deviceID, token))
			return nil
		}
		req := wireRequest{}
		if pkt, err := packet.Decode(raw, token); err == nil {
			json.Unmarshal(pkt.Data, &req)
		}
		reply := respond(req)
		reply.ID = req.ID
		data, _ := json.Marshal(reply)
		go info.deliverDataReply(data)
		return nil
	}
}

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	autoHandshakeAndReply(info, mgr, 100, token, func(req wireRequest) wireReply {
		return wireReply{Result: json.RawMessage(`{"model":"acme.fan.v1"}`)}
	})

	result, err := info.Call(context.Background(), "miIO.info", nil, CallOptions{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var got deviceInfoResult
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.Model != "acme.fan.v1" {
		t.Fatalf("Model = %q, want acme.fan.v1", got.Model)
	}
}

func TestCallRetriesOnRetryableDeviceErrorAndForcesRehandshake(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	var attempts int
	autoHandshakeAndReply(info, mgr, 100, token, func(req wireRequest) wireReply {
		attempts++
		if attempts == 1 {
			return wireReply{Error: &rpcError{Code: -9999, Message: "invalid stamp"}}
		}
		return wireReply{Result: json.RawMessage(`{"model":"acme.fan.v1"}`)}
	})

	result, err := info.Call(context.Background(), "miIO.info", nil, CallOptions{Retries: 2})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("respond called %d times, want 2", attempts)
	}
	var got deviceInfoResult
	json.Unmarshal(result, &got)
	if got.Model != "acme.fan.v1" {
		t.Fatalf("Model = %q, want acme.fan.v1", got.Model)
	}
}

func TestCallSurfacesTerminalDeviceError(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	autoHandshakeAndReply(info, mgr, 100, token, func(req wireRequest) wireReply {
		return wireReply{Error: &rpcError{Code: -5001, Message: "invalid_arg"}}
	})

	_, err := info.Call(context.Background(), "set_power", []any{"on"}, CallOptions{})
	if err == nil {
		t.Fatalf("Call() succeeded, want a terminal error")
	}
	if ioerr.Code(err) != "-5001" {
		t.Fatalf("error code = %q, want -5001", ioerr.Code(err))
	}
	ce, ok := err.(*ioerr.Error)
	if !ok || ce.Message != "Invalid argument" {
		t.Fatalf("error message = %v, want remapped %q", err, "Invalid argument")
	}
}

func TestCallRemapsUnsupportedMethodError(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	autoHandshakeAndReply(info, mgr, 100, token, func(req wireRequest) wireReply {
		return wireReply{Error: &rpcError{Code: -10000, Message: "unsupported"}}
	})

	_, err := info.Call(context.Background(), "weird.method", nil, CallOptions{})
	if err == nil {
		t.Fatalf("Call() succeeded, want a terminal error")
	}
	want := "Method `weird.method` is not supported"
	ce, ok := err.(*ioerr.Error)
	if !ok || ce.Message != want {
		t.Fatalf("error message = %v, want %q", err, want)
	}
}

func TestCallExhaustsRetriesAndReportsTimeout(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	// Every attempt returns a retryable device error, so Call must
	// eventually give up once its retry budget is spent.
	autoHandshakeAndReply(info, mgr, 100, token, func(req wireRequest) wireReply {
		return wireReply{Error: &rpcError{Code: -30001, Message: "invalid stamp"}}
	})

	_, err := info.Call(context.Background(), "miIO.info", nil, CallOptions{Retries: 1})
	if err == nil {
		t.Fatalf("Call() succeeded, want a timeout after exhausting retries")
	}
	if ioerr.Code(err) != "timeout" {
		t.Fatalf("error code = %q, want timeout", ioerr.Code(err))
	}
}

func TestCallClassifiesTransientSendFailureAsRetryable(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	var sends int
	mgr.sendFn = func(address string, port int, raw []byte) error {
		if len(raw) == 32 {
			go info.deliverHandshakeReply(makeHandshakeReplyRaw(100, token))
			return nil
		}
		sends++
		if sends == 1 {
			return ioerr.New("ENETUNREACH", "network is unreachable")
		}
		req := wireRequestFrom(t, raw, token)
		reply := wireReply{ID: req.ID, Result: json.RawMessage(`{"model":"acme.fan.v1"}`)}
		data, _ := json.Marshal(reply)
		go info.deliverDataReply(data)
		return nil
	}

	_, err := info.Call(context.Background(), "miIO.info", nil, CallOptions{Retries: 2})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(mgr.resets) == 0 {
		t.Fatalf("transient send failure did not trigger ResetSocket")
	}
	if len(mgr.recovers) == 0 {
		t.Fatalf("transient send failure did not trigger RequestRecoveryDiscovery")
	}
}

func TestCallClassifiesSendPanicAsThrow(t *testing.T) {
	mgr := newFakeManager()
	info := New(mgr, "10.0.0.9", 54321)
	token := [16]byte{1, 2, 3}

	var sends int
	mgr.sendFn = func(address string, port int, raw []byte) error {
		if len(raw) == 32 {
			go info.deliverHandshakeReply(makeHandshakeReplyRaw(100, token))
			return nil
		}
		sends++
		if sends == 1 {
			panic("write: use of closed network connection")
		}
		req := wireRequestFrom(t, raw, token)
		reply := wireReply{ID: req.ID, Result: json.RawMessage(`{"model":"acme.fan.v1"}`)}
		data, _ := json.Marshal(reply)
		go info.deliverDataReply(data)
		return nil
	}

	_, err := info.Call(context.Background(), "miIO.info", nil, CallOptions{Retries: 2})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	var throwSeen bool
	for _, r := range mgr.resets {
		if r == "socket send throw: EIO" {
			throwSeen = true
		}
	}
	if !throwSeen {
		t.Fatalf("reset reasons = %v, want one entry %q", mgr.resets, "socket send throw: EIO")
	}
}

func TestNextIDWrapsAndAppliesRetryOffset(t *testing.T) {
	info := New(newFakeManager(), "10.0.0.9", 54321)

	first := info.assignID(false)
	if first != 1 {
		t.Fatalf("first fresh id = %d, want 1", first)
	}

	retryID := info.assignID(true)
	if retryID != 101 {
		t.Fatalf("retry id = %d, want 101 (lastID+100)", retryID)
	}

	info.mu.Lock()
	info.lastID = 9950
	info.mu.Unlock()
	wrapped := info.assignID(true)
	if wrapped < 1 || wrapped >= 10000 {
		t.Fatalf("wrapped id = %d, want a value in [1, 9999]", wrapped)
	}
}
