package nettest

import (
	"testing"
	"time"
)

func TestFakePacketConnDeliverAndRead(t *testing.T) {
	conn := NewFakePacketConn(1)
	conn.Deliver([]byte("hello"), fakeAddr("10.0.0.1:1"))

	buf := make([]byte, 16)
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if string(buf[:n]) != "hello" || addr.String() != "10.0.0.1:1" {
		t.Fatalf("ReadFrom() = (%q, %v), want (hello, 10.0.0.1:1)", buf[:n], addr)
	}
}

func TestFakePacketConnReadTimesOut(t *testing.T) {
	conn := NewFakePacketConn(1)
	conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))

	_, _, err := conn.ReadFrom(make([]byte, 16))
	if err == nil {
		t.Fatalf("ReadFrom() succeeded, want a timeout")
	}
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); !ok || !te.Timeout() {
		t.Fatalf("ReadFrom() error = %v, want a Timeout() error", err)
	}
}

func TestFakePacketConnRecordsWrites(t *testing.T) {
	conn := NewFakePacketConn(1)
	conn.WriteTo([]byte("ping"), fakeAddr("10.0.0.1:1"))

	written := conn.Written()
	if len(written) != 1 || string(written[0]) != "ping" {
		t.Fatalf("Written() = %v, want one frame \"ping\"", written)
	}
}

func TestFakePacketConnCloseUnblocksRead(t *testing.T) {
	conn := NewFakePacketConn(1)
	done := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 16))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("ReadFrom() succeeded after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("ReadFrom() did not unblock after Close")
	}
}
