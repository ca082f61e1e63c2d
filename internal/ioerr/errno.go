package ioerr

import (
	"errors"
	"net"
	"os"
)

// codeCarrier is implemented by errors that expose a string code directly,
// e.g. a decoded JSON-RPC transport error. Mirrors the "err.code is a
// non-empty string" case.
type codeCarrier interface {
	IOErrCode() string
}

// errnoCarrier is implemented by errors that expose a raw OS errno.
type errnoCarrier interface {
	IOErrno() int
}

// errnoFromError applies a fixed precedence: a string code carrier wins,
// then a numeric errno carrier translated through the OS table, then the
// errno inside an *os.SyscallError, then a timed-out net.Error (reported as
// ETIMEDOUT). Returns ok=false if none apply, so the caller falls through to
// its cause recursion.
func errnoFromError(err error) (string, bool) {
	var cc codeCarrier
	if errors.As(err, &cc) {
		if code := cc.IOErrCode(); code != "" {
			return code, true
		}
	}

	var ec errnoCarrier
	if errors.As(err, &ec) {
		if code, ok := errnoToCode(ec.IOErrno()); ok {
			return code, true
		}
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		if code, ok := unixErrToCode(syscallErr.Err); ok {
			return code, true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT", true
	}

	return "", false
}
