// Package ioerr canonicalizes the assorted I/O error shapes surfaced by the
// socket, the handshake, and device replies into a single symbolic code, and
// decides whether a given failure is worth retrying.
package ioerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the canonical error shape used across netmgr and device. Code is
// always uppercase except for the lowercase sentinels listed in
// lowercaseSentinels ("timeout", "missing-token", "connection-failure").
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a canonical error with the given code, uppercased unless it is
// one of the lowercase sentinels.
func New(code, message string) *Error {
	return &Error{Code: normalizeCode(code), Message: message}
}

// Wrap builds a canonical error carrying cause as the wrapped error.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: normalizeCode(code), Message: message, Cause: cause}
}

// lowercaseSentinels are the application-level error codes this module
// mints itself (as opposed to OS/network errno codes canonicalized to
// uppercase below). They sit outside the canonicalization rule for
// transport errors: "timeout", "missing-token", and
// "connection-failure" are the fixed vocabulary callers switch on.
var lowercaseSentinels = map[string]bool{
	"timeout":            true,
	"missing-token":      true,
	"connection-failure": true,
}

func normalizeCode(code string) string {
	if code == "" {
		return code
	}
	if lowercaseSentinels[strings.ToLower(code)] {
		return strings.ToLower(code)
	}
	return strings.ToUpper(code)
}

// Code extracts the canonical code from err, canonicalizing first. Returns
// "" if no code could be determined anywhere in the error chain.
func Code(err error) string {
	return Canonicalize(err).Code
}

// Canonicalize normalizes err.Code (or its errno) case,
// translate a numeric errno through the OS table, or borrow the code from a
// wrapped cause. Canonicalize is idempotent: canonicalizing an *Error that is
// already canonical returns an equivalent *Error.
func Canonicalize(err error) *Error {
	if err == nil {
		return &Error{}
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Code != "" {
		return &Error{Code: normalizeCode(ce.Code), Message: ce.Message, Cause: ce.Cause}
	}

	if code, ok := errnoFromError(err); ok {
		return &Error{Code: normalizeCode(code), Message: err.Error(), Cause: errors.Unwrap(err)}
	}

	// Recurse one level into a wrapped cause and copy its code onto the
	// outer error, so a wrapped transient socket error is still classified
	// as transient at the call site that only sees the outer wrapper.
	if cause := errors.Unwrap(err); cause != nil {
		inner := Canonicalize(cause)
		if inner.Code != "" {
			return &Error{Code: inner.Code, Message: err.Error(), Cause: cause}
		}
	}

	return &Error{Message: err.Error(), Cause: errors.Unwrap(err)}
}

const networkUnavailableSubstring = "network communication is unavailable"

// transientCodes is the fixed set of OS/network error codes retrying is
// worth attempting for.
var transientCodes = map[string]bool{
	"timeout":                      true,
	"ENOTCONN":                     true,
	"EHOSTUNREACH":                 true,
	"EHOSTDOWN":                    true,
	"ENETUNREACH":                  true,
	"ENETDOWN":                     true,
	"ENETRESET":                    true,
	"EAGAIN":                       true,
	"EINTR":                        true,
	"EALREADY":                     true,
	"EINPROGRESS":                  true,
	"EWOULDBLOCK":                  true,
	"ENOBUFS":                      true,
	"EADDRNOTAVAIL":                true,
	"ECONNREFUSED":                 true,
	"ECONNRESET":                   true,
	"ECONNABORTED":                 true,
	"EPIPE":                        true,
	"EBADF":                        true,
	"EIO":                          true,
	"ECANCELED":                    true,
	"ETIMEDOUT":                    true,
	"EAI_AGAIN":                    true,
	"EAI_FAIL":                     true,
	"EAI_SYSTEM":                   true,
	"EAI_NONAME":                   true,
	"EAI_NODATA":                   true,
	"ENOTFOUND":                    true,
	"ERR_SOCKET_DGRAM_NOT_RUNNING": true,
	"ERR_SOCKET_CLOSED":            true,
}

// IsTransient reports whether err is worth retrying: either its canonical
// code is in the fixed transient set, or its message (possibly nested in a
// cause) contains the "network communication is unavailable" phrase.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	ce := Canonicalize(err)
	if transientCodes[ce.Code] {
		return true
	}
	return messageMentionsNetworkUnavailable(err)
}

// IsTransientConnect is the connect-path variant of IsTransient: it also
// treats the synthetic "connection-failure" code (raised by device.Enrich
// when enrichment fails although a token was already established) as
// transient, so that a connect-level retry loop can distinguish it from a
// genuinely permanent failure such as a malformed address.
func IsTransientConnect(err error) bool {
	if IsTransient(err) {
		return true
	}
	return Code(err) == "connection-failure"
}

func messageMentionsNetworkUnavailable(err error) bool {
	for err != nil {
		if strings.Contains(strings.ToLower(err.Error()), networkUnavailableSubstring) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
