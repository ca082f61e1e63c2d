package device

import "strings"

// rpcError is the {code, message} shape a device embeds in an error reply.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// renderMessage implements the message-remap table for known device error
// codes.
func renderMessage(e rpcError) string {
	switch e.Code {
	case -5001:
		if e.Message == "invalid_arg" {
			return "Invalid argument"
		}
		return e.Message
	case -5005:
		if e.Message == "params error" {
			return "Invalid argument"
		}
		return e.Message
	case -10000:
		return "" // filled in by caller, which knows the method name
	default:
		return e.Message
	}
}

// retryableCodes is the fixed set of device error codes that restart the
// call instead of surfacing to the caller.
var retryableCodes = map[int]bool{
	-9999:  true,
	-30001: true,
}

// isRetryable reports whether a device-reported error should trigger an
// automatic retry (with a forced re-handshake) rather than a user-visible
// rejection: a fixed set of codes, or a message mentioning a stale stamp.
func isRetryable(e rpcError) bool {
	if retryableCodes[e.Code] {
		return true
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "invalid stamp") || strings.Contains(lower, "invalid_stmp")
}
