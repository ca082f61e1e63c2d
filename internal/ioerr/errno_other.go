//go:build !unix

package ioerr

// On non-unix builds there is no unix.Errno to translate; numeric errno
// carriers fall through to the message-substring check in IsTransient.
func errnoToCode(int) (string, bool) { return "", false }

func unixErrToCode(error) (string, bool) { return "", false }
