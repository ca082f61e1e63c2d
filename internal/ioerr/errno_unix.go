//go:build unix

package ioerr

import "golang.org/x/sys/unix"

// errnoTable maps the numeric errno values this classifier cares about to
// their symbolic names: a numeric errno is only ever meaningful once
// translated to its symbolic name.
var errnoTable = map[int]string{
	int(unix.ENOTCONN):     "ENOTCONN",
	int(unix.EHOSTUNREACH): "EHOSTUNREACH",
	int(unix.EHOSTDOWN):    "EHOSTDOWN",
	int(unix.ENETUNREACH):  "ENETUNREACH",
	int(unix.ENETDOWN):     "ENETDOWN",
	int(unix.ENETRESET):    "ENETRESET",
	int(unix.EAGAIN):       "EAGAIN",
	int(unix.EINTR):        "EINTR",
	int(unix.EALREADY):     "EALREADY",
	int(unix.EINPROGRESS):  "EINPROGRESS",
	int(unix.ENOBUFS):      "ENOBUFS",
	int(unix.EADDRNOTAVAIL): "EADDRNOTAVAIL",
	int(unix.ECONNREFUSED): "ECONNREFUSED",
	int(unix.ECONNRESET):   "ECONNRESET",
	int(unix.ECONNABORTED): "ECONNABORTED",
	int(unix.EPIPE):        "EPIPE",
	int(unix.EBADF):        "EBADF",
	int(unix.EIO):          "EIO",
	int(unix.ECANCELED):    "ECANCELED",
	int(unix.ETIMEDOUT):    "ETIMEDOUT",
}

func errnoToCode(errno int) (string, bool) {
	code, ok := errnoTable[errno]
	return code, ok
}

func unixErrToCode(err error) (string, bool) {
	errnoErr, ok := err.(unix.Errno)
	if !ok {
		return "", false
	}
	return errnoToCode(int(errnoErr))
}
