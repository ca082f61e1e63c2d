//go:build !unix

package netmgr

import "syscall"

func setBroadcastOption(syscall.RawConn) error { return nil }
