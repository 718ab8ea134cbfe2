//go:build linux

package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Lookup reads the connecting peer's credentials via SO_PEERCRED.
func Lookup(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("peercred: SyscallConn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("peercred: Control: %w", err)
	}
	if sockErr != nil {
		return Credentials{}, fmt.Errorf("peercred: getsockopt SO_PEERCRED: %w", sockErr)
	}

	return Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
