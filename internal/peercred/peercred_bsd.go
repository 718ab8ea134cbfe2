//go:build darwin || freebsd || netbsd || openbsd

package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Lookup reads the connecting peer's effective UID/GID via getpeereid. PID
// is not available through this mechanism on the BSD family and is left 0.
func Lookup(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("peercred: SyscallConn: %w", err)
	}

	var uid, gid int
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		uid, gid, sockErr = unix.Getpeereid(int(fd))
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("peercred: Control: %w", err)
	}
	if sockErr != nil {
		return Credentials{}, fmt.Errorf("peercred: getpeereid: %w", sockErr)
	}

	return Credentials{UID: uint32(uid), GID: uint32(gid)}, nil
}
