// Package peercred reads the effective UID of the process on the other end
// of a Unix-domain socket, used by the event loop to admit only peers owned
// by the broker's own user. The lookup mechanism is OS-specific (SO_PEERCRED
// on Linux, getpeereid on the BSD family); each is
// isolated behind a build tag so the common package surface stays a single
// function.
package peercred

// Credentials holds the OS-reported identity of a connected peer.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}
