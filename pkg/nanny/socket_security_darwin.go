//go:build darwin

package nanny

import (
	"fmt"
	"syscall"
	"unsafe"
)

// getPeerCredentials uses LOCAL_PEERCRED; macOS does not report the peer
// PID through this mechanism.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	type xucred struct {
		version uint32
		uid     uint32
		ngroups int16
		groups  [16]uint32
	}

	const localPeerCred = 0x001 // sys/un.h
	const solLocal = 0          // sys/socket.h

	cred := &xucred{}
	credLen := uint32(unsafe.Sizeof(*cred))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(solLocal),
		uintptr(localPeerCred),
		uintptr(unsafe.Pointer(cred)),
		uintptr(unsafe.Pointer(&credLen)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED: %v", errno)
	}
	return &PeerCredentials{UID: cred.uid, GID: cred.groups[0], PID: 0}, nil
}
