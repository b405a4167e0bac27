//go:build linux

package nanny

import (
	"fmt"
	"syscall"
	"unsafe"
)

func getPeerCredentials(fd int) (*PeerCredentials, error) {
	ucred := &syscall.Ucred{}
	ucredLen := uint32(syscall.SizeofUcred)

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(syscall.SOL_SOCKET),
		uintptr(syscall.SO_PEERCRED),
		uintptr(unsafe.Pointer(ucred)),
		uintptr(unsafe.Pointer(&ucredLen)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %v", errno)
	}
	return &PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
