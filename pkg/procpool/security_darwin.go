//go:build darwin

package procpool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// getPeerCredentials retrieves the peer's credentials via LOCAL_PEERCRED.
// macOS does not report a PID in peer credentials.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	type xucred struct {
		version uint32
		uid     uint32
		ngroups int16
		groups  [16]uint32
	}

	const localPeerCred = 0x001 // LOCAL_PEERCRED, sys/un.h
	const solLocal = 0          // SOL_LOCAL, sys/socket.h

	cred := &xucred{}
	credLen := uint32(unsafe.Sizeof(*cred))

	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
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

	gid := uint32(0)
	if cred.ngroups > 0 {
		gid = cred.groups[0]
	}

	return &PeerCredentials{
		UID: cred.uid,
		GID: gid,
		PID: 0,
	}, nil
}
