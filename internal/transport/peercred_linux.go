//go:build linux

package transport

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// LookupPeerCredentials reads SO_PEERCRED off a unix-domain conn,
// backing GetConnectionUnixUser-style driver calls.
func LookupPeerCredentials(conn net.Conn) (PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCredentials{}, fmt.Errorf("transport: peer credentials require a unix socket")
	}
	sc, err := uc.SyscallConn()
	if err != nil {
		return PeerCredentials{}, err
	}

	var cred *unix.Ucred
	var sockErr error
	err = sc.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCredentials{}, err
	}
	if sockErr != nil {
		return PeerCredentials{}, sockErr
	}
	return PeerCredentials{UID: int(cred.Uid), GID: int(cred.Gid), PID: int(cred.Pid)}, nil
}
