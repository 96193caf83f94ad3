//go:build linux

package authz

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ResolvePeer resolves the peer identity of a unix socket connection via
// SO_PEERCRED, then follows /proc/<pid>/exe to the caller binary. The
// credentials are kernel-asserted; the exe link is only readable for
// same-user or privileged processes, which the daemon is.
func ResolvePeer(conn net.Conn) (*PeerIdentity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", cred.Pid))
	if err != nil {
		return nil, fmt.Errorf("resolve peer executable: %w", err)
	}

	digest, err := HashExecutable(exe)
	if err != nil {
		return nil, fmt.Errorf("hash peer executable: %w", err)
	}

	return &PeerIdentity{
		PID:        int(cred.Pid),
		UID:        int(cred.Uid),
		GID:        int(cred.Gid),
		Executable: exe,
		Name:       filepath.Base(exe),
		Digest:     digest,
	}, nil
}
