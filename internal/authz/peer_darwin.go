//go:build darwin

package authz

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ResolvePeer resolves the peer identity of a unix socket connection on
// macOS via LOCAL_PEERCRED and LOCAL_PEERPID.
func ResolvePeer(conn net.Conn) (*PeerIdentity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Xucred
	var pid int
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if sockErr != nil {
			return
		}
		pid, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", sockErr)
	}

	exe, err := executablePath(pid)
	if err != nil {
		return nil, fmt.Errorf("resolve peer executable: %w", err)
	}

	digest, err := HashExecutable(exe)
	if err != nil {
		return nil, fmt.Errorf("hash peer executable: %w", err)
	}

	return &PeerIdentity{
		PID:        pid,
		UID:        int(cred.Uid),
		GID:        int(cred.Groups[0]),
		Executable: exe,
		Name:       filepath.Base(exe),
		Digest:     digest,
	}, nil
}

// executablePath returns the binary path for a pid. kern.procargs2
// yields argc followed by the NUL-terminated executable path.
func executablePath(pid int) (string, error) {
	raw, err := unix.SysctlRaw("kern.procargs2", pid)
	if err != nil {
		return "", err
	}
	if len(raw) < 5 {
		return "", fmt.Errorf("short procargs2 response")
	}
	path := raw[4:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	if len(path) == 0 {
		return "", fmt.Errorf("empty executable path")
	}
	return string(path), nil
}
