//go:build !linux && !darwin

package authz

import (
	"fmt"
	"net"
)

// ResolvePeer is unavailable on platforms without unix peer credentials.
// Unresolvable identity means rejection, never default-allow.
func ResolvePeer(conn net.Conn) (*PeerIdentity, error) {
	return nil, fmt.Errorf("peer credentials not supported on this platform")
}
