// Package authz gates IPC connections on the caller's code identity.
//
// The lock service must refuse connections from processes it cannot
// identify as authorized: a malicious caller holding the lock endpoint
// can render the machine unusable. Identity is resolved from the unix
// socket peer credentials (kernel-asserted PID/UID), the executable
// behind the PID, and a digest of that binary. Two policies exist,
// selected once at process start:
//
//   - Hardened: the binary digest must carry a valid signature from the
//     expected signing authority and the caller name must be
//     allow-listed.
//   - Relaxed: only the name allow-list applies, keeping local
//     development unblocked.
//
// Every resolution failure is a rejection. There is no default-allow
// path, and rejected callers never learn why.
package authz

import (
	"errors"
	"net"

	"inputlockd/internal/logging"
)

// ErrUnauthorized is the only error a rejected connection produces. The
// detailed reason stays in the service log so authorization internals
// are not leaked to a potentially malicious caller.
var ErrUnauthorized = errors.New("authz: connection not authorized")

// PeerIdentity is the resolved identity of a connecting process.
type PeerIdentity struct {
	PID        int
	UID        int
	GID        int
	Executable string // resolved binary path
	Name       string // caller identifier (executable base name)
	Digest     []byte // BLAKE2b-256 of the binary
}

// Policy decides whether a resolved identity may use the service.
type Policy interface {
	Authorize(id *PeerIdentity) error
}

// ResolveFunc resolves the peer identity of a connection. Injectable so
// tests can supply identities without real sockets.
type ResolveFunc func(conn net.Conn) (*PeerIdentity, error)

// Authorizer gates connections at accept time, before any protocol
// traffic is read.
type Authorizer struct {
	policy  Policy
	resolve ResolveFunc
	log     *logging.Logger
}

// New creates an Authorizer using the platform peer resolver.
func New(policy Policy, log *logging.Logger) *Authorizer {
	return &Authorizer{policy: policy, resolve: ResolvePeer, log: log}
}

// NewWithResolver creates an Authorizer with a custom resolver (tests).
func NewWithResolver(policy Policy, resolve ResolveFunc, log *logging.Logger) *Authorizer {
	return &Authorizer{policy: policy, resolve: resolve, log: log}
}

// Authorize resolves and checks the connection's peer. Any failure,
// including an identity that cannot be determined, is a rejection.
func (a *Authorizer) Authorize(conn net.Conn) error {
	id, err := a.resolve(conn)
	if err != nil {
		a.log.Warn("peer identity resolution failed", "error", err)
		return ErrUnauthorized
	}
	if err := a.policy.Authorize(id); err != nil {
		a.log.Warn("connection rejected",
			"caller", id.Name, "pid", id.PID, "uid", id.UID, "error", err)
		return ErrUnauthorized
	}
	a.log.Debug("connection authorized", "caller", id.Name, "pid", id.PID)
	return nil
}
