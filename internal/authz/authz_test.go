package authz

import (
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlockd/internal/logging"
)

// writeCallerBinary creates a fake caller executable and returns its
// path and digest.
func writeCallerBinary(t *testing.T, name string) (string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho "+name+"\n"), 0755))
	digest, err := HashExecutable(path)
	require.NoError(t, err)
	return path, digest
}

func identityFor(path string, digest []byte) *PeerIdentity {
	return &PeerIdentity{
		PID:        4242,
		UID:        1000,
		Executable: path,
		Name:       filepath.Base(path),
		Digest:     digest,
	}
}

// ============================================================
// Manifest loading
// ============================================================

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
authority_name: example-corp
callers:
  - name: inputlockctl
  - name: statusbar
`), 0600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "example-corp", m.AuthorityName)
	assert.Len(t, m.Callers, 2)
}

func TestLoadManifestRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("callers: []\n"), 0600))

	_, err := LoadManifest(path)
	assert.ErrorContains(t, err, "no callers")
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// ============================================================
// Relaxed policy
// ============================================================

func TestRelaxedPolicy(t *testing.T) {
	p := NewRelaxedPolicy(&Manifest{Callers: []CallerEntry{{Name: "inputlockctl"}}})

	assert.NoError(t, p.Authorize(&PeerIdentity{Name: "inputlockctl"}))
	assert.Error(t, p.Authorize(&PeerIdentity{Name: "intruder"}))
}

// ============================================================
// Hardened policy
// ============================================================

func hardenedFixture(t *testing.T) (*HardenedPolicy, *PeerIdentity, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path, digest := writeCallerBinary(t, "inputlockctl")
	sig := ed25519.Sign(priv, digest)

	m := &Manifest{
		AuthorityKey:  hex.EncodeToString(pub),
		AuthorityName: "example-corp",
		Callers: []CallerEntry{{
			Name:           "inputlockctl",
			Digest:         hex.EncodeToString(digest),
			Signature:      hex.EncodeToString(sig),
			AuthorityKeyID: KeyFingerprint(pub),
		}},
	}
	p, err := NewHardenedPolicy(m)
	require.NoError(t, err)
	return p, identityFor(path, digest), priv
}

func TestHardenedPolicyAccepts(t *testing.T) {
	p, id, _ := hardenedFixture(t)
	assert.NoError(t, p.Authorize(id))
}

func TestHardenedPolicyRejectsUnknownCaller(t *testing.T) {
	p, id, _ := hardenedFixture(t)
	id.Name = "intruder"
	assert.Error(t, p.Authorize(id))
}

func TestHardenedPolicyRejectsDigestMismatch(t *testing.T) {
	p, id, _ := hardenedFixture(t)
	// A tampered binary hashes differently.
	id.Digest[0] ^= 0xFF
	assert.ErrorContains(t, p.Authorize(id), "digest mismatch")
}

func TestHardenedPolicyRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, rogue, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path, digest := writeCallerBinary(t, "inputlockctl")
	sig := ed25519.Sign(rogue, digest) // wrong key

	m := &Manifest{
		AuthorityKey: hex.EncodeToString(pub),
		Callers: []CallerEntry{{
			Name:           "inputlockctl",
			Digest:         hex.EncodeToString(digest),
			Signature:      hex.EncodeToString(sig),
			AuthorityKeyID: KeyFingerprint(pub),
		}},
	}
	p, err := NewHardenedPolicy(m)
	require.NoError(t, err)

	assert.ErrorContains(t, p.Authorize(identityFor(path, digest)), "signature verification failed")
}

func TestHardenedPolicyRejectsForeignAuthority(t *testing.T) {
	p, id, _ := hardenedFixture(t)
	entry := p.entries["inputlockctl"]
	entry.AuthorityKeyID = "0011223344556677"
	p.entries["inputlockctl"] = entry

	assert.ErrorContains(t, p.Authorize(id), "unexpected authority")
}

func TestHardenedPolicyAuthorityNameFallback(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path, digest := writeCallerBinary(t, "inputlockctl")
	sig := ed25519.Sign(priv, digest)

	// Entry without a key fingerprint matches by display name.
	m := &Manifest{
		AuthorityKey:  hex.EncodeToString(pub),
		AuthorityName: "example-corp",
		Callers: []CallerEntry{{
			Name:      "inputlockctl",
			Digest:    hex.EncodeToString(digest),
			Signature: hex.EncodeToString(sig),
			Authority: "example-corp",
		}},
	}
	p, err := NewHardenedPolicy(m)
	require.NoError(t, err)
	assert.NoError(t, p.Authorize(identityFor(path, digest)))

	m.Callers[0].Authority = "someone-else"
	p, err = NewHardenedPolicy(m)
	require.NoError(t, err)
	assert.ErrorContains(t, p.Authorize(identityFor(path, digest)), "unexpected authority")
}

func TestHardenedPolicyRequiresAuthorityKey(t *testing.T) {
	_, err := NewHardenedPolicy(&Manifest{
		Callers: []CallerEntry{{Name: "x", Digest: "00", Signature: "00"}},
	})
	assert.ErrorContains(t, err, "authority_key")
}

func TestHardenedPolicyRequiresDigestAndSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = NewHardenedPolicy(&Manifest{
		AuthorityKey: hex.EncodeToString(pub),
		Callers:      []CallerEntry{{Name: "bare"}},
	})
	assert.ErrorContains(t, err, "missing digest or signature")
}

// ============================================================
// Authorizer
// ============================================================

func TestAuthorizerRejectsOnResolutionFailure(t *testing.T) {
	a := NewWithResolver(NewRelaxedPolicy(&Manifest{
		Callers: []CallerEntry{{Name: "inputlockctl"}},
	}), func(net.Conn) (*PeerIdentity, error) {
		return nil, assert.AnError
	}, logging.Default())

	assert.ErrorIs(t, a.Authorize(nil), ErrUnauthorized)
}

func TestAuthorizerReturnsGenericError(t *testing.T) {
	a := NewWithResolver(NewRelaxedPolicy(&Manifest{
		Callers: []CallerEntry{{Name: "inputlockctl"}},
	}), func(net.Conn) (*PeerIdentity, error) {
		return &PeerIdentity{Name: "intruder"}, nil
	}, logging.Default())

	err := a.Authorize(nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	// The rejection reason must not leak to the caller.
	assert.NotContains(t, err.Error(), "intruder")
}

func TestAuthorizerAccepts(t *testing.T) {
	a := NewWithResolver(NewRelaxedPolicy(&Manifest{
		Callers: []CallerEntry{{Name: "inputlockctl"}},
	}), func(net.Conn) (*PeerIdentity, error) {
		return &PeerIdentity{Name: "inputlockctl", PID: 1}, nil
	}, logging.Default())

	assert.NoError(t, a.Authorize(nil))
}
