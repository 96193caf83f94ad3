package authz

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// CallerEntry is one allow-listed caller in the manifest.
type CallerEntry struct {
	// Name is the caller identifier (executable base name).
	Name string `yaml:"name"`

	// Digest is the hex BLAKE2b-256 of the caller binary.
	Digest string `yaml:"digest,omitempty"`

	// Signature is the hex ed25519 signature over the raw digest bytes,
	// issued by the signing authority.
	Signature string `yaml:"signature,omitempty"`

	// AuthorityKeyID is the hex fingerprint of the key that signed this
	// entry. When absent, Authority is compared by name instead.
	AuthorityKeyID string `yaml:"authority_key_id,omitempty"`

	// Authority is the signing authority's display name, used as the
	// fallback match when AuthorityKeyID is absent.
	Authority string `yaml:"authority,omitempty"`
}

// Manifest is the static allow-list loaded once at process start.
type Manifest struct {
	// AuthorityKey is the hex ed25519 public key of the single expected
	// signing authority. Required for the hardened policy.
	AuthorityKey string `yaml:"authority_key,omitempty"`

	// AuthorityName is the expected authority display name, matched
	// when an entry carries no key fingerprint.
	AuthorityName string `yaml:"authority_name,omitempty"`

	Callers []CallerEntry `yaml:"callers"`
}

// LoadManifest reads the YAML allow-list manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Callers) == 0 {
		return nil, fmt.Errorf("manifest lists no callers")
	}
	return &m, nil
}

// RelaxedPolicy checks only the caller-name allow-list. For development
// builds; signature and authority checks are skipped.
type RelaxedPolicy struct {
	allowed map[string]bool
}

// NewRelaxedPolicy builds the policy from the manifest's caller names.
func NewRelaxedPolicy(m *Manifest) *RelaxedPolicy {
	allowed := make(map[string]bool, len(m.Callers))
	for _, c := range m.Callers {
		allowed[c.Name] = true
	}
	return &RelaxedPolicy{allowed: allowed}
}

func (p *RelaxedPolicy) Authorize(id *PeerIdentity) error {
	if !p.allowed[id.Name] {
		return fmt.Errorf("caller %q not in allow-list", id.Name)
	}
	return nil
}

// HardenedPolicy verifies the caller binary's digest and its authority
// signature in addition to the allow-list.
type HardenedPolicy struct {
	entries      map[string]CallerEntry
	authorityKey ed25519.PublicKey
	authorityID  string
	authority    string
}

// NewHardenedPolicy builds the policy; the manifest must name the
// expected authority key.
func NewHardenedPolicy(m *Manifest) (*HardenedPolicy, error) {
	if m.AuthorityKey == "" {
		return nil, fmt.Errorf("hardened policy requires authority_key")
	}
	keyBytes, err := hex.DecodeString(m.AuthorityKey)
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid authority key")
	}
	key := ed25519.PublicKey(keyBytes)

	entries := make(map[string]CallerEntry, len(m.Callers))
	for _, c := range m.Callers {
		if c.Digest == "" || c.Signature == "" {
			return nil, fmt.Errorf("caller %q is missing digest or signature", c.Name)
		}
		entries[c.Name] = c
	}

	return &HardenedPolicy{
		entries:      entries,
		authorityKey: key,
		authorityID:  KeyFingerprint(key),
		authority:    m.AuthorityName,
	}, nil
}

func (p *HardenedPolicy) Authorize(id *PeerIdentity) error {
	entry, ok := p.entries[id.Name]
	if !ok {
		return fmt.Errorf("caller %q not in allow-list", id.Name)
	}

	wantDigest, err := hex.DecodeString(entry.Digest)
	if err != nil {
		return fmt.Errorf("caller %q has malformed digest", id.Name)
	}
	if len(id.Digest) == 0 ||
		subtle.ConstantTimeCompare(id.Digest, wantDigest) != 1 {
		return fmt.Errorf("caller %q binary digest mismatch", id.Name)
	}

	// The signing authority must be the single expected one. Entries
	// normally carry the signer's key fingerprint; older manifests only
	// name the authority, so fall back to the display name.
	if entry.AuthorityKeyID != "" {
		if entry.AuthorityKeyID != p.authorityID {
			return fmt.Errorf("caller %q signed by unexpected authority", id.Name)
		}
	} else if entry.Authority != p.authority {
		return fmt.Errorf("caller %q names unexpected authority", id.Name)
	}

	sig, err := hex.DecodeString(entry.Signature)
	if err != nil {
		return fmt.Errorf("caller %q has malformed signature", id.Name)
	}
	if !ed25519.Verify(p.authorityKey, wantDigest, sig) {
		return fmt.Errorf("caller %q signature verification failed", id.Name)
	}

	return nil
}

// HashExecutable computes the BLAKE2b-256 digest of a binary.
func HashExecutable(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read executable: %w", err)
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// KeyFingerprint returns the short hex fingerprint of a public key.
func KeyFingerprint(key ed25519.PublicKey) string {
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
