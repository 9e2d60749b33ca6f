package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrInvalidKeySize        = errors.New("invalid key size")
	ErrInvalidNonceSize      = errors.New("invalid nonce size")
	ErrInvalidPublicKey      = errors.New("invalid public key")
)

// PublicKeySize is the length of a raw key-agreement public key.
const PublicKeySize = x25519.Size

// info string for the pairwise key; both ends must use the same value
const pairwiseInfo = "meshchat pairwise room-key wrap v1"

// PublicKey is the transportable half of a KeyPair.
type PublicKey [PublicKeySize]byte

// KeyPair is a per-session X25519 key-agreement key pair. The secret half
// has no accessor and cannot be exported.
type KeyPair struct {
	secret x25519.Key
	public PublicKey
}

// GenerateKeyPair creates a fresh key-agreement key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key-agreement secret: %w", err)
	}

	var pub x25519.Key
	x25519.KeyGen(&pub, &kp.secret)
	kp.public = PublicKey(pub)
	return kp, nil
}

// Public returns the public half of the pair.
func (kp *KeyPair) Public() PublicKey {
	return kp.public
}

// ExportPublic encodes a public key as base64 of its raw bytes.
func ExportPublic(pub PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// ImportPublic reverses ExportPublic.
func ImportPublic(encoded string) (PublicKey, error) {
	var pub PublicKey
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != PublicKeySize {
		return pub, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// DeriveSharedKey runs X25519 between the local secret and a remote public
// key and expands the result with HKDF-SHA256 into a 256-bit AEAD key.
// Both ends of a pair derive the same key.
func DeriveSharedKey(kp *KeyPair, remote PublicKey) (SymmetricKey, error) {
	var shared, pub x25519.Key
	pub = x25519.Key(remote)

	// Shared reports false for low-order points
	if !x25519.Shared(&shared, &kp.secret, &pub) {
		return SymmetricKey{}, ErrInvalidPublicKey
	}

	var key SymmetricKey
	r := hkdf.New(sha256.New, shared[:], nil, []byte(pairwiseInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return SymmetricKey{}, fmt.Errorf("failed to expand shared secret: %w", err)
	}
	return key, nil
}

// Fingerprint returns a short hex digest of a public key for out-of-band
// comparison.
func Fingerprint(pub PublicKey) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:16])
}
