package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the per-message random nonce length (96 bits).
const NonceSize = chacha20poly1305.NonceSize

// SymmetricKey is a 256-bit ChaCha20-Poly1305 key. It is used for the
// RoomKey, the pairwise wrap key and the local history key.
type SymmetricKey [chacha20poly1305.KeySize]byte

// Sealed is the output of Encrypt.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

// GenerateSymmetricKey returns a random key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	var key SymmetricKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return key, nil
}

// ExportSymmetric returns the raw key bytes.
func ExportSymmetric(key SymmetricKey) []byte {
	out := make([]byte, len(key))
	copy(out, key[:])
	return out
}

// ImportSymmetric builds a key from raw bytes.
func ImportSymmetric(raw []byte) (SymmetricKey, error) {
	var key SymmetricKey
	if len(raw) != len(key) {
		return key, ErrInvalidKeySize
	}
	copy(key[:], raw)
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key SymmetricKey, plaintext []byte) (Sealed, error) {
	return EncryptWithAD(key, plaintext, nil)
}

// Decrypt opens a ciphertext produced by Encrypt. Tampering or a wrong key
// yields ErrAuthenticationFailure.
func Decrypt(key SymmetricKey, nonce, ciphertext []byte) ([]byte, error) {
	return DecryptWithAD(key, nonce, ciphertext, nil)
}

// EncryptWithAD is Encrypt with associated data bound into the tag.
func EncryptWithAD(key SymmetricKey, plaintext, ad []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return Sealed{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, ad),
	}, nil
}

// DecryptWithAD is the counterpart of EncryptWithAD.
func DecryptWithAD(key SymmetricKey, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
