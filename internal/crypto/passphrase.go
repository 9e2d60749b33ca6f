package crypto

import "golang.org/x/crypto/argon2"

// Argon2id parameters for keys derived from a user passphrase
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// KeyFromPassphrase stretches a passphrase into a SymmetricKey with Argon2id.
func KeyFromPassphrase(passphrase string, salt []byte) SymmetricKey {
	var key SymmetricKey
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, uint32(len(key))))
	return key
}
