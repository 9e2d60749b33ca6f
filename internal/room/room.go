package room

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// room ID length in characters
	RoomIDLength = 32

	// prefix for all MeshChat room IDs
	RoomIDPrefix = "Mesh_"

	// joiner identities are roomID + JoinerSeparator + suffix
	JoinerSeparator    = "-"
	JoinerSuffixLength = 8
)

// Role is the part a local peer plays in a room.
type Role int

const (
	RoleCreator Role = iota
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleCreator:
		return "creator"
	case RoleJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// GenerateRoomID creates a cryptographically secure room ID
func GenerateRoomID() (string, error) {
	encoded, err := randomBase58(24, RoomIDLength-len(RoomIDPrefix))
	if err != nil {
		return "", err
	}
	return RoomIDPrefix + encoded, nil
}

// ValidateRoomID checks if a room ID has the correct format
func ValidateRoomID(roomID string) bool {
	if !strings.HasPrefix(roomID, RoomIDPrefix) {
		return false
	}
	if len(roomID) != RoomIDLength {
		return false
	}

	// decode to ensure it's valid Base58
	decoded := base58.Decode(roomID[len(RoomIDPrefix):])
	return len(decoded) > 0
}

// JoinerIdentity returns a fresh per-session identity for a peer joining
// roomID. The creator's identity is roomID itself, so joiners can always
// address it by name while never colliding with it or with each other.
func JoinerIdentity(roomID string) (string, error) {
	suffix, err := randomBase58(8, JoinerSuffixLength)
	if err != nil {
		return "", err
	}
	return roomID + JoinerSeparator + suffix, nil
}

// IdentityFor returns the local identity for role in roomID.
func IdentityFor(role Role, roomID string) (string, error) {
	if role == RoleCreator {
		return roomID, nil
	}
	return JoinerIdentity(roomID)
}

// BelongsTo reports whether identity is the creator of roomID or one of
// its joiners.
func BelongsTo(identity, roomID string) bool {
	if identity == roomID {
		return true
	}
	return strings.HasPrefix(identity, roomID+JoinerSeparator) &&
		len(identity) == len(roomID)+len(JoinerSeparator)+JoinerSuffixLength
}

// GetDiscoveryHash creates a discovery hash for mDNS service names
func GetDiscoveryHash(roomID string) string {
	hash := sha256.Sum256([]byte(roomID))

	// first 8 bytes keep service names short
	return hex.EncodeToString(hash[:8])
}

// ShortID returns a shortened identity for display
func ShortID(id string) string {
	if len(id) > 16 {
		return id[:8] + "..." + id[len(id)-6:]
	}
	return id
}

// randomBase58 encodes n random bytes and pads or truncates to length.
func randomBase58(n, length int) (string, error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base58.Encode(randomBytes)
	for len(encoded) < length {
		padding := make([]byte, length-len(encoded))
		if _, err := rand.Read(padding); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		encoded += base58.Encode(padding)
	}
	return encoded[:length], nil
}
