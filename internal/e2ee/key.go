// Package e2ee turns the passphrase pushed with an incoming call into key
// material the media layer can register. The derivation matches what the
// platform's browser clients do, so both ends of a call arrive at the same
// room key.
package e2ee

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length the media layer expects.
	KeySize = 32

	iterations = 100_000
)

var errEmptyPassphrase = errors.New("empty e2ee passphrase")

// DeriveKey derives the room key from the pushed passphrase. The room ID is
// the salt: the same passphrase yields distinct keys per room, and both
// participants already share the room ID through signaling.
func DeriveKey(passphrase, roomID string) ([]byte, error) {
	if passphrase == "" {
		return nil, errEmptyPassphrase
	}
	return pbkdf2.Key([]byte(passphrase), []byte(roomID), iterations, KeySize, sha256.New), nil
}
