// Package secret implements the post-TLS challenge-response step
// described in spec §4.6 and §6: a file-resident shared secret binds an
// authenticated session to the local user's filesystem permissions, on
// top of (not instead of) mutual TLS.
package secret

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
)

// Size is the length in bytes of the shared secret (512 bits).
const Size = 64

// SaltSize is the length in bytes of the per-challenge salt.
const SaltSize = 32

// ErrChallengeMismatch is returned when a client's digest does not match
// the expected value; the caller must close the connection without
// revealing which part of the check failed (spec §7: ProtocolAuth
// failures close silently, "no enumeration oracle").
var ErrChallengeMismatch = fmt.Errorf("secret: challenge response did not match")

// Load reads the shared secret from path, creating it with mode 0600 if
// it does not already exist (spec §4.7, §6 filesystem layout).
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != Size {
			return nil, fmt.Errorf("secret: %s has unexpected length %d, want %d", path, len(data), Size)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secret: read %s: %w", path, err)
	}

	secretBytes := make([]byte, Size)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("secret: generate: %w", err)
	}
	if err := os.WriteFile(path, secretBytes, 0o600); err != nil {
		return nil, fmt.Errorf("secret: write %s: %w", path, err)
	}
	return secretBytes, nil
}

// NewSalt returns a fresh random salt for one challenge.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("secret: generate salt: %w", err)
	}
	return salt, nil
}

// Digest computes the keyed digest a client must return for a given
// salt: HMAC-SHA256(secret, salt).
func Digest(secretBytes, salt []byte) []byte {
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write(salt)
	return mac.Sum(nil)
}

// Verify reports whether digest is the correct response to salt under
// secretBytes, using a constant-time comparison to avoid timing side
// channels on the challenge.
func Verify(secretBytes, salt, digest []byte) bool {
	expected := Digest(secretBytes, salt)
	return subtle.ConstantTimeCompare(expected, digest) == 1
}

