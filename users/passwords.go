package users

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2Params are the argon2id cost parameters. Changing them invalidates
// every stored hash, so they belong in configuration, not code.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
	SaltLen   int
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   2,
		KeyLen:    32,
		SaltLen:   16,
	}
}

// PasswordHasher derives password hashes with argon2id.
type PasswordHasher struct {
	params Argon2Params
}

func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	d := DefaultArgon2Params()
	if params.Time == 0 {
		params.Time = d.Time
	}
	if params.MemoryKiB == 0 {
		params.MemoryKiB = d.MemoryKiB
	}
	if params.Threads == 0 {
		params.Threads = d.Threads
	}
	if params.KeyLen == 0 {
		params.KeyLen = d.KeyLen
	}
	if params.SaltLen <= 0 {
		params.SaltLen = d.SaltLen
	}
	return &PasswordHasher{params: params}
}

func (h *PasswordHasher) NewSalt() ([]byte, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

func (h *PasswordHasher) Hash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)
}

// Matches derives the hash for password and compares it in constant time.
func (h *PasswordHasher) Matches(password string, salt, hash []byte) bool {
	return subtle.ConstantTimeCompare(h.Hash(password, salt), hash) == 1
}
