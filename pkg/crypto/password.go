package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor for stored password hashes.
const PasswordCost = bcrypt.DefaultCost

// ErrPasswordMismatch is returned when a plaintext does not match its hash.
var ErrPasswordMismatch = errors.New("crypto: password mismatch")

// HashPassword hashes plaintext using bcrypt. bcrypt rejects inputs over 72 bytes.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
}

// ComparePassword compares plaintext to a stored hash.
func ComparePassword(hash []byte, plain string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}
