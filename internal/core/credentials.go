package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// SetPassword stores a bcrypt hash of the parent login password
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// SetPIN stores a bcrypt hash of the child login PIN
func (u *User) SetPIN(pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PINHash = string(hash)
	return nil
}

// CheckPIN reports whether pin matches the stored hash
func (u *User) CheckPIN(pin string) bool {
	if u.PINHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PINHash), []byte(pin)) == nil
}

// NewDeviceToken returns a fresh raw device token and its hash. The raw
// token is handed out exactly once at registration; only the hash is
// persisted.
func NewDeviceToken() (raw, hash string, err error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken returns the SHA-256 hex digest of a raw token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
