package socks5

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// RFC 1928 method codes offered/selected during greeting.
const (
	MethodNoAuth       byte = 0x00
	MethodGSSAPI       byte = 0x01
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// RFC 1929 credential result codes.
const (
	AuthStatusSuccess byte = 0x00
	AuthStatusFailure byte = 0x01
)

// CredentialStore validates a username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to bcrypt hash mappings. This is the
// recommended credential store for production use.
type HashedCredentials map[string]string

// Valid checks the username/password combination using bcrypt, which is
// inherently constant-time per comparison.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		// Run a dummy comparison so an unknown username takes the same
		// time as a known one with a wrong password.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// dummyHash is a pre-computed bcrypt hash compared against when the
// username doesn't exist, for timing-attack resistance.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a plaintext credential store.
//
// Deprecated: use HashedCredentials for production deployments.
type StaticCredentials map[string]string

// Valid checks the username/password combination using a constant-time
// comparison.
//
// Deprecated: use HashedCredentials for production deployments.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword creates a bcrypt hash of password, for operators storing
// HashedCredentials instead of plaintext.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword creates a bcrypt hash and panics on error. For use in
// tests and one-shot initialization.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}
