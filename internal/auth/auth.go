// Package auth validates retrieval LOGIN credentials.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a user is unknown or the password does not match.
var ErrInvalidCredentials = errors.New("authentication failed")

// Authenticator checks a username and password.
type Authenticator interface {
	Authenticate(username, password string) error
}

// AllowAll accepts any credentials. Mailboxes are addressed by name and the
// login only gates the session state.
type AllowAll struct{}

// Authenticate always succeeds.
func (AllowAll) Authenticate(string, string) error {
	return nil
}

// Static verifies credentials against a fixed set of users with bcrypt password hashes.
type Static struct {
	users map[string][]byte
}

// NewStatic creates a Static authenticator from a map of username to bcrypt hash.
// Hashes are checked for a valid bcrypt cost up front.
func NewStatic(users map[string]string) (*Static, error) {
	s := &Static{users: make(map[string][]byte, len(users))}
	for name, hash := range users {
		if name == "" {
			return nil, fmt.Errorf("empty username")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", name, err)
		}
		s.users[name] = []byte(hash)
	}
	return s, nil
}

// Authenticate returns nil when password matches the stored hash for username.
func (s *Static) Authenticate(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		// Unknown users cost the same bcrypt comparison as known ones.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword returns a bcrypt hash of password for use in configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("tempmail-unknown-user"), bcrypt.DefaultCost)
	return hash
})
