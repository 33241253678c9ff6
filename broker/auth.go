// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrUnauthorized is returned when a request carries unknown credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator validates client credentials.
type Authenticator interface {
	Authenticate(username, password string) (bool, error)
}

// AllowAll accepts every request. Credentials are still present on the
// wire but carry no meaning.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string) (bool, error) {
	return true, nil
}

// AuthEngine handles authentication checks.
type AuthEngine struct {
	auth Authenticator
}

// NewAuthEngine wraps auth. A nil auth allows every request.
func NewAuthEngine(auth Authenticator) *AuthEngine {
	return &AuthEngine{auth: auth}
}

// Authenticate validates client credentials.
// Returns true if authenticated or if no authenticator is configured.
func (e *AuthEngine) Authenticate(username, password string) (bool, error) {
	if e == nil || e.auth == nil {
		return true, nil
	}
	return e.auth.Authenticate(username, password)
}

// authFile is the on-disk layout of a user file:
//
//	users:
//	  alice: $2a$10$...
type authFile struct {
	Users map[string]string `yaml:"users"`
}

// FileAuthenticator checks passwords against bcrypt hashes.
type FileAuthenticator struct {
	users map[string][]byte
}

// NewFileAuthenticator returns an authenticator for the given user to
// bcrypt hash mapping.
func NewFileAuthenticator(users map[string]string) *FileAuthenticator {
	a := &FileAuthenticator{users: make(map[string][]byte, len(users))}
	for name, hash := range users {
		a.users[name] = []byte(hash)
	}
	return a
}

// LoadAuthFile reads a YAML user file.
func LoadAuthFile(path string) (*FileAuthenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	var f authFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse auth file: %w", err)
	}
	for name, hash := range f.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid hash for user %q: %w", name, err)
		}
	}

	return NewFileAuthenticator(f.Users), nil
}

func (a *FileAuthenticator) Authenticate(username, password string) (bool, error) {
	hash, ok := a.users[username]
	if !ok {
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// HashPassword returns the bcrypt hash stored in a user file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
