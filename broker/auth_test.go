// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAuthFile(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  alice: \""+hash+"\"\n"), 0o600))

	auth, err := LoadAuthFile(path)
	require.NoError(t, err)

	cases := []struct {
		desc     string
		username string
		password string
		want     bool
	}{
		{desc: "valid", username: "alice", password: "s3cret", want: true},
		{desc: "wrong password", username: "alice", password: "secret", want: false},
		{desc: "unknown user", username: "bob", password: "s3cret", want: false},
		{desc: "empty", username: "", password: "", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			ok, err := auth.Authenticate(tc.username, tc.password)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestLoadAuthFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadAuthFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("users:\n  alice: plaintext\n"), 0o600))
	_, err = LoadAuthFile(bad)
	assert.ErrorContains(t, err, "alice")
}

func TestAuthEngine(t *testing.T) {
	ok, err := NewAuthEngine(nil).Authenticate("anyone", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewAuthEngine(AllowAll{}).Authenticate("", "")
	require.NoError(t, err)
	assert.True(t, ok)

	var e *AuthEngine
	ok, err = e.Authenticate("x", "y")
	require.NoError(t, err)
	assert.True(t, ok)
}
