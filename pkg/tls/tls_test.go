// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/mmqp/internal/testcerts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTLSConfig(t *testing.T) {
	certs := testcerts.Generate(t)

	cases := []struct {
		desc       string
		cfg        Config
		wantNil    bool
		wantErr    bool
		clientAuth tls.ClientAuthType
		status     string
	}{
		{desc: "disabled", cfg: Config{}, wantNil: true},
		{desc: "key without cert", cfg: Config{KeyFile: certs.ServerKeyFile}, wantNil: true},
		{
			desc:       "server certificate",
			cfg:        Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile},
			clientAuth: tls.NoClientCert,
			status:     "TLS",
		},
		{
			desc:       "mutual TLS",
			cfg:        Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: certs.CAFile},
			clientAuth: tls.RequireAndVerifyClientCert,
			status:     "TLS and RequireAndVerifyClientCert",
		},
		{desc: "missing key", cfg: Config{CertFile: certs.ServerCertFile, KeyFile: "missing.key"}, wantErr: true},
		{desc: "missing client CA", cfg: Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: "missing.crt"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := LoadTLSConfig(&tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.wantNil {
				assert.Nil(t, got)
				assert.Equal(t, "no TLS", SecurityStatus(got))
				return
			}
			require.NotNil(t, got)
			assert.Len(t, got.Certificates, 1)
			assert.Equal(t, tc.clientAuth, got.ClientAuth)
			assert.Equal(t, tc.status, SecurityStatus(got))
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	certs := testcerts.Generate(t)

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadClientConfig(certs.CAFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotNil(t, cfg.RootCAs)

	bad := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = LoadClientConfig(bad)
	assert.ErrorIs(t, err, errAppendCA)
}
