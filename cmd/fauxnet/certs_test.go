package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCerts(t *testing.T) {
	t.Parallel()

	t.Run("generates_usable_pair", func(t *testing.T) {
		dir := t.TempDir()
		certPath := filepath.Join(dir, "server.crt")
		keyPath := filepath.Join(dir, "server.key")

		require.NoError(t, EnsureCerts(certPath, keyPath))

		// The pair must load as a TLS certificate.
		_, err := tls.LoadX509KeyPair(certPath, keyPath)
		require.NoError(t, err)

		raw, err := os.ReadFile(certPath)
		require.NoError(t, err)
		block, _ := pem.Decode(raw)
		require.NotNil(t, block)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		assert.Contains(t, cert.DNSNames, "localhost")
		assert.Contains(t, cert.DNSNames, "fauxnet.local")

		info, err := os.Stat(keyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("existing_pair_is_left_alone", func(t *testing.T) {
		dir := t.TempDir()
		certPath := filepath.Join(dir, "server.crt")
		keyPath := filepath.Join(dir, "server.key")

		require.NoError(t, EnsureCerts(certPath, keyPath))
		before, err := os.ReadFile(certPath)
		require.NoError(t, err)

		require.NoError(t, EnsureCerts(certPath, keyPath))
		after, err := os.ReadFile(certPath)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("creates_parent_directories", func(t *testing.T) {
		dir := t.TempDir()
		certPath := filepath.Join(dir, "certs", "server.crt")
		keyPath := filepath.Join(dir, "certs", "server.key")
		require.NoError(t, EnsureCerts(certPath, keyPath))

		_, err := os.Stat(certPath)
		assert.NoError(t, err)
	})
}
