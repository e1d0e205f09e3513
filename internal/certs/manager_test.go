package certs

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSelfSignedIssuesAndCaches(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	cert1, err := m.EnsureSelfSigned("app.local")
	require.NoError(t, err)
	require.NotNil(t, cert1)

	cert2, err := m.EnsureSelfSigned("app.local")
	require.NoError(t, err)
	require.Same(t, cert1, cert2, "second call must hit the in-memory cache")
}

func TestGetCertificateFallsBackToSelfSigned(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.local"})
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestSelfSignedCertPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	_, err = m.EnsureSelfSigned("svc.local")
	require.NoError(t, err)

	// Reload a fresh manager against the same dir to confirm persistence.
	m2, err := NewManager(dir)
	require.NoError(t, err)
	cert, err := m2.EnsureSelfSigned("svc.local")
	require.NoError(t, err)
	require.NotNil(t, cert)
}
