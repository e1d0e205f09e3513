package certs

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager is the certificate catalog the proxy's TLS config consults at
// handshake time via GetCertificate. It holds a local CA for
// private/local hostnames and an in-memory cache of whatever
// certificates (self-signed or ACME-issued) have been installed for
// each SNI name, persisted at <certsDir>/<domain>/{fullchain,privkey}.pem.
type Manager struct {
	dir string
	ca  *LocalCA

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

// NewManager loads or creates the local CA rooted at dir and returns an
// otherwise-empty catalog; certificates are installed lazily via
// EnsureSelfSigned or Install (called by the ACME renewal loop).
func NewManager(dir string) (*Manager, error) {
	ca, err := LoadOrCreateLocalCA(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing local CA: %w", err)
	}
	return &Manager{dir: dir, ca: ca, certs: make(map[string]*tls.Certificate)}, nil
}

// GetCertificate implements the crypto/tls.Config.GetCertificate hook:
// SNI-based certificate selection at handshake time.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := hello.ServerName
	if name == "" {
		return nil, fmt.Errorf("no SNI server name presented")
	}

	m.mu.RLock()
	cert, ok := m.certs[name]
	m.mu.RUnlock()
	if ok {
		return cert, nil
	}

	// No ACME-issued cert installed (or not applicable for this host);
	// fall back to a local-CA leaf, generating and caching it on first
	// use.
	return m.EnsureSelfSigned(name)
}

// EnsureSelfSigned returns the cached self-signed leaf for hostname,
// issuing and persisting a new one on first request.
func (m *Manager) EnsureSelfSigned(hostname string) (*tls.Certificate, error) {
	m.mu.RLock()
	cert, ok := m.certs[hostname]
	m.mu.RUnlock()
	if ok {
		return cert, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cert, ok := m.certs[hostname]; ok {
		return cert, nil
	}

	if loaded, err := m.loadFromDisk(hostname); err == nil {
		m.certs[hostname] = loaded
		return loaded, nil
	}

	certDER, keyPEM, err := m.ca.IssueLeaf(hostname)
	if err != nil {
		return nil, fmt.Errorf("issuing self-signed certificate for %s: %w", hostname, err)
	}
	if err := m.persist(hostname, certDER, keyPEM); err != nil {
		return nil, err
	}

	tlsCert, err := certFromDER(certDER, keyPEM)
	if err != nil {
		return nil, err
	}
	m.certs[hostname] = tlsCert
	return tlsCert, nil
}

// Install registers an externally-obtained certificate (e.g. from the
// ACME client) for hostname, persisting it alongside self-signed certs.
func (m *Manager) Install(hostname string, fullchainPEM, keyPEM []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.dir, sanitize(hostname))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating certificate directory for %s: %w", hostname, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fullchain.pem"), fullchainPEM, 0o640); err != nil {
		return fmt.Errorf("writing fullchain for %s: %w", hostname, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "privkey.pem"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key for %s: %w", hostname, err)
	}

	cert, err := tls.X509KeyPair(fullchainPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parsing installed certificate for %s: %w", hostname, err)
	}
	m.certs[hostname] = &cert
	return nil
}

// CAPEM returns the local CA's own certificate, for operators who want
// to trust it on their clients.
func (m *Manager) CAPEM() []byte { return m.ca.CertPEM() }

func (m *Manager) persist(hostname string, certDER []byte, keyPEM []byte) error {
	dir := filepath.Join(m.dir, sanitize(hostname))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating certificate directory for %s: %w", hostname, err)
	}
	certPEM := pemEncodeCert(certDER)
	if err := os.WriteFile(filepath.Join(dir, "fullchain.pem"), certPEM, 0o640); err != nil {
		return fmt.Errorf("writing self-signed cert for %s: %w", hostname, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "privkey.pem"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing self-signed key for %s: %w", hostname, err)
	}
	return nil
}

func (m *Manager) loadFromDisk(hostname string) (*tls.Certificate, error) {
	dir := filepath.Join(m.dir, sanitize(hostname))
	certPEM, err := os.ReadFile(filepath.Join(dir, "fullchain.pem"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "privkey.pem"))
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// sanitize strips path separators from a hostname before using it as a
// directory component; hostnames never legitimately contain them.
func sanitize(hostname string) string {
	out := make([]rune, 0, len(hostname))
	for _, r := range hostname {
		if r == '/' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func pemEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func certFromDER(certDER, keyPEM []byte) (*tls.Certificate, error) {
	certPEM := pemEncodeCert(certDER)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly-issued certificate: %w", err)
	}
	return &cert, nil
}
