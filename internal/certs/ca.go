// Package certs manages the two certificate families the proxy needs
// at TLS handshake time: a locally-generated CA used to sign 1-year
// leaf certificates for private/local hostnames, and ACME-issued
// certificates for public domains (handled by internal/acme, which
// calls back into this package's catalog to install what it obtains).
//
// The leaf-construction shape is grounded on caddytls/selfsigned.go,
// generalized from a pure self-signed leaf (the certificate signs
// itself) to a two-tier local CA: a root key/cert is generated once and
// persisted, and every private-hostname leaf is signed by that root, so
// a client that has imported the root trusts every leaf tako issues.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// LocalCA is a self-signed root certificate authority, persisted under
// <certsDir>/_ca/, used to sign leaf certificates for private hostnames
// (anything not routed through ACME).
type LocalCA struct {
	dir     string
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
}

// LoadOrCreateLocalCA loads the CA persisted at dir/_ca, generating and
// persisting a new one on first run.
func LoadOrCreateLocalCA(dir string) (*LocalCA, error) {
	caDir := filepath.Join(dir, "_ca")
	certPath := filepath.Join(caDir, "ca.pem")
	keyPath := filepath.Join(caDir, "ca-key.pem")

	if fileExists(certPath) && fileExists(keyPath) {
		cert, key, err := loadCertAndKey(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading existing local CA: %w", err)
		}
		return &LocalCA{dir: caDir, cert: cert, key: key}, nil
	}

	if err := os.MkdirAll(caDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating local CA directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating local CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Tako Local CA"}, CommonName: "Tako Local CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating local CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly-created local CA certificate: %w", err)
	}

	if err := writeCertAndKey(certPath, keyPath, der, key); err != nil {
		return nil, err
	}

	return &LocalCA{dir: caDir, cert: cert, key: key}, nil
}

// IssueLeaf signs a new 1-year leaf certificate for the given hostname
// (DNS name or literal IP), building a server-auth x509.Certificate
// template by hand and signing it with crypto/x509 directly against
// the CA's own key.
func (ca *LocalCA) IssueLeaf(hostname string) (certDER []byte, keyPEM []byte, err error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"Tako Self-Signed"}, CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("signing leaf certificate for %s: %w", hostname, err)
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling leaf key for %s: %w", hostname, err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return der, keyPEMBytes, nil
}

// CertPEM returns the CA's own certificate, PEM-encoded, for clients
// that want to import it as a trusted root.
func (ca *LocalCA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial number: %w", err)
	}
	return serial, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadCertAndKey(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEMBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEMBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func writeCertAndKey(certPath, keyPath string, certDER []byte, key *ecdsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o640); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling CA key: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEMBytes, 0o600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}
	return nil
}
