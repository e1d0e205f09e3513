package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"
)

// Present installs the challenge's key authorization into the shared
// token map so the proxy's carve-out handler can answer it on whatever
// listener the validation request arrives on.
func (s Solver) Present(_ context.Context, chal acme.Challenge) error {
	s.Tokens.Put(chal.Token, chal.KeyAuthorization)
	return nil
}

// CleanUp removes the token once the challenge has been validated (or
// abandoned).
func (s Solver) CleanUp(_ context.Context, chal acme.Challenge) error {
	s.Tokens.Delete(chal.Token)
	return nil
}

// Client wraps an acmez.Client with the account persistence and order
// flow tako needs: register (or reuse) an account, then obtain a
// certificate for one domain via HTTP-01.
type Client struct {
	acme   *acmez.Client
	tokens *ChallengeTokens
	email  string

	accountKey *ecdsa.PrivateKey
	account    acme.Account
}

// NewClient builds a Client against the given ACME directory URL, using
// the account key decoded from accountKeyPEM, or a freshly generated one
// when accountKeyPEM is empty. It does not contact the ACME server;
// Register does.
func NewClient(directoryURL, email string, tokens *ChallengeTokens, accountKeyPEM []byte) (*Client, error) {
	accountKey, err := loadOrGenerateAccountKey(accountKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("preparing ACME account key: %w", err)
	}

	c := &Client{
		acme: &acmez.Client{
			Directory:  directoryURL,
			HTTPClient: http.DefaultClient,
			ChallengeSolvers: map[string]acmez.Solver{
				acme.ChallengeTypeHTTP01: Solver{Tokens: tokens},
			},
		},
		tokens:     tokens,
		email:      email,
		accountKey: accountKey,
	}
	return c, nil
}

// Register creates or reuses the ACME account for this client, under
// the given contact email and terms agreement.
func (c *Client) Register(ctx context.Context) error {
	account := acme.Account{
		Contact:              []string{"mailto:" + c.email},
		TermsOfServiceAgreed: true,
		PrivateKey:           c.accountKey,
	}
	registered, err := c.acme.NewAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("registering ACME account: %w", err)
	}
	c.account = registered
	return nil
}

// ObtainCertificate requests and returns a PEM-encoded certificate
// chain and private key for domain via HTTP-01 validation.
func (c *Client) ObtainCertificate(ctx context.Context, domain string) (fullchainPEM, keyPEM []byte, err error) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating certificate key for %s: %w", domain, err)
	}

	certs, err := c.acme.ObtainCertificateForSANs(ctx, c.account, certKey, []string{domain})
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining ACME certificate for %s: %w", domain, err)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("ACME issuance for %s returned no certificates", domain)
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling certificate key for %s: %w", domain, err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certs[0].ChainPEM, keyPEMBytes, nil
}

func loadOrGenerateAccountKey(existingPEM []byte) (*ecdsa.PrivateKey, error) {
	if len(existingPEM) > 0 {
		block, _ := pem.Decode(existingPEM)
		if block == nil {
			return nil, fmt.Errorf("no PEM block found in account key")
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// AccountKeyPEM returns the account private key, PEM-encoded, for
// persistence so future runs reuse the same ACME account.
func (c *Client) AccountKeyPEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(c.accountKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling account key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
