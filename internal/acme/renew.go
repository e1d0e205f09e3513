package acme

import (
	"context"
	"time"

	"github.com/tako-run/tako/internal/certs"
)

// Renewer periodically re-issues certificates for its configured
// domains before they expire, installing the result into the
// certificate catalog. Grounded on the maintenance-loop shape of
// caddytls/maintain.go (a ticking background goroutine that re-checks
// every managed name), generalized from Caddy's broad auto-HTTPS name
// set to tako's explicit per-route ACME domain list.
type Renewer struct {
	client  *Client
	catalog *certs.Manager
	domains func() []string
	every   time.Duration
}

// NewRenewer returns a Renewer that checks every `every` (e.g. once a
// day) and re-obtains a certificate for each domain domains() returns.
// It does not attempt to parse expiry out of the installed certificate;
// ACME servers are cheap to ask and tako has no horizontal-scale
// concern that would make that wasteful.
func NewRenewer(client *Client, catalog *certs.Manager, domains func() []string, every time.Duration) *Renewer {
	return &Renewer{client: client, catalog: catalog, domains: domains, every: every}
}

// Run blocks, renewing on each tick until ctx is cancelled. Errors
// obtaining a certificate for one domain do not stop the loop from
// trying the others.
func (r *Renewer) Run(ctx context.Context, onError func(domain string, err error)) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, domain := range r.domains() {
				fullchain, key, err := r.client.ObtainCertificate(ctx, domain)
				if err != nil {
					if onError != nil {
						onError(domain, err)
					}
					continue
				}
				if err := r.catalog.Install(domain, fullchain, key); err != nil && onError != nil {
					onError(domain, err)
				}
			}
		}
	}
}
