// Package acme drives ACME HTTP-01 certificate issuance for public
// domains using github.com/mholt/acmez/v3, the teacher's own ACME
// protocol dependency. The HTTP-01 challenge is presented through a
// shared in-memory token map rather than a bound listener: the proxy's
// ACME carve-out handler (internal/proxy) reads this same map to answer
// /.well-known/acme-challenge/<token> requests on whichever listener the
// request actually arrives on. This is the in-process analogue of the
// file-based distributed-challenge-solver idiom in
// caddytls/httphandler.go, simplified because tako is single-host and
// has no need for the file-based handoff between instances that idiom
// exists for.
package acme

import "sync"

// ChallengeTokens is the shared map the proxy consults to answer
// HTTP-01 challenge requests: token -> key authorization.
type ChallengeTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewChallengeTokens returns an empty token map.
func NewChallengeTokens() *ChallengeTokens {
	return &ChallengeTokens{tokens: make(map[string]string)}
}

// Put installs a token's key authorization, called by the Solver when
// acmez asks it to Present a challenge.
func (c *ChallengeTokens) Put(token, keyAuth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = keyAuth
}

// Delete removes a token, called by the Solver's CleanUp.
func (c *ChallengeTokens) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
}

// Get returns the key authorization for token, consulted by the proxy's
// ACME carve-out handler.
func (c *ChallengeTokens) Get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[token]
	return v, ok
}

// Solver implements acmez's HTTP-01 solver interface against
// ChallengeTokens instead of binding a listener of its own.
type Solver struct {
	Tokens *ChallengeTokens
}
