package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tako-run/tako/internal/acme"
	"github.com/tako-run/tako/internal/apps"
	"github.com/tako-run/tako/internal/coldstart"
	"github.com/tako-run/tako/internal/lb"
	"github.com/tako-run/tako/internal/routes"
)

func newTestProxy() *Proxy {
	tokens := acme.NewChallengeTokens()
	return New(Deps{
		Apps:               apps.NewManager(),
		Routes:             routes.New(),
		Balancer:           lb.New(),
		ColdStart:          coldstart.New(100),
		ChallengeTokens:    tokens,
		InternalStatusHost: "tako.internal",
		StartupTimeout:     time.Second,
	})
}

func TestACMEChallengeServed(t *testing.T) {
	tokens := acme.NewChallengeTokens()
	p := New(Deps{
		Apps:               apps.NewManager(),
		Routes:             routes.New(),
		Balancer:           lb.New(),
		ColdStart:          coldstart.New(100),
		ChallengeTokens:    tokens,
		InternalStatusHost: "tako.internal",
		StartupTimeout:     time.Second,
	})
	tokens.Put("abc123", "abc123.keyauth")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/abc123", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc123.keyauth", rec.Body.String())
}

func TestUnknownRouteIs404(t *testing.T) {
	p := newTestProxy()
	req := httptest.NewRequest(http.MethodGet, "https://nowhere.local/", nil)
	req.Host = "nowhere.local"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalStatusHostBypassesRedirect(t *testing.T) {
	p := newTestProxy()
	req := httptest.NewRequest(http.MethodGet, "/_tako/status", nil)
	req.Host = "tako.internal"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPlaintextRedirectsToHTTPS(t *testing.T) {
	p := newTestProxy()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "https://app.example.com/", rec.Header().Get("Location"))
}

func TestPrivateLocalHostWithForwardedForSkipsRedirect(t *testing.T) {
	p := newTestProxy()
	req := httptest.NewRequest(http.MethodGet, "/_tako/status", nil)
	req.Host = "box.local"
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusTemporaryRedirect, rec.Code)
}

func TestForwardedHeaderHTTPSSkipsRedirect(t *testing.T) {
	p := newTestProxy()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.example.com"
	req.Header.Set("Forwarded", `for=192.0.2.60;proto=https;by=203.0.113.43`)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusTemporaryRedirect, rec.Code)
}
