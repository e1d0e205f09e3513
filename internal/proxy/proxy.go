// Package proxy is tako's data plane: a TLS-terminating reverse proxy
// that selects a certificate by SNI, carves out its own ACME and
// internal-status paths ahead of the route table, resolves backends
// through the route table and load balancer (cold-starting an idle
// app's first instance when needed), and dispatches upstream with
// net/http/httputil.ReverseProxy. The carve-out-before-dispatch shape
// mirrors caddytls/httphandler.go's HTTPChallengeHandler, which makes
// the same "is this one of ours?" check ahead of normal request
// handling.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tako-run/tako/internal/acme"
	"github.com/tako-run/tako/internal/apps"
	"github.com/tako-run/tako/internal/applog"
	"github.com/tako-run/tako/internal/coldstart"
	"github.com/tako-run/tako/internal/lb"
	"github.com/tako-run/tako/internal/routes"
)

const acmeChallengeBasePath = "/.well-known/acme-challenge/"

// Deps bundles the components the proxy dispatches into.
type Deps struct {
	Apps               *apps.Manager
	Routes             *routes.Table
	Balancer           *lb.Balancer
	ColdStart          *coldstart.Manager
	Spawn              coldstart.Spawn
	ChallengeTokens    *acme.ChallengeTokens
	InternalStatusHost string
	StartupTimeout     time.Duration
}

// Proxy is the HTTP handler installed on both the plain and TLS
// listeners.
type Proxy struct {
	deps Deps
	mux  *chi.Mux
	log  *zap.Logger
}

// New builds a Proxy ready to serve requests.
func New(deps Deps) *Proxy {
	p := &Proxy{deps: deps, log: applog.Named("proxy")}

	mux := chi.NewRouter()
	mux.Get(acmeChallengeBasePath+"{token}", p.handleACMEChallenge)
	mux.Get("/_tako/status", p.handleInternalStatus)
	mux.NotFound(p.handleAppRequest)
	p.mux = mux

	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.redirectToHTTPS(w, r) {
		return
	}
	p.mux.ServeHTTP(w, r)
}

// redirectToHTTPS issues a 307 redirect for plaintext requests that
// should have arrived over TLS, per the spec's heuristic: a request is
// effectively HTTP when its transport isn't TLS and neither
// X-Forwarded-Proto nor a Forwarded ...proto= token says https. The one
// exception is a private-local hostname carrying an X-Forwarded-For
// header with no proto hint at all -- that combination is treated as
// already-HTTPS, since it signals a loopback hop from a local upstream
// that simply never set a proto header.
func (p *Proxy) redirectToHTTPS(w http.ResponseWriter, r *http.Request) bool {
	if r.TLS != nil {
		return false
	}
	if strings.HasPrefix(r.URL.Path, acmeChallengeBasePath) {
		return false
	}
	host := hostOnly(r.Host)
	if host == p.deps.InternalStatusHost {
		return false
	}

	xfProto := r.Header.Get("X-Forwarded-Proto")
	fwdProto, fwdHasProto := forwardedProto(r.Header.Get("Forwarded"))
	hasProtoHint := xfProto != "" || fwdHasProto
	isHTTPS := xfProto == "https" || (fwdHasProto && strings.EqualFold(fwdProto, "https"))
	if isHTTPS {
		return false
	}

	if !hasProtoHint && isPrivateLocalHost(host) && r.Header.Get("X-Forwarded-For") != "" {
		return false
	}

	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	return true
}

// forwardedProto extracts the proto= token from an RFC 7239 Forwarded
// header, which may carry several semicolon/comma-separated pairs
// (e.g. "for=192.0.2.60;proto=https;by=203.0.113.43").
func forwardedProto(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ";") {
		for _, kv := range strings.Split(part, ",") {
			k, v, found := strings.Cut(strings.TrimSpace(kv), "=")
			if found && strings.EqualFold(strings.TrimSpace(k), "proto") {
				return strings.Trim(strings.TrimSpace(v), `"`), true
			}
		}
	}
	return "", false
}

func (p *Proxy) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	keyAuth, ok := p.deps.ChallengeTokens.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}

func (p *Proxy) handleInternalStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"apps":%d}`, len(p.deps.Apps.List()))
}

func (p *Proxy) handleAppRequest(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	route, ok := p.deps.Routes.Match(host, r.URL.Path)
	if !ok {
		http.Error(w, "no app routed for this host/path", http.StatusNotFound)
		return
	}

	app, ok := p.deps.Apps.Get(route.AppName)
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}

	inst, err := p.resolveBackend(r.Context(), app)
	if err != nil {
		p.log.Warn("no backend available", zap.String("app", app.Name), zap.Error(err))
		switch {
		case errors.Is(err, coldstart.ErrTimeout), errors.Is(err, coldstart.ErrQueueFull):
			// cold start still in progress: the leader's spawn hasn't
			// resolved yet, or this waiter couldn't even queue for it.
			http.Error(w, "cold start in progress", http.StatusGatewayTimeout)
		case errors.Is(err, lb.ErrNoBackend):
			http.Error(w, "no healthy backend", http.StatusServiceUnavailable)
		default:
			// the cold-start leader's spawn itself failed.
			http.Error(w, "backend failed to start", http.StatusBadGateway)
		}
		return
	}

	lb.BeginRequest(inst)
	defer lb.EndRequest(inst)

	p.dispatch(w, r, inst)
}

// resolveBackend selects a backend instance. If none is currently
// eligible and the app is scaled to zero (min_instances == 0), it cold
// starts the app through the single-flight coordinator; otherwise a
// scaled app with no healthy backends is reported as-is, for the
// caller to map to 503.
func (p *Proxy) resolveBackend(ctx context.Context, app *apps.App) (*apps.Instance, error) {
	bal := p.deps.Balancer
	inst, err := bal.Select(app)
	if err == nil {
		return inst, nil
	}
	if app.MinInstances > 0 {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.deps.StartupTimeout)
	defer cancel()
	return p.deps.ColdStart.Wake(waitCtx, app, p.deps.Spawn)
}

func (p *Proxy) dispatch(w http.ResponseWriter, r *http.Request, inst *apps.Instance) {
	target := &url.URL{Scheme: "http", Host: inst.Addr()}
	rp := httputil.NewSingleHostReverseProxy(target)

	origDirector := rp.Director
	rp.Director = func(req *http.Request) {
		origDirector(req)
		if req.TLS != nil || r.TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		} else {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Warn("upstream error", zap.String("backend", inst.Addr()), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	rp.ServeHTTP(w, r)
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i != -1 {
		return hostport[:i]
	}
	return hostport
}

// isPrivateLocalHost reports whether host looks like a private/local
// hostname -- ending in one of the reserved TLDs/suffixes the spec
// names (.local, .localhost, .test, .invalid, .example, .home.arpa) or
// single-label (no dot at all, e.g. "localhost" or a bare machine
// name) -- rather than a public domain eligible for ACME.
func isPrivateLocalHost(host string) bool {
	for _, suffix := range []string{".local", ".localhost", ".test", ".invalid", ".example", ".home.arpa"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return !strings.Contains(host, ".")
}
