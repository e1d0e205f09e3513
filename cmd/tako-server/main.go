// Command tako-server runs the tako application supervisor: it loads
// persisted app/route state, opens the control socket, and serves
// HTTP/HTTPS traffic through the reverse proxy. Wiring follows
// cmd/caddy/main.go's shape (automaxprocs/automemlimit tuning, a zap
// logger obtained before anything else runs, a cobra root command),
// adapted from Caddy's JSON-config-driven "run" command to tako's
// fixed set of supervised components.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/tako-run/tako/internal/acme"
	"github.com/tako-run/tako/internal/applog"
	"github.com/tako-run/tako/internal/apps"
	"github.com/tako-run/tako/internal/certs"
	"github.com/tako-run/tako/internal/coldstart"
	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/control"
	"github.com/tako-run/tako/internal/idle"
	"github.com/tako-run/tako/internal/lb"
	"github.com/tako-run/tako/internal/proxy"
	"github.com/tako-run/tako/internal/routes"
	"github.com/tako-run/tako/internal/spawner"
	"github.com/tako-run/tako/internal/state"
)

func main() {
	root := &cobra.Command{
		Use:   "tako-server",
		Short: "tako-server runs and serves deployed applications",
		RunE:  runServer,
	}
	root.Flags().String("data-dir", "", "override the data directory from config")
	root.Flags().String("config", "", "path to a YAML config file")
	root.Flags().String("log-level", "", "override the log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path, cfg)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	applog.Configure(cfg.LogLevel, cfg.LogDevelopment)
	log := applog.Named("main")

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undoMaxProcs()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(); err != nil {
		log.Warn("failed to set memory limit", zap.Error(err))
	} else if limit > 0 {
		log.Info("GOMEMLIMIT set", zap.String("limit", humanize.Bytes(uint64(limit))))
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := state.Open(cfg.StateDBPath())
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	appsMgr := apps.NewManager()
	routeTable := routes.New()
	balancer := lb.New()
	coldStarter := coldstart.New(cfg.MaxQueuedRequests)

	if err := restoreApps(ctx, store, appsMgr, routeTable); err != nil {
		return fmt.Errorf("restoring apps from state store: %w", err)
	}
	if mode, err := store.ServerMode(ctx); err == nil {
		log.Info("restored server mode", zap.String("mode", mode))
	}

	certManager, err := certs.NewManager(cfg.CertsDir())
	if err != nil {
		return fmt.Errorf("initializing certificate manager: %w", err)
	}
	challengeTokens := acme.NewChallengeTokens()

	var acmeClient *acme.Client
	if cfg.ACMEEmail != "" {
		accountKeyPath := filepath.Join(cfg.ACMEStorageDir(), "account.key.pem")
		existingKey, err := os.ReadFile(accountKeyPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading ACME account key: %w", err)
		}

		acmeClient, err = acme.NewClient(cfg.ACMEDirectoryURL, cfg.ACMEEmail, challengeTokens, existingKey)
		if err != nil {
			return fmt.Errorf("initializing ACME client: %w", err)
		}
		if err := acmeClient.Register(ctx); err != nil {
			log.Warn("ACME account registration failed; continuing with self-signed certs only", zap.Error(err))
			acmeClient = nil
		} else if len(existingKey) == 0 {
			keyPEM, err := acmeClient.AccountKeyPEM()
			if err != nil {
				log.Warn("failed to encode ACME account key for persistence", zap.Error(err))
			} else if err := os.WriteFile(accountKeyPath, keyPEM, 0o600); err != nil {
				log.Warn("failed to persist ACME account key", zap.Error(err))
			}
		}
	}

	onExit := func(app *apps.App, inst *apps.Instance, err error) {
		log.Info("instance exited", zap.String("app", app.Name), zap.String("instance", inst.ID), zap.Error(err))
		app.RemoveInstance(inst.ID)
		idle.AppIdleIfEmpty(app)
	}
	sp := spawner.New(onExit)

	// dispatcher is assigned below, after healthChecker (which onDead
	// needs to close over) is built; onDead is only ever invoked later,
	// once the whole chain has been wired up.
	var dispatcher *control.Dispatcher

	onDead := func(app *apps.App, inst *apps.Instance) {
		log.Warn("instance declared dead", zap.String("app", app.Name), zap.String("instance", inst.ID))
		_ = sp.Kill(inst)
		deadBuild := inst.BuildVersion
		app.RemoveInstance(inst.ID)
		idle.AppIdleIfEmpty(app)
		maybeReplaceDead(ctx, log, app, deadBuild, dispatcher)
	}
	healthChecker := spawner.NewHealthChecker(cfg.HeartbeatInterval, cfg.UnhealthyThreshold, cfg.DeadAfter, onDead)

	basePort := 20000
	dispatcher = control.NewDispatcher(appsMgr, routeTable, store, sp, healthChecker, basePort)

	idleMonitor := idle.New(appsMgr, time.Second, func(app *apps.App, inst *apps.Instance) {
		log.Info("stopping idle instance", zap.String("app", app.Name), zap.String("instance", inst.ID))
		_ = sp.Stop(inst)
	})
	go idleMonitor.Run(ctx)

	spawnFn := func(ctx context.Context, app *apps.App) (*apps.Instance, error) {
		return dispatcher.SpawnAndAwaitHealthy(ctx, app)
	}

	p := proxy.New(proxy.Deps{
		Apps:               appsMgr,
		Routes:             routeTable,
		Balancer:           balancer,
		ColdStart:          coldStarter,
		Spawn:              spawnFn,
		ChallengeTokens:    challengeTokens,
		InternalStatusHost: cfg.InternalStatusHost,
		StartupTimeout:     cfg.StartupTimeout,
	})

	if acmeClient != nil {
		domains := func() []string { return acmeDomains(routeTable, cfg.InternalStatusHost) }
		renewer := acme.NewRenewer(acmeClient, certManager, domains, 24*time.Hour)
		go renewer.Run(ctx, func(domain string, err error) {
			log.Warn("certificate renewal failed", zap.String("domain", domain), zap.Error(err))
		})
	}

	httpLn, err := proxy.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("binding HTTP listener on %s: %w", cfg.HTTPAddr, err)
	}
	httpsLn, err := proxy.Listen("tcp", cfg.HTTPSAddr)
	if err != nil {
		return fmt.Errorf("binding HTTPS listener on %s: %w", cfg.HTTPSAddr, err)
	}

	tlsConfig := &tls.Config{GetCertificate: certManager.GetCertificate}
	tlsLn := tls.NewListener(httpsLn, tlsConfig)

	httpServer := &http.Server{Handler: p}
	httpsServer := &http.Server{Handler: p, TLSConfig: tlsConfig}
	if err := http2.ConfigureServer(httpsServer, &http2.Server{}); err != nil {
		log.Warn("failed to configure HTTP/2", zap.Error(err))
	}

	ctrlServer, err := control.NewServer(cfg.ControlSocketPath, dispatcher)
	if err != nil {
		return fmt.Errorf("opening control socket at %s: %w", cfg.ControlSocketPath, err)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- httpServer.Serve(httpLn) }()
	go func() { errCh <- httpsServer.Serve(tlsLn) }()
	go func() { errCh <- ctrlServer.Serve(ctx) }()

	log.Info("tako-server started",
		zap.String("http", cfg.HTTPAddr), zap.String("https", cfg.HTTPSAddr),
		zap.String("control_socket", cfg.ControlSocketPath))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = httpsServer.Shutdown(shutdownCtx)
	_ = ctrlServer.Close()
	_ = applog.Sync()

	return nil
}

// maybeReplaceDead spawns a replacement instance when a Dead event
// drops a build's live count to or below its per-build minimum:
// app.MinInstances for the app's current build, 0 for any other build
// (excess old-build deaths during a rollout are not replaced).
func maybeReplaceDead(ctx context.Context, log *zap.Logger, app *apps.App, deadBuild string, dispatcher *control.Dispatcher) {
	minForBuild := 0
	if deadBuild == app.Version {
		minForBuild = app.MinInstances
	}
	if minForBuild <= 0 {
		return
	}

	live := 0
	for _, inst := range app.ListInstances() {
		if inst.BuildVersion == deadBuild {
			live++
		}
	}
	if live > minForBuild {
		return
	}

	go func() {
		if _, err := dispatcher.SpawnAndAwaitHealthy(ctx, app); err != nil {
			log.Warn("failed to spawn replacement instance after death",
				zap.String("app", app.Name), zap.Error(err))
		}
	}()
}

func restoreApps(ctx context.Context, store *state.Store, mgr *apps.Manager, rt *routes.Table) error {
	recs, err := store.ListApps(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		app := &apps.App{
			Name: rec.Name, Version: rec.Version, Path: rec.Path,
			Command: rec.Command, Env: rec.Env,
			MinInstances: rec.MinInstances, MaxInstances: rec.MaxInstances,
			BasePort: rec.BasePort, IdleTimeout: rec.IdleTimeout,
			State: apps.AppIdle, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
		}
		mgr.Put(app)
		if err := rt.ReplaceAppRoutes(rec.Name, control.UnflattenRoutes(rec.Routes)); err != nil {
			return fmt.Errorf("restoring routes for %s: %w", rec.Name, err)
		}
	}
	return nil
}

func acmeDomains(rt *routes.Table, internalHost string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rt.List() {
		if r.Host == internalHost || seen[r.Host] {
			continue
		}
		if isWildcard(r.Host) || isPrivateLocal(r.Host) {
			continue
		}
		seen[r.Host] = true
		out = append(out, r.Host)
	}
	return out
}

func isWildcard(host string) bool { return len(host) > 1 && host[0] == '*' }

func isPrivateLocal(host string) bool {
	for _, suffix := range []string{".local", ".localhost", ".test", ".invalid", ".example", ".home.arpa"} {
		if hasSuffix(host, suffix) {
			return true
		}
	}
	return !strings.Contains(host, ".")
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

