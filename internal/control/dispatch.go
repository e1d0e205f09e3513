package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tako-run/tako/internal/applog"
	"github.com/tako-run/tako/internal/apps"
	"github.com/tako-run/tako/internal/config"
	"github.com/tako-run/tako/internal/rollout"
	"github.com/tako-run/tako/internal/routes"
	"github.com/tako-run/tako/internal/spawner"
	"github.com/tako-run/tako/internal/state"
)

// ReleasePrepFunc prepares an opaque release directory before first
// launch. handleDeploy does not read app.json and always passes an
// empty runtime.
type ReleasePrepFunc func(ctx context.Context, releaseDir string, runtime string, env map[string]string) error

// DefaultReleasePrep does nothing and returns nil for every runtime; it
// has no runtime-specific case and installs no dependencies.
func DefaultReleasePrep(ctx context.Context, releaseDir, runtime string, env map[string]string) error {
	return nil
}

// hardMaxInstances is the absolute ceiling on an app's instance count,
// both for clamping a deploy's requested max_instances and for sizing
// the fixed port-range block each app is given.
const hardMaxInstances = 64

// Dispatcher holds every component a control command needs to touch and
// turns Commands into Responses.
type Dispatcher struct {
	Apps     *apps.Manager
	Routes   *routes.Table
	Store    *state.Store
	Spawner  *spawner.Spawner
	Health   *spawner.HealthChecker
	PortBase int

	ReleasePrep ReleasePrepFunc

	upgrading   atomic.Bool
	upgradeOwner atomic.Value // string
	portMu      sync.Mutex
	nextBase    int
	log         *zap.Logger
}

// NewDispatcher returns a Dispatcher wired to the given components.
func NewDispatcher(appsMgr *apps.Manager, rt *routes.Table, store *state.Store, sp *spawner.Spawner, hc *spawner.HealthChecker, portBase int) *Dispatcher {
	d := &Dispatcher{
		Apps: appsMgr, Routes: rt, Store: store, Spawner: sp, Health: hc,
		PortBase: portBase, ReleasePrep: DefaultReleasePrep,
		nextBase: portBase, log: applog.Named("control"),
	}
	// Restored apps (restoreApps runs before NewDispatcher) already own a
	// base-port range; never hand out an overlapping one to a new app.
	for _, a := range appsMgr.List() {
		if end := a.BasePort + hardMaxInstances; end > d.nextBase {
			d.nextBase = end
		}
	}
	if owner, held, err := store.UpgradeLockOwner(context.Background()); err == nil && held {
		d.upgrading.Store(true)
		d.upgradeOwner.Store(owner)
	}
	return d
}

// Dispatch routes cmd to its handler, recovering the per-verb error
// into a Response rather than letting Go errors escape to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Verb {
	case VerbHello:
		return ok(map[string]string{"server": "tako-server"})
	case VerbDeploy:
		return d.handleDeploy(ctx, cmd.Args)
	case VerbStop:
		return d.handleStop(ctx, cmd.Args)
	case VerbDelete:
		return d.handleDelete(ctx, cmd.Args)
	case VerbStatus:
		return d.handleStatus(cmd.Args)
	case VerbList:
		return d.handleList()
	case VerbRoutes:
		return d.handleRoutes()
	case VerbReload:
		if d.upgrading.Load() {
			return fail(apps.ErrUpgradingBlocked)
		}
		return ok(map[string]bool{"reloaded": true})
	case VerbUpdateSecrets:
		return d.handleUpdateSecrets(cmd.Args)
	case VerbServerInfo:
		return d.handleServerInfo()
	case VerbEnterUpgrading:
		return d.handleEnterUpgrading(ctx, cmd.Args)
	case VerbExitUpgrading:
		return d.handleExitUpgrading(ctx, cmd.Args)
	default:
		return fail(fmt.Errorf("unknown verb %q", cmd.Verb))
	}
}

func (d *Dispatcher) handleDeploy(ctx context.Context, raw json.RawMessage) Response {
	if d.upgrading.Load() {
		return fail(apps.ErrUpgradingBlocked)
	}

	var args DeployArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(fmt.Errorf("parsing deploy args: %w", err))
	}
	if args.AppName == "" || len(args.Command) == 0 {
		return fail(fmt.Errorf("deploy requires app_name and command"))
	}
	if args.ReleasePath != "" {
		abs, err := config.FastAbs(args.ReleasePath)
		if err != nil {
			return fail(fmt.Errorf("resolving release path: %w", err))
		}
		args.ReleasePath = abs
	}
	if args.MaxInstances == 0 {
		args.MaxInstances = 4
	}
	if args.MaxInstances > hardMaxInstances {
		args.MaxInstances = hardMaxInstances
	}

	app, created := d.Apps.GetOrCreate(args.AppName)
	if !app.TryLockDeploy() {
		return fail(fmt.Errorf("app %q: %w", args.AppName, apps.ErrDeployInProgress))
	}
	defer app.UnlockDeploy()

	app.SetState(apps.AppDeploying)

	if err := d.ReleasePrep(ctx, args.ReleasePath, "", args.Env); err != nil {
		app.SetState(apps.AppError)
		return fail(fmt.Errorf("preparing release: %w", err))
	}

	if err := d.Routes.ReplaceAppRoutes(args.AppName, args.Routes); err != nil {
		app.SetState(apps.AppError)
		return fail(err)
	}

	oldInstances := app.ListInstances()
	isUpdate := !created && len(oldInstances) > 0

	app.Name = args.AppName
	app.Version = args.Version
	app.Path = args.ReleasePath
	app.Command = args.Command
	app.Env = args.Env
	app.MinInstances = args.MinInstances
	app.MaxInstances = args.MaxInstances

	if app.BasePort == 0 {
		app.BasePort = d.allocBasePortRange()
	}

	rec := state.AppRecord{
		Name: app.Name, Version: app.Version, Path: app.Path,
		Command: app.Command, Env: app.Env,
		MinInstances: app.MinInstances, MaxInstances: app.MaxInstances,
		BasePort: app.BasePort, IdleTimeout: app.IdleTimeout,
		Routes: flattenRoutes(args.Routes),
	}
	if err := d.Store.PutApp(ctx, rec); err != nil {
		app.SetState(apps.AppError)
		return fail(fmt.Errorf("persisting app: %w", err))
	}

	if isUpdate {
		updater := rollout.New(
			func(ctx context.Context, a *apps.App) (*apps.Instance, error) { return d.SpawnAndAwaitHealthy(ctx, a) },
			func(a *apps.App, inst *apps.Instance) { d.drain(a, inst) },
			60*time.Second,
		)
		if err := updater.Run(ctx, app, oldInstances, 0); err != nil {
			app.SetState(apps.AppError)
			return fail(err)
		}
	} else {
		want := app.MinInstances
		if want < 1 {
			want = 1
		}
		for i := 0; i < want; i++ {
			if _, err := d.SpawnAndAwaitHealthy(ctx, app); err != nil {
				app.SetState(apps.AppError)
				return fail(err)
			}
		}
	}

	app.SetState(apps.AppRunning)
	return ok(map[string]string{"app_name": app.Name, "version": app.Version, "state": string(app.GetState())})
}

func (d *Dispatcher) SpawnAndAwaitHealthy(ctx context.Context, app *apps.App) (*apps.Instance, error) {
	inst, err := d.Spawner.Launch(ctx, app)
	if err != nil {
		return nil, err
	}
	go d.Health.Watch(ctx, app, inst)

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if inst.GetState() == apps.InstanceHealthy {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	_ = d.Spawner.Stop(inst)
	return nil, fmt.Errorf("instance for %q did not become healthy in time", app.Name)
}

func (d *Dispatcher) drain(app *apps.App, inst *apps.Instance) {
	_ = d.Spawner.Stop(inst)
	app.RemoveInstance(inst.ID)
}

// allocBasePortRange hands out the next unused fixed-size port-range
// block for a newly created app. It must only be called once per app,
// when it is first created: existing apps keep the base port persisted
// for them, per the base_port+offset port model.
func (d *Dispatcher) allocBasePortRange() int {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	base := d.nextBase
	d.nextBase += hardMaxInstances
	return base
}

func (d *Dispatcher) handleStop(ctx context.Context, raw json.RawMessage) Response {
	if d.upgrading.Load() {
		return fail(apps.ErrUpgradingBlocked)
	}
	var args AppNameArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(err)
	}
	app, err := d.Apps.MustGet(args.AppName)
	if err != nil {
		return fail(err)
	}
	for _, inst := range app.ListInstances() {
		d.drain(app, inst)
	}
	app.SetState(apps.AppStopped)
	return ok(map[string]string{"app_name": args.AppName, "state": string(apps.AppStopped)})
}

func (d *Dispatcher) handleDelete(ctx context.Context, raw json.RawMessage) Response {
	if d.upgrading.Load() {
		return fail(apps.ErrUpgradingBlocked)
	}
	var args AppNameArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(err)
	}
	app, err := d.Apps.MustGet(args.AppName)
	if err != nil {
		return fail(err)
	}
	for _, inst := range app.ListInstances() {
		d.drain(app, inst)
	}
	d.Routes.RemoveAppRoutes(args.AppName)
	if err := d.Store.DeleteApp(ctx, args.AppName); err != nil {
		return fail(err)
	}
	d.Apps.Delete(args.AppName)
	return ok(map[string]bool{"deleted": true})
}

func (d *Dispatcher) handleStatus(raw json.RawMessage) Response {
	var args AppNameArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(err)
	}
	app, err := d.Apps.MustGet(args.AppName)
	if err != nil {
		return fail(err)
	}
	snap := app.Snapshot()
	type instView struct {
		ID      string `json:"id"`
		State   string `json:"state"`
		Port    int    `json:"port"`
		Started string `json:"started"`
	}
	var insts []instView
	for _, inst := range snap.Instances {
		_, _, startedAt := inst.Health()
		insts = append(insts, instView{
			ID: inst.ID, State: string(inst.GetState()), Port: inst.Port,
			Started: humanize.Time(startedAt),
		})
	}
	return ok(map[string]any{
		"name": snap.Name, "version": snap.Version, "state": string(snap.State), "instances": insts,
	})
}

func (d *Dispatcher) handleList() Response {
	var names []string
	for _, a := range d.Apps.List() {
		names = append(names, a.Name)
	}
	return ok(map[string][]string{"apps": names})
}

func (d *Dispatcher) handleRoutes() Response {
	var out []map[string]string
	for _, r := range d.Routes.List() {
		out = append(out, map[string]string{"app": r.AppName, "host": r.Host, "path": r.Path})
	}
	return ok(map[string]any{"routes": out})
}

func (d *Dispatcher) handleUpdateSecrets(raw json.RawMessage) Response {
	if d.upgrading.Load() {
		return fail(apps.ErrUpgradingBlocked)
	}
	var args UpdateSecretsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(err)
	}
	app, err := d.Apps.MustGet(args.AppName)
	if err != nil {
		return fail(err)
	}
	app.Env = args.Env
	return ok(map[string]bool{"updated": true})
}

func (d *Dispatcher) handleServerInfo() Response {
	owner, _ := d.upgradeOwner.Load().(string)
	return ok(map[string]any{
		"upgrading":     d.upgrading.Load(),
		"upgrade_owner": owner,
		"app_count":     len(d.Apps.List()),
	})
}

// handleEnterUpgrading acquires the exclusive, owner-tagged upgrade
// lock: UpgradeMode becomes Upgrading iff the lock row is held, and only
// the holding owner may later release it via handleExitUpgrading.
func (d *Dispatcher) handleEnterUpgrading(ctx context.Context, raw json.RawMessage) Response {
	var args UpgradeLockArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(fmt.Errorf("parsing enter_upgrading args: %w", err))
	}
	if args.Owner == "" {
		return fail(fmt.Errorf("enter_upgrading requires owner"))
	}

	if err := d.Store.AcquireUpgradeLock(ctx, args.Owner); err != nil {
		return fail(err)
	}
	if err := d.Store.SetServerMode(ctx, "upgrading"); err != nil {
		return fail(err)
	}
	d.upgradeOwner.Store(args.Owner)
	d.upgrading.Store(true)
	return ok(map[string]bool{"upgrading": true})
}

// handleExitUpgrading releases the upgrade lock, failing unless args.Owner
// is the current holder.
func (d *Dispatcher) handleExitUpgrading(ctx context.Context, raw json.RawMessage) Response {
	var args UpgradeLockArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail(fmt.Errorf("parsing exit_upgrading args: %w", err))
	}
	if args.Owner == "" {
		return fail(fmt.Errorf("exit_upgrading requires owner"))
	}

	if err := d.Store.ReleaseUpgradeLock(ctx, args.Owner); err != nil {
		return fail(err)
	}
	if err := d.Store.SetServerMode(ctx, "normal"); err != nil {
		return fail(err)
	}
	d.upgradeOwner.Store("")
	d.upgrading.Store(false)
	return ok(map[string]bool{"upgrading": false})
}

// flattenRoutes encodes host/path pairs as "host|path" for durable
// storage as a single string column; "|" cannot appear in a hostname,
// so the encoding round-trips unambiguously via UnflattenRoutes.
func flattenRoutes(pairs [][2]string) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p[0]+"|"+p[1])
	}
	return out
}

// UnflattenRoutes reverses flattenRoutes, used when restoring routes
// from the durable store at boot.
func UnflattenRoutes(patterns []string) [][2]string {
	out := make([][2]string, 0, len(patterns))
	for _, p := range patterns {
		for i := 0; i < len(p); i++ {
			if p[i] == '|' {
				out = append(out, [2]string{p[:i], p[i+1:]})
				break
			}
		}
	}
	return out
}
