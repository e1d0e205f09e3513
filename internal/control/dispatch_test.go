package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tako-run/tako/internal/apps"
	"github.com/tako-run/tako/internal/routes"
	"github.com/tako-run/tako/internal/spawner"
	"github.com/tako-run/tako/internal/state"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sp := spawner.New(nil)
	hc := spawner.NewHealthChecker(0, 3, 0, nil)
	return NewDispatcher(apps.NewManager(), routes.New(), store, sp, hc, 20000)
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDeployRejectsMissingFields(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Command{Verb: VerbDeploy, Args: args(t, DeployArgs{})})
	require.False(t, resp.OK)
}

func TestDeployBlockedWhileUpgrading(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Command{Verb: VerbEnterUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-a"})})
	require.True(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbDeploy, Args: args(t, DeployArgs{
		AppName: "web", Command: []string{"true"},
	})})
	require.False(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbStop, Args: args(t, AppNameArgs{AppName: "web"})})
	require.False(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbExitUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-a"})})
	require.True(t, resp.OK)
}

func TestUpgradeLockOwnership(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Dispatch(context.Background(), Command{Verb: VerbEnterUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-a"})})
	require.True(t, resp.OK)

	// a second, different owner cannot acquire the already-held lock.
	resp = d.Dispatch(context.Background(), Command{Verb: VerbEnterUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-b"})})
	require.False(t, resp.OK)

	// nor can it release a lock it doesn't hold.
	resp = d.Dispatch(context.Background(), Command{Verb: VerbExitUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-b"})})
	require.False(t, resp.OK)
	require.True(t, d.upgrading.Load())

	resp = d.Dispatch(context.Background(), Command{Verb: VerbExitUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-a"})})
	require.True(t, resp.OK)

	// the lock is gone now; a second exit by the same former owner errors.
	resp = d.Dispatch(context.Background(), Command{Verb: VerbExitUpgrading, Args: args(t, UpgradeLockArgs{Owner: "ctrl-a"})})
	require.False(t, resp.OK)
}

func TestDeployRejectedWhileDeployInProgress(t *testing.T) {
	d := newTestDispatcher(t)
	app, _ := d.Apps.GetOrCreate("clampy")
	require.True(t, app.TryLockDeploy()) // simulate an in-progress deploy

	resp := d.Dispatch(context.Background(), Command{Verb: VerbDeploy, Args: args(t, DeployArgs{
		AppName: "clampy", Command: []string{"true"}, MaxInstances: 1000,
	})})
	require.False(t, resp.OK) // rejected: deploy already in progress

	app.UnlockDeploy()
}

func TestStopAndDeleteUnknownApp(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Dispatch(context.Background(), Command{Verb: VerbStop, Args: args(t, AppNameArgs{AppName: "ghost"})})
	require.False(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbDelete, Args: args(t, AppNameArgs{AppName: "ghost"})})
	require.False(t, resp.OK)
}

func TestListAndRoutesAndServerInfo(t *testing.T) {
	d := newTestDispatcher(t)
	d.Apps.GetOrCreate("one")
	d.Apps.GetOrCreate("two")
	require.NoError(t, d.Routes.ReplaceAppRoutes("one", [][2]string{{"one.example.com", "/"}}))

	resp := d.Dispatch(context.Background(), Command{Verb: VerbList})
	require.True(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbRoutes})
	require.True(t, resp.OK)

	resp = d.Dispatch(context.Background(), Command{Verb: VerbServerInfo})
	require.True(t, resp.OK)
}

func TestFlattenUnflattenRoutesRoundTrip(t *testing.T) {
	pairs := [][2]string{{"a.example.com", "/"}, {"b.example.com", "/api"}}
	flat := flattenRoutes(pairs)
	require.Equal(t, pairs, UnflattenRoutes(flat))
}
