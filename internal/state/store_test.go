package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAppRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.sqlite3")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := AppRecord{
		Name:         "hello",
		Version:      "v1",
		Path:         "/releases/hello/v1",
		Command:      []string{"/releases/hello/v1/run"},
		Env:          map[string]string{"PORT": "8081"},
		MinInstances: 1,
		MaxInstances: 4,
		BasePort:     8081,
		Routes:       []string{"hello.local/", "hello.local/api"},
	}
	require.NoError(t, s.PutApp(ctx, rec))

	got, err := s.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.Name, got[0].Name)
	require.Equal(t, rec.Command, got[0].Command)
	require.Equal(t, rec.Env, got[0].Env)
	require.Equal(t, rec.Routes, got[0].Routes)

	// Re-upserting replaces the route set rather than appending to it.
	rec.Routes = []string{"hello.local/"}
	require.NoError(t, s.PutApp(ctx, rec))
	got, err = s.ListApps(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"hello.local/"}, got[0].Routes)

	require.NoError(t, s.DeleteApp(ctx, "hello"))
	got, err = s.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestUpgradeLockExclusivity(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.sqlite3")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.AcquireUpgradeLock(ctx, "owner-a"))
	// same owner re-acquiring is idempotent
	require.NoError(t, s.AcquireUpgradeLock(ctx, "owner-a"))
	// a different owner is rejected
	err = s.AcquireUpgradeLock(ctx, "owner-b")
	require.ErrorIs(t, err, ErrLockHeld)

	owner, held, err := s.UpgradeLockOwner(ctx)
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "owner-a", owner)

	// releasing as a non-holding owner is rejected
	err = s.ReleaseUpgradeLock(ctx, "owner-b")
	require.ErrorIs(t, err, ErrLockNotHeld)

	require.NoError(t, s.ReleaseUpgradeLock(ctx, "owner-a"))
	_, held, err = s.UpgradeLockOwner(ctx)
	require.NoError(t, err)
	require.False(t, held)

	// releasing an already-unheld lock is also rejected
	err = s.ReleaseUpgradeLock(ctx, "owner-a")
	require.ErrorIs(t, err, ErrLockNotHeld)
}

func TestServerMode(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.sqlite3")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mode, err := s.ServerMode(ctx)
	require.NoError(t, err)
	require.Equal(t, "normal", mode)

	require.NoError(t, s.SetServerMode(ctx, "upgrading"))
	mode, err = s.ServerMode(ctx)
	require.NoError(t, err)
	require.Equal(t, "upgrading", mode)
}
