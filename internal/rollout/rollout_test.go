package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tako-run/tako/internal/apps"
)

func newOldInstances(n int) []*apps.Instance {
	out := make([]*apps.Instance, n)
	for i := range out {
		out[i] = &apps.Instance{ID: "old-" + string(rune('a'+i))}
	}
	return out
}

func TestRunReplacesAllOldInstances(t *testing.T) {
	app := &apps.App{Name: "web", MinInstances: 2, MaxInstances: 2}
	old := newOldInstances(2)

	var drained []string
	var spawnedCount int
	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		spawnedCount++
		return &apps.Instance{ID: "new"}, nil
	}
	drain := func(a *apps.App, inst *apps.Instance) {
		drained = append(drained, inst.ID)
	}

	u := New(spawn, drain, time.Second)
	err := u.Run(context.Background(), app, old, 0)
	require.NoError(t, err)
	require.Equal(t, 2, spawnedCount)
	require.ElementsMatch(t, []string{"old-a", "old-b"}, drained)
}

func TestRunRollsBackOnSpawnFailure(t *testing.T) {
	app := &apps.App{Name: "web", MinInstances: 3, MaxInstances: 3}
	old := newOldInstances(1)

	var drained []string
	calls := 0
	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("boom")
		}
		return &apps.Instance{ID: "new-" + string(rune('0'+calls))}, nil
	}
	drain := func(a *apps.App, inst *apps.Instance) {
		drained = append(drained, inst.ID)
	}

	u := New(spawn, drain, time.Second)
	err := u.Run(context.Background(), app, old, 0)
	require.Error(t, err)

	// the replacement that spawned before the failure is rolled back;
	// the old instance it had already replaced was drained as part of
	// the normal one-in-one-out step, which Run does not undo.
	require.Contains(t, drained, "new-1")
	require.Contains(t, drained, "old-a")
}

func TestRunNeverExceedsMaxInstances(t *testing.T) {
	// MinInstances exceeds MaxInstances here on purpose: M must clamp
	// down to max_instances rather than over-provisioning.
	app := &apps.App{Name: "web", MinInstances: 5, MaxInstances: 1}
	old := newOldInstances(3)

	var spawnedConcurrently int
	spawn := func(ctx context.Context, a *apps.App) (*apps.Instance, error) {
		spawnedConcurrently++
		return &apps.Instance{ID: "new"}, nil
	}
	drain := func(a *apps.App, inst *apps.Instance) {}

	u := New(spawn, drain, time.Second)
	err := u.Run(context.Background(), app, old, 0)
	require.NoError(t, err)
	require.Equal(t, 1, spawnedConcurrently)
}
