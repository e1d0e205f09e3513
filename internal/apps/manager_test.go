package apps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCreatesOnlyOnce(t *testing.T) {
	m := NewManager()

	a, created := m.GetOrCreate("web")
	require.True(t, created)
	require.Equal(t, "web", a.Name)
	require.Equal(t, AppIdle, a.GetState())

	b, created := m.GetOrCreate("web")
	require.False(t, created)
	require.Same(t, a, b)
}

func TestMustGetMissing(t *testing.T) {
	m := NewManager()
	_, err := m.MustGet("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesFromList(t *testing.T) {
	m := NewManager()
	m.GetOrCreate("web")
	m.GetOrCreate("api")
	require.Len(t, m.List(), 2)

	m.Delete("web")
	require.Len(t, m.List(), 1)
	_, ok := m.Get("web")
	require.False(t, ok)
}

func TestTryLockDeployIsExclusive(t *testing.T) {
	a := &App{Name: "web"}
	require.True(t, a.TryLockDeploy())
	require.False(t, a.TryLockDeploy())
	a.UnlockDeploy()
	require.True(t, a.TryLockDeploy())
}

func TestAddAndRemoveInstance(t *testing.T) {
	a := &App{Name: "web"}
	inst := &Instance{ID: "i1"}
	a.AddInstance(inst)
	require.Len(t, a.ListInstances(), 1)

	a.RemoveInstance("i1")
	require.Empty(t, a.ListInstances())
}
