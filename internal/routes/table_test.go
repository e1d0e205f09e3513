package routes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchPrecedence(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.ReplaceAppRoutes("wildcard-app", [][2]string{{"*.example.com", "/"}}))
	require.NoError(t, tbl.ReplaceAppRoutes("exact-app", [][2]string{{"api.example.com", "/"}}))

	r, ok := tbl.Match("api.example.com", "/v1/widgets")
	require.True(t, ok)
	require.Equal(t, "exact-app", r.AppName, "exact host must beat wildcard host")

	r, ok = tbl.Match("other.example.com", "/v1/widgets")
	require.True(t, ok)
	require.Equal(t, "wildcard-app", r.AppName)

	_, ok = tbl.Match("example.com", "/")
	require.False(t, ok, "wildcard must not match the bare suffix itself")
}

func TestMatchLongestPathPrefix(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.ReplaceAppRoutes("root-app", [][2]string{{"site.local", "/"}}))
	require.NoError(t, tbl.ReplaceAppRoutes("api-app", [][2]string{{"site.local", "/api"}}))

	r, ok := tbl.Match("site.local", "/api/widgets")
	require.True(t, ok)
	require.Equal(t, "api-app", r.AppName)

	r, ok = tbl.Match("site.local", "/about")
	require.True(t, ok)
	require.Equal(t, "root-app", r.AppName)
}

func TestReplaceAppRoutesConflict(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.ReplaceAppRoutes("app-a", [][2]string{{"site.local", "/"}}))
	err := tbl.ReplaceAppRoutes("app-b", [][2]string{{"site.local", "/"}})
	require.ErrorIs(t, err, ErrConflict)
}

func TestReplaceAppRoutesIsAtomicPerApp(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.ReplaceAppRoutes("app-a", [][2]string{{"site.local", "/"}, {"site.local", "/old"}}))
	require.NoError(t, tbl.ReplaceAppRoutes("app-a", [][2]string{{"site.local", "/new"}}))

	_, ok := tbl.Match("site.local", "/old")
	require.False(t, ok, "stale route from a prior ReplaceAppRoutes must be gone")

	r, ok := tbl.Match("site.local", "/new")
	require.True(t, ok)
	require.Equal(t, "app-a", r.AppName)
}
