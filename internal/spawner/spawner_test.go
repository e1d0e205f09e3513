package spawner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tako-run/tako/internal/apps"
)

func TestLaunchAndStop(t *testing.T) {
	exitCh := make(chan error, 1)
	s := New(func(app *apps.App, inst *apps.Instance, err error) {
		exitCh <- err
	})

	app := &apps.App{
		Name: "sleepy", Command: []string{"sh", "-c", "trap 'exit 0' TERM INT; sleep 30"},
		BasePort: 20000, MaxInstances: 4,
	}
	inst, err := s.Launch(context.Background(), app)
	require.NoError(t, err)
	require.Equal(t, apps.InstanceStarting, inst.GetState())
	require.Len(t, app.ListInstances(), 1)

	require.NoError(t, s.Stop(inst))

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	s := New(nil)
	app := &apps.App{Name: "broken", BasePort: 20000, MaxInstances: 4}
	_, err := s.Launch(context.Background(), app)
	require.Error(t, err)
}
