// Package spawner launches instance processes and watches them for
// exit, one goroutine per process as the teacher's listener bookkeeping
// in listeners.go does for sockets: each resource gets a dedicated
// watcher goroutine rather than a shared polling loop.
package spawner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/tako-run/tako/internal/apps"
)

// ExitFunc is invoked (from the watcher goroutine) when a spawned
// process exits, whatever the cause.
type ExitFunc func(app *apps.App, inst *apps.Instance, err error)

// Spawner launches and tracks app instance processes.
type Spawner struct {
	onExit ExitFunc

	mu    sync.Mutex
	procs map[string]*exec.Cmd // instance ID -> running process
}

// New returns a Spawner that calls onExit when a tracked process exits.
func New(onExit ExitFunc) *Spawner {
	return &Spawner{onExit: onExit, procs: make(map[string]*exec.Cmd)}
}

// Launch starts one new instance of app, returning its Instance record
// immediately in the Starting state; the caller's health checker is
// responsible for advancing it to Healthy. The instance's port is
// allocated by app.AllocateInstance, the lowest free offset within
// app.BasePort+[0, MaxInstances).
func (s *Spawner) Launch(ctx context.Context, app *apps.App) (*apps.Instance, error) {
	snap := app.Snapshot()
	if len(snap.Command) == 0 {
		return nil, fmt.Errorf("app %q has no command configured", app.Name)
	}

	inst, err := app.AllocateInstance(snap.Version)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(snap.Command[0], snap.Command[1:]...)
	cmd.Dir = snap.Path
	cmd.Env = buildEnv(snap.Env, inst.Port)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		app.RemoveInstance(inst.ID)
		return nil, fmt.Errorf("starting instance of %q: %w", app.Name, err)
	}
	inst.SetPID(cmd.Process.Pid)

	s.mu.Lock()
	s.procs[inst.ID] = cmd
	s.mu.Unlock()

	go s.watch(app, inst, cmd)

	return inst, nil
}

func (s *Spawner) watch(app *apps.App, inst *apps.Instance, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	delete(s.procs, inst.ID)
	s.mu.Unlock()
	if s.onExit != nil {
		s.onExit(app, inst, err)
	}
}

// Stop sends os.Interrupt (SIGINT on POSIX) to the instance's process
// and transitions it to Draining; the watcher goroutine
// observes the resulting exit and reports it through onExit.
func (s *Spawner) Stop(inst *apps.Instance) error {
	inst.SetState(apps.InstanceDraining)
	s.mu.Lock()
	cmd, ok := s.procs[inst.ID]
	s.mu.Unlock()
	if !ok {
		return nil // already exited
	}
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("signaling instance %s: %w", inst.ID, err)
	}
	return nil
}

// Kill force-terminates an instance's process immediately, without
// sending a graceful signal first.
func (s *Spawner) Kill(inst *apps.Instance) error {
	s.mu.Lock()
	cmd, ok := s.procs[inst.ID]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func buildEnv(extra map[string]string, port int) []string {
	env := os.Environ()
	env = append(env, fmt.Sprintf("PORT=%d", port))
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
