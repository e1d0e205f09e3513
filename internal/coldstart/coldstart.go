// Package coldstart coordinates waking an idle app: the first request
// to find zero eligible backends becomes the leader and spawns an
// instance; every other concurrent request for the same app folds into
// that one spawn attempt and waits for its result. This is exactly the
// shape golang.org/x/sync/singleflight was built for, so the manager is
// a thin policy layer over a singleflight.Group keyed by app name.
package coldstart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tako-run/tako/internal/apps"
)

// ErrQueueFull is returned when an app's waiter queue is already at
// max_queued_requests and another request arrives before the leader's
// spawn resolves.
var ErrQueueFull = errors.New("cold-start waiter queue is full")

// ErrTimeout is returned when the leader's spawn does not reach Healthy
// within the configured startup timeout.
var ErrTimeout = errors.New("cold-start timed out waiting for instance to become healthy")

// Spawn is called by the leader to produce a newly started instance.
// It must block until the instance is Healthy (or Ready, per the
// caller's health policy) or return an error.
type Spawn func(ctx context.Context, app *apps.App) (*apps.Instance, error)

// Manager bounds and deduplicates concurrent cold-start attempts.
type Manager struct {
	group          singleflight.Group
	maxQueued      int
	mu             sync.Mutex
	waiters        map[string]int
}

// New returns a Manager that admits at most maxQueued concurrent callers
// per app, the leader included.
func New(maxQueued int) *Manager {
	return &Manager{maxQueued: maxQueued, waiters: make(map[string]int)}
}

// Wake ensures app has at least one instance on the way to Healthy,
// spawning one via spawn if this caller is elected leader, or waiting
// on the in-flight spawn if another caller already is.
func (m *Manager) Wake(ctx context.Context, app *apps.App, spawn Spawn) (*apps.Instance, error) {
	if !m.admit(app.Name) {
		return nil, fmt.Errorf("app %q: %w", app.Name, ErrQueueFull)
	}
	defer m.release(app.Name)

	resultCh := m.group.DoChan(app.Name, func() (any, error) {
		return spawn(ctx, app)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("app %q: %w", app.Name, ErrTimeout)
			}
			return nil, res.Err
		}
		return res.Val.(*apps.Instance), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("app %q: %w", app.Name, ErrTimeout)
	}
}

func (m *Manager) admit(appName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiters[appName] >= m.maxQueued {
		return false
	}
	m.waiters[appName]++
	return true
}

func (m *Manager) release(appName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[appName]--
	if m.waiters[appName] <= 0 {
		delete(m.waiters, appName)
	}
}
