// Package idle watches running instances and apps for inactivity: a
// per-instance idle timeout when its in-flight count has been zero for
// long enough, and an AppIdle transition when an app's last instance
// stops and its MinInstances is zero.
package idle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tako-run/tako/internal/apps"
)

// StopFunc is called to stop an instance that has been idle past its
// app's configured idle timeout.
type StopFunc func(app *apps.App, inst *apps.Instance)

// Monitor periodically scans all apps for idle instances.
type Monitor struct {
	manager *apps.Manager
	stop    StopFunc
	tick    time.Duration

	mu         sync.Mutex
	lastActive map[string]time.Time // instance ID -> last time it was seen non-idle
}

// New returns a Monitor that scans every tick (e.g. 1s).
func New(manager *apps.Manager, tick time.Duration, stop StopFunc) *Monitor {
	return &Monitor{manager: manager, stop: stop, tick: tick, lastActive: make(map[string]time.Time)}
}

// Run blocks, scanning until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Monitor) scan() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.manager.List() {
		if app.IdleTimeout <= 0 {
			continue
		}
		for _, inst := range app.ListInstances() {
			if inst.GetState() != apps.InstanceHealthy && inst.GetState() != apps.InstanceReady {
				continue
			}
			if atomic.LoadInt64(&inst.InFlight) > 0 {
				m.lastActive[inst.ID] = now
				continue
			}
			last, seen := m.lastActive[inst.ID]
			if !seen {
				m.lastActive[inst.ID] = now
				continue
			}
			if now.Sub(last) >= app.IdleTimeout {
				delete(m.lastActive, inst.ID)
				m.stop(app, inst)
			}
		}
	}
}

// Forget drops any idle-tracking state for an instance that has been
// removed from its app outside of the idle timeout (e.g. crashed or
// stopped by a rolling update).
func (m *Monitor) Forget(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastActive, instanceID)
}

// AppIdleIfEmpty transitions app to Idle when it has zero instances and
// MinInstances is zero, matching the resolved Open Question that idle
// removal (and the resulting AppIdle transition) only fires once
// in-flight has actually reached zero, never speculatively.
func AppIdleIfEmpty(app *apps.App) {
	if app.MinInstances != 0 {
		return
	}
	if len(app.ListInstances()) != 0 {
		return
	}
	if app.GetState() == apps.AppRunning {
		app.SetState(apps.AppIdle)
	}
}
