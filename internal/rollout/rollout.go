// Package rollout implements the rolling-update algorithm: spawn new
// instances one at a time, give each up to InstanceHealthyTimeout to
// reach Healthy, drain an old instance per new one admitted, and abort
// with a full rollback the moment any new instance fails to come up.
package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/tako-run/tako/internal/apps"
)

// SpawnFunc starts one new instance on an available port and waits for
// it to reach Healthy (or returns an error/timeout).
type SpawnFunc func(ctx context.Context, app *apps.App) (*apps.Instance, error)

// DrainFunc stops one old instance gracefully.
type DrainFunc func(app *apps.App, inst *apps.Instance)

// Updater drives one rolling update at a time per app (serialized by
// the app's own deploy lock, acquired by the caller before Run is
// invoked).
type Updater struct {
	spawn          SpawnFunc
	drain          DrainFunc
	healthyTimeout time.Duration
}

// New returns an Updater using spawn/drain as its instance primitives.
func New(spawn SpawnFunc, drain DrainFunc, healthyTimeout time.Duration) *Updater {
	return &Updater{spawn: spawn, drain: drain, healthyTimeout: healthyTimeout}
}

// Run performs the rolling update of app to newVersion. oldInstances is
// the set of instances running the previous build, captured by the
// caller before Run starts (so concurrent health/idle activity doesn't
// shift the target mid-rollout). extra is the number of instances to
// over-provision beyond a 1:1 replacement, and M is the target
// min_instances, clamped to [1, max_instances].
//
// target_new = max(1, min(M, M - inactive_old + extra))
//
// On any spawn failure or timeout, Run stops spawning further
// replacements, drains every new instance it already started, and
// leaves the untouched old instances running — the rollback the spec
// requires.
func (u *Updater) Run(ctx context.Context, app *apps.App, oldInstances []*apps.Instance, extra int) error {
	m := clamp(app.MinInstances, 1, app.MaxInstances)
	inactiveOld := 0 // number of old instances already drained this rollout
	targetNew := clamp(m-inactiveOld+extra, 1, m)

	var spawned []*apps.Instance
	rollback := func() {
		for _, inst := range spawned {
			u.drain(app, inst)
		}
	}

	for len(spawned) < targetNew {
		spawnCtx, cancel := context.WithTimeout(ctx, u.healthyTimeout)
		inst, err := u.spawn(spawnCtx, app)
		cancel()
		if err != nil {
			rollback()
			return fmt.Errorf("rolling update of %q: spawning replacement instance: %w", app.Name, err)
		}
		spawned = append(spawned, inst)

		if inactiveOld < len(oldInstances) {
			u.drain(app, oldInstances[inactiveOld])
			inactiveOld++
		}
	}

	for ; inactiveOld < len(oldInstances); inactiveOld++ {
		u.drain(app, oldInstances[inactiveOld])
	}

	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
