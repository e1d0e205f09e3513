// Package lb selects which of an app's instances should serve the next
// request: Healthy instances only, falling back to Ready ones when none
// are Healthy yet, picking the least-loaded by in-flight count with a
// round-robin tie-break.
package lb

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tako-run/tako/internal/apps"
)

// ErrNoBackend is returned when an app has no instance eligible to
// serve a request.
var ErrNoBackend = errors.New("no eligible backend instance")

// Balancer tracks a per-app round-robin cursor so that equally-loaded
// instances are rotated through fairly rather than always picking the
// first in slice order.
type Balancer struct {
	mu     sync.Mutex
	cursor map[string]*uint64
}

// New returns a Balancer ready to select backends.
func New() *Balancer {
	return &Balancer{cursor: make(map[string]*uint64)}
}

// Select picks a backend instance for app, returning ErrNoBackend if
// none are currently eligible.
func (b *Balancer) Select(app *apps.App) (*apps.Instance, error) {
	instances := app.ListInstances()

	eligible := filterByState(instances, apps.InstanceHealthy)
	if len(eligible) == 0 {
		eligible = filterByState(instances, apps.InstanceReady)
	}
	if len(eligible) == 0 {
		return nil, ErrNoBackend
	}

	cursor := b.cursorFor(app.Name)
	start := atomic.AddUint64(cursor, 1)

	minInFlight := int64(-1)
	var chosen *apps.Instance
	n := uint64(len(eligible))
	for i := uint64(0); i < n; i++ {
		inst := eligible[(start+i)%n]
		inFlight := atomic.LoadInt64(&inst.InFlight)
		if minInFlight == -1 || inFlight < minInFlight {
			minInFlight = inFlight
			chosen = inst
		}
	}
	return chosen, nil
}

// BeginRequest increments the instance's in-flight counter; call
// EndRequest exactly once when the request completes (success or
// error) to release it.
func BeginRequest(inst *apps.Instance) { atomic.AddInt64(&inst.InFlight, 1) }

// EndRequest decrements the instance's in-flight counter.
func EndRequest(inst *apps.Instance) { atomic.AddInt64(&inst.InFlight, -1) }

func (b *Balancer) cursorFor(appName string) *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cursor[appName]; ok {
		return c
	}
	c := new(uint64)
	b.cursor[appName] = c
	return c
}

func filterByState(instances []*apps.Instance, state apps.InstanceState) []*apps.Instance {
	var out []*apps.Instance
	for _, inst := range instances {
		if inst.GetState() == state {
			out = append(out, inst)
		}
	}
	return out
}
