package spawner

import (
	"context"
	"net/http"
	"time"

	"github.com/tako-run/tako/internal/apps"
)

// HealthChecker polls each instance's /_tako/status endpoint on a fixed
// interval, moving it straight to Healthy on the first success (it never
// sets Ready), flipping to Unhealthy after a run of consecutive failures,
// and reporting Dead (via deadFn) after too long without a success.
type HealthChecker struct {
	client             *http.Client
	interval           time.Duration
	unhealthyThreshold int
	deadAfter          time.Duration
	deadFn             func(app *apps.App, inst *apps.Instance)
}

// NewHealthChecker builds a checker with the given policy.
func NewHealthChecker(interval time.Duration, unhealthyThreshold int, deadAfter time.Duration, deadFn func(*apps.App, *apps.Instance)) *HealthChecker {
	return &HealthChecker{
		client:             &http.Client{Timeout: interval},
		interval:           interval,
		unhealthyThreshold: unhealthyThreshold,
		deadAfter:          deadAfter,
		deadFn:             deadFn,
	}
}

// Watch polls inst until ctx is cancelled or the instance is observed
// Dead. It is meant to run in its own goroutine, one per instance.
func (h *HealthChecker) Watch(ctx context.Context, app *apps.App, inst *apps.Instance) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	url := "http://" + inst.Addr() + "/_tako/status"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.probe(url) {
				inst.RecordSuccess()
				inst.SetState(apps.InstanceHealthy)
				continue
			}

			if inst.GetState() == apps.InstanceDraining || inst.GetState() == apps.InstanceStopped {
				return
			}

			inst.RecordFailure()
			fails, lastSuccess, started := inst.Health()
			if fails >= h.unhealthyThreshold && inst.GetState() != apps.InstanceUnhealthy {
				inst.SetState(apps.InstanceUnhealthy)
			}
			switch {
			case !lastSuccess.IsZero() && time.Since(lastSuccess) >= h.deadAfter:
				h.deadFn(app, inst)
				return
			case lastSuccess.IsZero() && time.Since(started) >= h.deadAfter:
				h.deadFn(app, inst)
				return
			}
		}
	}
}

func (h *HealthChecker) probe(url string) bool {
	resp, err := h.client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
