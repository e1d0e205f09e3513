// Package apps holds the App/Instance data model and the in-memory
// registry that owns it. The registry generalizes the named-handle
// pattern in caddy's context.go (a map of named instances behind a
// lock, queried by callers rather than traversed as a graph) from
// Caddy modules to tako's App/Instance pairs.
package apps

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// AppState is the lifecycle state of an App, as spelled out verbatim.
type AppState string

const (
	AppIdle       AppState = "idle"
	AppDeploying  AppState = "deploying"
	AppRunning    AppState = "running"
	AppStopped    AppState = "stopped"
	AppError      AppState = "error"
)

// InstanceState is the lifecycle state of a single process instance.
type InstanceState string

const (
	InstanceStarting  InstanceState = "starting"
	InstanceReady     InstanceState = "ready"
	InstanceHealthy   InstanceState = "healthy"
	InstanceUnhealthy InstanceState = "unhealthy"
	InstanceDraining  InstanceState = "draining"
	InstanceStopped   InstanceState = "stopped"
)

// InstanceDead is reported as an event, not a resting state: a dead
// instance is removed from its App rather than lingering.
const InstanceDead InstanceState = "dead"

// App is one deployed application: a named, versioned release with a
// pool of instances load-balanced behind its routes.
type App struct {
	mu sync.RWMutex

	Name    string
	Version string
	Path    string // release directory this version was deployed from

	Command []string
	Env     map[string]string

	MinInstances int
	MaxInstances int
	BasePort     int
	IdleTimeout  time.Duration

	State     AppState
	Instances []*Instance

	CreatedAt time.Time
	UpdatedAt time.Time

	deployLock sync.Mutex // per-app try-lock serializing Deploy/RollingUpdate
}

// TryLockDeploy attempts to acquire the app's deploy lock without
// blocking, matching the spec's non-blocking-try-lock requirement.
func (a *App) TryLockDeploy() bool { return a.deployLock.TryLock() }

// UnlockDeploy releases the deploy lock.
func (a *App) UnlockDeploy() { a.deployLock.Unlock() }

// Snapshot returns a shallow copy of the app's fields safe to read
// without holding a's lock afterward. Instances are copied by pointer;
// callers must still use Instance's own accessors for instance fields.
func (a *App) Snapshot() App {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := *a
	cp.Instances = append([]*Instance(nil), a.Instances...)
	return cp
}

func (a *App) SetState(s AppState) {
	a.mu.Lock()
	a.State = s
	a.UpdatedAt = time.Now()
	a.mu.Unlock()
}

func (a *App) GetState() AppState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.State
}

// AddInstance appends inst under a's lock.
func (a *App) AddInstance(inst *Instance) {
	a.mu.Lock()
	a.Instances = append(a.Instances, inst)
	a.mu.Unlock()
}

// AllocateInstance reserves the lowest free port offset within
// [0, MaxInstances) and appends a new Starting instance for it,
// atomically under a's lock so two concurrent spawns can never pick the
// same offset. The instance's ID is that offset, a dense integer unique
// within the App; its port is BasePort+offset.
func (a *App) AllocateInstance(buildVersion string) (*Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := make(map[int]bool, len(a.Instances))
	for _, inst := range a.Instances {
		used[inst.Port-a.BasePort] = true
	}

	offset := -1
	for i := 0; i < a.MaxInstances; i++ {
		if !used[i] {
			offset = i
			break
		}
	}
	if offset == -1 {
		return nil, fmt.Errorf("app %q: %w", a.Name, ErrMaxInstances)
	}

	inst := &Instance{
		ID:           strconv.Itoa(offset),
		AppName:      a.Name,
		BuildVersion: buildVersion,
		Port:         a.BasePort + offset,
		State:        InstanceStarting,
		StartedAt:    time.Now(),
	}
	a.Instances = append(a.Instances, inst)
	return inst, nil
}

// RemoveInstance deletes the instance with the given ID, if present.
func (a *App) RemoveInstance(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, inst := range a.Instances {
		if inst.ID == id {
			a.Instances = append(a.Instances[:i], a.Instances[i+1:]...)
			return
		}
	}
}

// ListInstances returns a snapshot slice of the app's current instances.
func (a *App) ListInstances() []*Instance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Instance(nil), a.Instances...)
}

// Instance is one running (or starting/stopping) process backing an App.
type Instance struct {
	mu sync.RWMutex

	ID           string
	AppName      string
	BuildVersion string
	Port         int
	PID          int

	State           InstanceState
	ConsecutiveFail int
	LastSuccessAt   time.Time
	StartedAt       time.Time

	InFlight int64 // accessed via atomic helpers in lb
}

func (i *Instance) SetState(s InstanceState) {
	i.mu.Lock()
	i.State = s
	i.mu.Unlock()
}

// SetPID records the OS process ID backing the instance, set once the
// spawner's exec.Cmd has actually started.
func (i *Instance) SetPID(pid int) {
	i.mu.Lock()
	i.PID = pid
	i.mu.Unlock()
}

func (i *Instance) GetState() InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.State
}

// RecordSuccess resets the consecutive-failure count and stamps the
// last-success time, called after a healthy probe response.
func (i *Instance) RecordSuccess() {
	i.mu.Lock()
	i.ConsecutiveFail = 0
	i.LastSuccessAt = time.Now()
	i.mu.Unlock()
}

// RecordFailure increments the consecutive-failure count, called after
// a failed or timed-out probe.
func (i *Instance) RecordFailure() {
	i.mu.Lock()
	i.ConsecutiveFail++
	i.mu.Unlock()
}

// Health returns the fields health.HealthChecker needs to decide
// Unhealthy/Dead transitions, taken under the instance's lock.
func (i *Instance) Health() (consecutiveFail int, lastSuccessAt, startedAt time.Time) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ConsecutiveFail, i.LastSuccessAt, i.StartedAt
}

// Addr returns the loopback address of the instance's backend port.
func (i *Instance) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", i.Port)
}
