// Package config holds tako-server's runtime configuration: the handful
// of tunables spec.md calls out by name (ports, data directory, timeouts,
// queue depth) plus the ambient flags every long-running daemon in the
// example corpus exposes (log level, socket path). Defaults mirror
// cmd/commandfuncs.go's pattern of flag-with-fallback-constant.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved set of knobs the supervisor and proxy
// need at startup. It is built by merging, in increasing priority,
// compiled-in defaults, an optional YAML file, and command-line flags
// (the last applied by the caller, in cmd/tako-server).
type Config struct {
	// DataDir is the root directory for all durable state: the SQLite
	// database, the certificate store and ACME account data.
	DataDir string `yaml:"data_dir"`

	// ControlSocketPath is the unix-domain socket path the control
	// server listens on.
	ControlSocketPath string `yaml:"control_socket"`

	// HTTPAddr/HTTPSAddr are the listen addresses for the plain and TLS
	// proxy listeners, bound with SO_REUSEPORT.
	HTTPAddr  string `yaml:"http_addr"`
	HTTPSAddr string `yaml:"https_addr"`

	// InternalStatusHost is the fixed hostname the proxy reserves for
	// its own status endpoint, distinct from any app's route hosts.
	InternalStatusHost string `yaml:"internal_status_host"`

	// DefaultMaxInstances is the instance ceiling for a deploy that does
	// not specify one. The control dispatcher does not read this field;
	// it applies a fixed default of 4.
	DefaultMaxInstances int `yaml:"default_max_instances"`
	// HardMaxInstances is the absolute instance ceiling. The control
	// dispatcher does not read this field; it enforces a fixed ceiling
	// of 64.
	HardMaxInstances int `yaml:"hard_max_instances"`

	// MaxQueuedRequests bounds the cold-start waiter queue per app.
	MaxQueuedRequests int `yaml:"max_queued_requests"`
	// StartupTimeout bounds how long a cold-started instance has to
	// become Healthy before queued requests fail.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// InstanceHealthyTimeout is the time a rolling-update spawn has to
	// reach Healthy. The control dispatcher does not read this field; it
	// uses a fixed 60s.
	InstanceHealthyTimeout time.Duration `yaml:"instance_healthy_timeout"`

	// HeartbeatInterval is how often the health checker polls an
	// instance's status endpoint.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// UnhealthyThreshold is the number of consecutive failed heartbeats
	// before an instance is marked Unhealthy.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	// DeadAfter is how long without a successful heartbeat before an
	// instance is declared Dead.
	DeadAfter time.Duration `yaml:"dead_after"`

	// ACMEDirectoryURL is the ACME server directory endpoint. Defaults
	// to Let's Encrypt's production directory.
	ACMEDirectoryURL string `yaml:"acme_directory_url"`
	// ACMEEmail is the contact address used for ACME account
	// registration.
	ACMEEmail string `yaml:"acme_email"`

	// LogLevel and LogDevelopment control applog.Configure.
	LogLevel         string `yaml:"log_level"`
	LogDevelopment   bool   `yaml:"log_development"`
}

// Default returns the compiled-in defaults, matching the numbers spelled
// out in the component design (4 default/64 hard instance ceiling, 100
// queued requests, 30s startup timeout, 60s instance-healthy timeout, 1s
// heartbeat, 3 consecutive failures to Unhealthy, 30s to Dead).
func Default() Config {
	return Config{
		DataDir:                "/var/lib/tako",
		ControlSocketPath:      "/var/run/tako/control.sock",
		HTTPAddr:               "0.0.0.0:80",
		HTTPSAddr:              "0.0.0.0:443",
		InternalStatusHost:     "tako.internal",
		DefaultMaxInstances:    4,
		HardMaxInstances:       64,
		MaxQueuedRequests:      100,
		StartupTimeout:         30 * time.Second,
		InstanceHealthyTimeout: 60 * time.Second,
		HeartbeatInterval:      1 * time.Second,
		UnhealthyThreshold:     3,
		DeadAfter:              30 * time.Second,
		ACMEDirectoryURL:       "https://acme-v02.api.letsencrypt.org/directory",
		LogLevel:               "info",
	}
}

// LoadFile overlays YAML file contents onto base, returning the merged
// result. A missing file is not an error; it is treated as an empty
// overlay so deployments can omit the file and rely on defaults+flags.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return base, nil
}

// StateDBPath is the path to the SQLite state store within DataDir.
func (c Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "runtime-state.sqlite3")
}

// CertsDir is the root of the on-disk certificate store within DataDir.
func (c Config) CertsDir() string {
	return filepath.Join(c.DataDir, "certs")
}

// ACMEStorageDir is where ACME account/order data is persisted.
func (c Config) ACMEStorageDir() string {
	return filepath.Join(c.DataDir, "acme")
}

// EnsureDirs creates DataDir and its known subdirectories.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.CertsDir(), c.ACMEStorageDir(), filepath.Dir(c.ControlSocketPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

var wd, wdErr = os.Getwd()

// FastAbs resolves a release path to an absolute one without the
// repeated os.Getwd() syscall a naive filepath.Abs would pay on every
// deploy, since the working directory never changes once tako-server
// is running.
func FastAbs(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if wdErr != nil {
		return "", wdErr
	}
	return filepath.Join(wd, path), nil
}
