package state

import "errors"

// ErrLockHeld is returned by AcquireUpgradeLock when a different owner
// already holds the lock.
var ErrLockHeld = errors.New("lock already held")

// ErrLockNotHeld is returned by ReleaseUpgradeLock when there is no
// lock to release, or when it is held by an owner other than the
// caller.
var ErrLockNotHeld = errors.New("upgrade lock not held by this owner")
