// Package locker provides per-trade mutual exclusion for settlement paths.
//
// Every fund-moving operation on an escrow runs under its lock, so a webhook
// retry, a buyer release, and the auto-release sweep serialize instead of
// racing. Acquisition waits are bounded; failure to acquire is a transient
// condition the caller reports as retry-later, never a permanent rejection.
package locker

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lock could not be acquired within the
// wait budget. Callers must treat it as transient.
var ErrNotAcquired = errors.New("locker: lock not acquired")

// Locker serializes work keyed by an escrow identifier or payment reference.
type Locker interface {
	// Acquire blocks up to the configured wait budget for the key's lock.
	// On success it returns a release function the caller must invoke.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// clampWait bounds ctx by the wait budget.
func clampWait(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, wait)
}
