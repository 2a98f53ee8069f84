// Package syncutil provides per-key mutual exclusion for settlement
// operations, either in-process or across instances through Redis.
package syncutil

import "context"

// Locker serializes work keyed by an arbitrary string (a transaction id).
// Lock blocks until the key is held or ctx is done and returns the release
// function the caller must invoke exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
