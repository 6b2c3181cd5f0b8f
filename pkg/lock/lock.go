// Package lock serializes work per key. The progress engine takes one lock per assignment id
// so that two operations on the same assignment never interleave.
package lock

import "context"

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires an exclusive lock for key, blocking until it is available or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}
