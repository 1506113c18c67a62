// Package locking provides per-submission mutual exclusion shared across worker instances.
package locking

import (
	"context"
	"errors"
	"time"
)

// DefaultStaleAfter is the age after which a held lock may be reclaimed.
const DefaultStaleAfter = 5 * time.Minute

const lockIDPrefix = "typeform_"

var errMissingLockID = errors.New("locking: lock id required")

// LockID derives the lock key for a submission token.
func LockID(token string) string {
	return lockIDPrefix + token
}

// Lease identifies an acquired lock. Only the owner's release removes it.
type Lease struct {
	LockID     string
	Owner      string
	AcquiredAt time.Time
	Reclaimed  bool
}

// Store arbitrates locks. Acquire reports false without error when another owner
// holds a fresh lock.
type Store interface {
	Acquire(ctx context.Context, lockID string) (Lease, bool, error)
	Release(ctx context.Context, lease Lease) error
}
