// Package lock provides per-key advisory locks. Sweeps take one per program
// instance and the analysis worker takes one per patient, so work for one key
// never runs twice at once while different keys proceed independently.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Release unlocks a held lock. Calling it more than once is a no-op.
type Release func(ctx context.Context) error

// Locker hands out advisory locks keyed by string. The ttl bounds how long a
// crashed holder can block others; backends that live inside one process may
// ignore it.
type Locker interface {
	// TryAcquire takes the lock if it is free and reports whether it did.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
	// Acquire blocks until the lock is taken or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Key helpers keep lock names consistent across components.
func InstanceKey(instanceID string) string { return "carepipe:lock:instance:" + instanceID }

func PatientKey(patientID string) string { return "carepipe:lock:patient:" + patientID }

func IntakeKey(patientID string) string { return "carepipe:lock:intake:" + patientID }
