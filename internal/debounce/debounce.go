// Package debounce collapses bursts of events per key into one delayed call.
//
// ScheduleDelayed(key, payload, delay) replaces any pending call for key, so a
// key fires once, delay after its last event. TimerScheduler keeps the pending
// calls in process; JobScheduler keeps them in the durable job table so they
// survive restarts and can run on any node.
package debounce

import (
	"context"
	"time"
)

// Handler runs when a key's delay elapses.
type Handler func(ctx context.Context, key, payload string) error

// Scheduler schedules replace-by-key delayed calls.
type Scheduler interface {
	ScheduleDelayed(ctx context.Context, key, payload string, delay time.Duration) error
}
