// Package recovery restores in-flight work after a restart: jobs and outbox
// messages claimed by a dead process, and analysis batches that were flushed
// but never finished.
package recovery

import (
	"context"
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// Func adapts a function to Recoverable.
type Func struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) RecoverState(ctx context.Context) error { return f.Fn(ctx) }

// Manager orchestrates recovery of all registered components
type Manager struct {
	recoverables []Recoverable
	log          *logger.Logger
}

// NewManager creates a new recovery manager
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{log: log}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component in registration order. A failing
// component does not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	m.log.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			m.log.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		recovered++
	}

	m.log.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
