// Package service wires the telemetry components together and drives their
// lifecycle: ordered startup, health aggregation and reverse-order
// shutdown with bounded waits.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
)

// Supervisor owns a fixed set of lifecycle components. Sources are
// registered before the aggregator so data paths exist by the time the
// loop runs; Stop walks the same list backwards so the aggregator quiesces
// before its inputs disappear.
type Supervisor struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []*component.ManagedComponent
	byName     map[string]*component.ManagedComponent

	started   atomic.Bool
	startTime time.Time

	coreMetrics *metric.Metrics
}

// New creates a supervisor
func New(logger *slog.Logger, registry *metric.MetricsRegistry) *Supervisor {
	if logger == nil {
		logger = slog.Default().With("component", "supervisor")
	}

	var coreMetrics *metric.Metrics
	if registry != nil {
		coreMetrics = registry.CoreMetrics()
	}

	return &Supervisor{
		logger:      logger,
		byName:      make(map[string]*component.ManagedComponent),
		coreMetrics: coreMetrics,
	}
}

// Register adds a component. Registration order is start order. Returns an
// error for duplicate names or registration after start.
func (s *Supervisor) Register(c component.LifecycleComponent) error {
	if s.started.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"supervisor", "Register", "registering "+c.Meta().Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := c.Meta().Name
	if _, exists := s.byName[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("duplicate component %q", name),
			"supervisor", "Register", "registering component")
	}

	mc := &component.ManagedComponent{
		Component:  c,
		State:      component.StateCreated,
		StartOrder: len(s.components),
	}
	s.components = append(s.components, mc)
	s.byName[name] = mc
	return nil
}

// Components returns the registered component names in start order
func (s *Supervisor) Components() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.components))
	for i, mc := range s.components {
		names[i] = mc.Component.Meta().Name
	}
	return names
}

// Initialize initializes every component in registration order. The first
// failure aborts: a misconfigured component means the service must not
// come up partially configured.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mc := range s.components {
		name := mc.Component.Meta().Name
		if err := mc.Component.Initialize(); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			return fmt.Errorf("initializing %s: %w", name, err)
		}
		mc.State = component.StateInitialized
		s.logger.Debug("component initialized", "name", name)
	}
	return nil
}

// Start starts every component in registration order. A component that
// fails to start is recorded as failed and the remaining components still
// start: a vehicle with a dead GPS should keep reporting bus data.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}
	s.started.Store(true)
	s.startTime = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mc := range s.components {
		name := mc.Component.Meta().Name

		childCtx, cancel := context.WithCancel(ctx)
		mc.Context = childCtx
		mc.Cancel = cancel

		s.logger.Info("starting component", "name", name, "type", mc.Component.Meta().Type)
		if err := mc.Component.Start(childCtx); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			s.logger.Error("component failed to start", "name", name, "error", err)
			if s.coreMetrics != nil {
				s.coreMetrics.RecordError(name, "start")
			}
			continue
		}

		mc.State = component.StateStarted
		if s.coreMetrics != nil {
			s.coreMetrics.RecordServiceStatus(name, 1)
		}
	}

	s.logger.Info("supervisor started", "components", len(s.components))
	return nil
}

// Stop stops every started component in reverse registration order. Each
// component gets the full per-component timeout; one component's failure
// never prevents the rest from closing. All failures are reported
// together.
func (s *Supervisor) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return nil
	}
	s.started.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	var failures []error
	for i := len(s.components) - 1; i >= 0; i-- {
		mc := s.components[i]
		if mc.State != component.StateStarted {
			continue
		}
		name := mc.Component.Meta().Name

		if mc.Cancel != nil {
			mc.Cancel()
		}

		s.logger.Info("stopping component", "name", name)
		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			s.logger.Error("component failed to stop", "name", name, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}

		mc.State = component.StateStopped
		if s.coreMetrics != nil {
			s.coreMetrics.RecordServiceStatus(name, 0)
		}
	}

	s.logger.Info("supervisor stopped")
	if len(failures) > 0 {
		return fmt.Errorf("failed to stop %d components: %v", len(failures), failures)
	}
	return nil
}

// Running reports whether the supervisor has been started
func (s *Supervisor) Running() bool {
	return s.started.Load()
}

// ComponentHealth is one component's health snapshot with its lifecycle
// state attached.
type ComponentHealth struct {
	Name   string
	Type   string
	State  component.State
	Health component.HealthStatus
}

// Health reports the health of every registered component in start order
func (s *Supervisor) Health() []ComponentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ComponentHealth, 0, len(s.components))
	for _, mc := range s.components {
		meta := mc.Component.Meta()
		out = append(out, ComponentHealth{
			Name:   meta.Name,
			Type:   meta.Type,
			State:  mc.State,
			Health: mc.Component.Health(),
		})
		if s.coreMetrics != nil {
			s.coreMetrics.RecordHealthStatus(meta.Name, mc.Component.Health().Healthy)
		}
	}
	return out
}

// Healthy reports whether every started component is healthy
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mc := range s.components {
		if mc.State != component.StateStarted {
			continue
		}
		if !mc.Component.Health().Healthy {
			return false
		}
	}
	return true
}

// Uptime reports how long the supervisor has been running
func (s *Supervisor) Uptime() time.Duration {
	if !s.started.Load() {
		return 0
	}
	return time.Since(s.startTime)
}
