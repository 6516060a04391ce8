// Package aggregator implements the periodic loop that merges queued bus
// samples with pulled position and diagnostic readings into a Snapshot and
// fans it out to the configured sinks.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/pkg/buffer"
	"github.com/c360/vehiclestream/pkg/ratelimit"
	"github.com/c360/vehiclestream/telemetry"
)

// minSleep is the floor on the end-of-cycle wait so a long cycle body never
// degenerates into a busy loop.
const minSleep = 100 * time.Millisecond

// maxErrorBackoff caps the wait after a failed cycle.
const maxErrorBackoff = 5 * time.Second

// PositionSource supplies GPS fixes, pulled synchronously each cycle.
// Position returns nil when no usable fix is available; absence is not an
// error.
type PositionSource interface {
	Name() string
	Connected() bool
	Position() *telemetry.Position
}

// DiagnosticSource supplies sensor readings and fault codes, pulled
// synchronously each cycle. Partial results are fine; a failed item is
// simply absent.
type DiagnosticSource interface {
	Name() string
	Connected() bool
	Read(ctx context.Context) (map[string]float64, []string)
}

// Sink receives assembled snapshots. Send is best-effort: an error affects
// only that sink for that cycle, the next snapshot supersedes it.
type Sink interface {
	Name() string
	Connected() bool
	Send(ctx context.Context, snap *telemetry.Snapshot) error
}

// Metrics holds Prometheus metrics for the aggregation loop
type Metrics struct {
	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	discarded     prometheus.Counter
	dispatchErrs  prometheus.Counter
	cycleDuration prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "aggregator",
			Name:      "cycles_total",
			Help:      "Total aggregation cycles run",
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "aggregator",
			Name:      "cycle_failures_total",
			Help:      "Cycles aborted by an unexpected fault",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "aggregator",
			Name:      "snapshots_discarded_total",
			Help:      "Empty snapshots discarded without dispatch",
		}),
		dispatchErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "aggregator",
			Name:      "dispatch_errors_total",
			Help:      "Snapshot sends that failed, per sink attempt",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vehiclestream",
			Subsystem: "aggregator",
			Name:      "cycle_duration_seconds",
			Help:      "Aggregation cycle body duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	_ = registry.RegisterCounter("aggregator", "cycles", m.cycles)
	_ = registry.RegisterCounter("aggregator", "cycle_failures", m.cycleFailures)
	_ = registry.RegisterCounter("aggregator", "snapshots_discarded", m.discarded)
	_ = registry.RegisterCounter("aggregator", "dispatch_errors", m.dispatchErrs)
	_ = registry.RegisterHistogram("aggregator", "cycle_duration", m.cycleDuration)

	return m
}

// Aggregator drives the data loop: drain queue, pull collaborators,
// assemble, dispatch.
type Aggregator struct {
	name     string
	deviceID string
	interval time.Duration
	logger   *slog.Logger

	queue       buffer.Buffer[telemetry.Sample]
	position    PositionSource
	diagnostics DiagnosticSource
	sinks       []Sink

	// Tracking sink is additionally gated by its own rate limiter and by
	// the presence of a usable fix.
	tracker        Sink
	trackerLimiter *ratelimit.Limiter

	// Lifecycle management
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.Mutex

	cycles       atomic.Int64
	dispatched   atomic.Int64
	errCount     atomic.Int64
	lastErr      atomic.Value // stores string
	lastActivity atomic.Value // stores time.Time

	metrics     *Metrics
	coreMetrics *metric.Metrics
	now         func() time.Time
}

var _ component.Discoverable = (*Aggregator)(nil)
var _ component.LifecycleComponent = (*Aggregator)(nil)

// Deps holds runtime dependencies for the aggregator
type Deps struct {
	Name            string
	DeviceID        string
	Interval        time.Duration
	Queue           buffer.Buffer[telemetry.Sample]
	Position        PositionSource
	Diagnostics     DiagnosticSource
	Sinks           []Sink
	Tracker         Sink
	TrackerLimiter  *ratelimit.Limiter
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates an aggregator component
func New(deps Deps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "aggregator")
	}

	var coreMetrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}

	a := &Aggregator{
		name:           deps.Name,
		deviceID:       deps.DeviceID,
		interval:       deps.Interval,
		logger:         logger,
		queue:          deps.Queue,
		position:       deps.Position,
		diagnostics:    deps.Diagnostics,
		sinks:          deps.Sinks,
		tracker:        deps.Tracker,
		trackerLimiter: deps.TrackerLimiter,
		startTime:      time.Now(),
		metrics:        newMetrics(deps.MetricsRegistry),
		coreMetrics:    coreMetrics,
		now:            time.Now,
	}
	a.lastErr.Store("")
	a.lastActivity.Store(time.Time{})
	return a
}

// Meta returns the component metadata
func (a *Aggregator) Meta() component.Metadata {
	name := a.name
	if name == "" {
		name = "aggregator"
	}
	return component.Metadata{
		Name:        name,
		Type:        "processor",
		Description: fmt.Sprintf("telemetry aggregation loop at %v for device %s", a.interval, a.deviceID),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (a *Aggregator) Health() component.HealthStatus {
	lastErr, _ := a.lastErr.Load().(string)
	return component.HealthStatus{
		Healthy:    a.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(a.errCount.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(a.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (a *Aggregator) DataFlow() component.FlowMetrics {
	cycles := a.cycles.Load()
	errCount := a.errCount.Load()
	lastActivity, _ := a.lastActivity.Load().(time.Time)

	var perSecond, errRate float64
	if uptime := time.Since(a.startTime).Seconds(); uptime > 0 {
		perSecond = float64(cycles) / uptime
	}
	if cycles > 0 {
		errRate = float64(errCount) / float64(cycles)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the aggregator configuration
func (a *Aggregator) Initialize() error {
	if a.interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("interval %v", a.interval),
			"aggregator", "Initialize", "interval validation")
	}
	if a.deviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty device id"),
			"aggregator", "Initialize", "device id validation")
	}
	if a.queue == nil {
		return errors.WrapInvalid(fmt.Errorf("nil sample queue"),
			"aggregator", "Initialize", "queue validation")
	}
	if a.tracker != nil && a.trackerLimiter == nil {
		return errors.WrapInvalid(fmt.Errorf("tracker sink without rate limiter"),
			"aggregator", "Initialize", "tracker validation")
	}
	return nil
}

// Start launches the aggregation loop
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running.Load() {
		return nil
	}

	a.shutdown = make(chan struct{})
	a.done = make(chan struct{})
	a.running.Store(true)
	a.startTime = time.Now()

	go func() {
		defer close(a.done)
		a.loop(ctx)
	}()

	a.logger.Info("aggregator started", "interval", a.interval, "sinks", len(a.sinks))
	return nil
}

// Stop signals the loop and joins it within the timeout
func (a *Aggregator) Stop(timeout time.Duration) error {
	if !a.running.Load() {
		return nil
	}
	a.running.Store(false)

	a.mu.Lock()
	if a.shutdown != nil {
		select {
		case <-a.shutdown:
		default:
			close(a.shutdown)
		}
	}
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-time.After(timeout):
		a.logger.Warn("aggregation loop did not stop in time", "timeout", timeout)
	}
	return nil
}

// loop runs cycles on a fixed period, measured loop-start to loop-start.
// The sleep is reduced by the cycle body's elapsed time so long cycles do
// not compound delay; a failed cycle instead waits a short bounded backoff.
func (a *Aggregator) loop(ctx context.Context) {
	for a.running.Load() {
		start := a.now()
		err := a.safeCycle(ctx)

		var sleep time.Duration
		if err != nil {
			a.errCount.Add(1)
			a.lastErr.Store(err.Error())
			if a.metrics != nil {
				a.metrics.cycleFailures.Inc()
			}
			if a.coreMetrics != nil {
				a.coreMetrics.RecordError("aggregator", "cycle")
			}
			a.logger.Error("aggregation cycle failed", "error", err)

			sleep = a.interval
			if sleep > maxErrorBackoff {
				sleep = maxErrorBackoff
			}
		} else {
			sleep = a.interval - a.now().Sub(start)
			if sleep < minSleep {
				sleep = minSleep
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-a.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// safeCycle runs one cycle, converting panics into cycle errors so an
// unexpected fault never kills the loop.
func (a *Aggregator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return a.runCycle(ctx)
}

// runCycle assembles and dispatches one snapshot.
func (a *Aggregator) runCycle(ctx context.Context) error {
	start := a.now()
	a.cycles.Add(1)
	if a.metrics != nil {
		a.metrics.cycles.Inc()
		defer func() {
			a.metrics.cycleDuration.Observe(a.now().Sub(start).Seconds())
		}()
	}

	snap := a.assemble(ctx)
	if snap.Empty() {
		if a.metrics != nil {
			a.metrics.discarded.Inc()
		}
		a.logger.Debug("empty snapshot discarded")
		return nil
	}

	a.dispatch(ctx, snap)
	a.lastActivity.Store(time.Now())
	return nil
}

// assemble builds a fresh snapshot from the collaborators and the queue.
// A failure or absence from any source leaves that part empty, never
// aborts the cycle.
func (a *Aggregator) assemble(ctx context.Context) *telemetry.Snapshot {
	snap := &telemetry.Snapshot{
		TimestampUTC: float64(a.now().UnixNano()) / 1e9,
		DeviceID:     a.deviceID,
	}

	if a.position != nil && a.position.Connected() {
		snap.GPS = a.position.Position()
	}

	if a.diagnostics != nil && a.diagnostics.Connected() {
		sensors, dtcs := a.diagnostics.Read(ctx)
		if len(sensors) > 0 {
			snap.Sensors = sensors
		}
		snap.DTCs = dtcs
	}

	// Drain everything queued since the last cycle; last write wins per
	// signal name.
	samples := a.queue.Drain()
	if len(samples) > 0 {
		snap.CANData = make(map[string]float64, len(samples))
		for _, sample := range samples {
			snap.CANData[sample.Name] = sample.Value
		}
	}

	return snap
}

// dispatch sends a snapshot to every sink independently. No ordering is
// guaranteed between sinks; one sink's failure never blocks another.
func (a *Aggregator) dispatch(ctx context.Context, snap *telemetry.Snapshot) {
	for _, sink := range a.sinks {
		a.sendTo(ctx, sink, snap)
	}

	if a.tracker == nil {
		return
	}
	if !snap.HasFix() {
		a.logger.Debug("tracking sink skipped, no position fix")
		return
	}
	if !a.trackerLimiter.TryTrigger() {
		a.logger.Debug("tracking sink throttled",
			"wait", a.trackerLimiter.TimeToNext().Round(time.Millisecond))
		return
	}
	a.sendTo(ctx, a.tracker, snap)
}

// sendTo delivers to one sink, absorbing its failure.
func (a *Aggregator) sendTo(ctx context.Context, sink Sink, snap *telemetry.Snapshot) {
	if !sink.Connected() {
		a.logger.Debug("sink not connected, skipping", "sink", sink.Name())
		return
	}

	if err := sink.Send(ctx, snap); err != nil {
		a.errCount.Add(1)
		a.lastErr.Store(err.Error())
		if a.metrics != nil {
			a.metrics.dispatchErrs.Inc()
		}
		a.logger.Warn("snapshot dispatch failed", "sink", sink.Name(), "error", err)
		return
	}

	a.dispatched.Add(1)
	if a.coreMetrics != nil {
		a.coreMetrics.RecordSnapshotPublished("aggregator", sink.Name())
	}
}
