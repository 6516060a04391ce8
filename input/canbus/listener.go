// Package canbus provides the CAN bus input component. It owns the bus
// connection lifecycle, decodes received frames through the signal catalog,
// and enqueues samples into the bounded queue without ever blocking the
// receive path.
package canbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/can"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/canbus"
	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/config"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/pkg/buffer"
	"github.com/c360/vehiclestream/pkg/retry"
	"github.com/c360/vehiclestream/telemetry"
)

// State tracks the listener's connection lifecycle.
type State int32

const (
	// StateDisconnected is the initial state before any connect attempt
	StateDisconnected State = iota
	// StateConnecting indicates startup connect attempts are in progress
	StateConnecting
	// StateConnected indicates the receive loop is live
	StateConnected
	// StateReconnecting indicates the single runtime reconnect is in progress
	StateReconnecting
	// StateTerminated indicates the listener gave up; it stays down until rebuilt
	StateTerminated
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// frameBus abstracts the underlying bus driver so tests can substitute a fake.
type frameBus interface {
	SubscribeFunc(fn can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
}

// dialSocketCAN opens a SocketCAN interface via the bus driver.
func dialSocketCAN(name string) (frameBus, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", name, err)
	}

	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("open interface %s: %w", name, err)
	}

	return can.NewBus(conn), nil
}

// Metrics holds Prometheus metrics for the CAN listener
type Metrics struct {
	framesReceived prometheus.Counter
	samplesDecoded prometheus.Counter
	samplesDropped prometheus.Counter
	busErrors      prometheus.Counter
	reconnects     prometheus.Counter
	lastActivity   prometheus.Gauge
}

// newMetrics creates and registers CAN listener metrics
func newMetrics(registry *metric.MetricsRegistry, iface string) *Metrics {
	if registry == nil {
		return nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "vehiclestream",
			Subsystem:   "can",
			Name:        name,
			ConstLabels: prometheus.Labels{"interface": iface},
			Help:        help,
		})
	}

	metrics := &Metrics{
		framesReceived: counter("frames_received_total", "Total CAN frames received"),
		samplesDecoded: counter("samples_decoded_total", "Total samples decoded from frames"),
		samplesDropped: counter("samples_dropped_total", "Samples dropped due to full queue"),
		busErrors:      counter("bus_errors_total", "Bus-level receive errors"),
		reconnects:     counter("reconnects_total", "Runtime reconnect attempts"),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vehiclestream",
			Subsystem:   "can",
			Name:        "last_frame_timestamp",
			ConstLabels: prometheus.Labels{"interface": iface},
			Help:        "Unix timestamp of last received frame",
		}),
	}

	serviceName := "can_" + iface
	_ = registry.RegisterCounter(serviceName, "frames_received", metrics.framesReceived)
	_ = registry.RegisterCounter(serviceName, "samples_decoded", metrics.samplesDecoded)
	_ = registry.RegisterCounter(serviceName, "samples_dropped", metrics.samplesDropped)
	_ = registry.RegisterCounter(serviceName, "bus_errors", metrics.busErrors)
	_ = registry.RegisterCounter(serviceName, "reconnects", metrics.reconnects)
	_ = registry.RegisterGauge(serviceName, "last_activity", metrics.lastActivity)

	return metrics
}

// Listener receives frames from a SocketCAN interface, decodes them through
// the signal catalog, and enqueues the resulting samples.
type Listener struct {
	name    string
	iface   string
	catalog *canbus.Catalog
	logger  *slog.Logger

	connectAttempts int
	connectDelay    time.Duration
	readTimeout     time.Duration

	// Bounded sample queue shared with the aggregation loop.
	// Single producer (this listener), single consumer.
	queue buffer.Buffer[telemetry.Sample]

	dial func(iface string) (frameBus, error)

	state atomic.Int32

	// Lifecycle management
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	bus       frameBus

	// Flow counters
	framesReceived atomic.Int64
	samplesDropped atomic.Int64
	errCount       atomic.Int64
	lastActivity   atomic.Value // stores time.Time

	metrics      *Metrics
	coreMetrics  *metric.Metrics
	lastErr      atomic.Value // stores string
	timestampNow func() float64
}

// Ensure Listener implements the component interfaces
var _ component.Discoverable = (*Listener)(nil)
var _ component.LifecycleComponent = (*Listener)(nil)

// ListenerDeps holds runtime dependencies for the CAN listener
type ListenerDeps struct {
	Name            string
	Config          config.CANConfig
	Catalog         *canbus.Catalog
	QueueSize       int
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewListener creates a CAN listener component. Returns an error if the
// sample queue cannot be created.
func NewListener(deps ListenerDeps) (*Listener, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "can-listener", "interface", deps.Config.Interface)
	}

	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = 200
	}

	var coreMetrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}

	l := &Listener{
		name:            deps.Name,
		iface:           deps.Config.Interface,
		catalog:         deps.Catalog,
		logger:          logger,
		connectAttempts: deps.Config.ConnectAttempts,
		connectDelay:    deps.Config.ConnectDelay.Std(),
		readTimeout:     deps.Config.ReadTimeout.Std(),
		dial:            dialSocketCAN,
		startTime:       time.Now(),
		metrics:         newMetrics(deps.MetricsRegistry, deps.Config.Interface),
		coreMetrics:     coreMetrics,
		timestampNow: func() float64 {
			return float64(time.Now().UnixNano()) / 1e9
		},
	}

	bufferOpts := []buffer.Option[telemetry.Sample]{
		// Bus reads must never stall, and under sustained overload the
		// queued (older) samples win over new arrivals.
		buffer.WithOverflowPolicy[telemetry.Sample](buffer.DropNewest),
		buffer.WithDropCallback[telemetry.Sample](l.onSampleDropped),
	}
	if deps.MetricsRegistry != nil {
		bufferOpts = append(bufferOpts,
			buffer.WithMetrics[telemetry.Sample](deps.MetricsRegistry, "can_listener"))
	}

	queue, err := buffer.NewCircularBuffer(queueSize, bufferOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "can-listener", "NewListener", "sample queue creation")
	}
	l.queue = queue

	l.lastActivity.Store(time.Time{})
	l.lastErr.Store("")
	l.state.Store(int32(StateDisconnected))
	return l, nil
}

// Samples returns the bounded sample queue drained by the aggregation loop.
func (l *Listener) Samples() buffer.Buffer[telemetry.Sample] {
	return l.queue
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Connected reports whether the receive loop is live.
func (l *Listener) Connected() bool {
	return l.State() == StateConnected
}

// Meta returns the component metadata
func (l *Listener) Meta() component.Metadata {
	name := l.name
	if name == "" {
		name = "can-listener-" + l.iface
	}

	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("CAN bus listener on %s decoding %d signals", l.iface, l.catalog.Signals()),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (l *Listener) Health() component.HealthStatus {
	lastErr, _ := l.lastErr.Load().(string)

	return component.HealthStatus{
		Healthy:    l.State() == StateConnected,
		LastCheck:  time.Now(),
		ErrorCount: int(l.errCount.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(l.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (l *Listener) DataFlow() component.FlowMetrics {
	frames := l.framesReceived.Load()
	errCount := l.errCount.Load()
	lastActivity, _ := l.lastActivity.Load().(time.Time)

	var framesPerSecond float64
	var errorRate float64

	if uptime := time.Since(l.startTime).Seconds(); uptime > 0 {
		framesPerSecond = float64(frames) / uptime
	}
	if frames > 0 {
		errorRate = float64(errCount) / float64(frames)
	}

	return component.FlowMetrics{
		MessagesPerSecond: framesPerSecond,
		BytesPerSecond:    framesPerSecond * 8, // CAN payloads are at most 8 bytes
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration but does not touch the bus
func (l *Listener) Initialize() error {
	if l.iface == "" {
		return errors.WrapInvalid(fmt.Errorf("empty interface name"),
			"can-listener", "Initialize", "interface validation")
	}
	if l.catalog == nil {
		return errors.WrapInvalid(fmt.Errorf("nil signal catalog"),
			"can-listener", "Initialize", "catalog validation")
	}
	if l.connectAttempts <= 0 {
		l.connectAttempts = 5
	}
	if l.connectDelay <= 0 {
		l.connectDelay = 3 * time.Second
	}
	if l.readTimeout <= 0 {
		l.readTimeout = time.Second
	}
	return nil
}

// Start connects to the bus with bounded retries and launches the receive
// loop. Exhausting the retries leaves the listener terminated and returns
// an error; the wait between attempts is interruptible by ctx.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil // Already running, idempotent
	}
	if l.State() == StateTerminated {
		return errors.WrapInvalid(errors.ErrAlreadyStopped,
			"can-listener", "Start", "listener is terminated; rebuild the component")
	}

	l.shutdown = make(chan struct{})
	l.done = make(chan struct{})

	l.state.Store(int32(StateConnecting))

	// Fixed-delay retries: the interface is either up or it is not,
	// backoff growth buys nothing here.
	cfg := retry.Fixed(l.connectAttempts, l.connectDelay)
	if err := retry.Do(ctx, cfg, func() error {
		return l.openBusLocked()
	}); err != nil {
		l.state.Store(int32(StateTerminated))
		l.recordBusStatus(false)
		l.cleanupUnlocked()
		return errors.WrapTransient(err, "can-listener", "Start", "bus connect")
	}

	l.state.Store(int32(StateConnected))
	l.recordBusStatus(true)
	l.running.Store(true)
	l.startTime = time.Now()

	go func() {
		defer close(l.done)
		l.receiveLoop(ctx)
	}()

	l.logger.Info("CAN listener started", "interface", l.iface, "signals", l.catalog.Signals())
	return nil
}

// openBusLocked dials the interface and subscribes the frame handler.
// Caller must hold l.mu.
func (l *Listener) openBusLocked() error {
	bus, err := l.dial(l.iface)
	if err != nil {
		return err
	}
	bus.SubscribeFunc(l.handleFrame)
	l.bus = bus
	return nil
}

// receiveLoop runs the blocking bus read until shutdown or a terminal error.
// On a bus-level error exactly one reconnect is attempted; a second failure
// is terminal for the process lifetime.
func (l *Listener) receiveLoop(ctx context.Context) {
	reconnected := false

	for {
		l.mu.RLock()
		bus := l.bus
		l.mu.RUnlock()
		if bus == nil {
			return
		}

		// Blocks until Disconnect is called or the bus errors out.
		err := bus.ConnectAndPublish()

		if l.stopping(ctx) {
			return
		}

		l.errCount.Add(1)
		if err != nil {
			l.lastErr.Store(err.Error())
		}
		if l.metrics != nil {
			l.metrics.busErrors.Inc()
		}

		if reconnected {
			l.logger.Error("CAN bus failed after reconnect, listener terminated",
				"interface", l.iface, "error", err)
			l.state.Store(int32(StateTerminated))
			l.recordBusStatus(false)
			return
		}

		l.logger.Warn("CAN bus error, attempting reconnect", "interface", l.iface, "error", err)
		l.state.Store(int32(StateReconnecting))
		l.recordBusStatus(false)

		l.mu.Lock()
		l.bus = nil
		reconnectErr := l.openBusLocked()
		l.mu.Unlock()

		if reconnectErr != nil {
			l.logger.Error("CAN bus reconnect failed, listener terminated",
				"interface", l.iface, "error", reconnectErr)
			l.state.Store(int32(StateTerminated))
			return
		}

		reconnected = true
		l.state.Store(int32(StateConnected))
		l.recordBusStatus(true)
		if l.metrics != nil {
			l.metrics.reconnects.Inc()
		}
		if l.coreMetrics != nil {
			l.coreMetrics.RecordBusReconnect()
		}
		l.logger.Info("CAN bus reconnected", "interface", l.iface)
	}
}

// stopping reports whether shutdown has been requested.
func (l *Listener) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.shutdown:
		return true
	default:
		return !l.running.Load()
	}
}

// handleFrame decodes one received frame and enqueues its samples.
// Runs on the bus driver's receive goroutine, so it must never block.
func (l *Listener) handleFrame(frame can.Frame) {
	if !l.running.Load() {
		return
	}

	length := int(frame.Length)
	if length > len(frame.Data) {
		length = len(frame.Data)
	}

	now := time.Now()
	l.framesReceived.Add(1)
	l.lastActivity.Store(now)
	if l.metrics != nil {
		l.metrics.framesReceived.Inc()
		l.metrics.lastActivity.Set(float64(now.Unix()))
	}

	samples := l.catalog.Decode(canbus.Frame{
		ID:        frame.ID,
		Data:      frame.Data[:length],
		Timestamp: l.timestampNow(),
	}, l.logger)

	for _, sample := range samples {
		if err := l.queue.Write(sample); err != nil {
			l.logger.Warn("sample enqueue failed", "signal", sample.Name, "error", err)
			continue
		}
		if l.metrics != nil {
			l.metrics.samplesDecoded.Inc()
		}
		if l.coreMetrics != nil {
			l.coreMetrics.RecordSampleReceived("can-listener", "bus")
		}
	}
}

// onSampleDropped records a queue overflow. Called by the queue whenever the
// DropNewest policy discards an incoming sample.
func (l *Listener) onSampleDropped(sample telemetry.Sample) {
	l.samplesDropped.Add(1)
	if l.metrics != nil {
		l.metrics.samplesDropped.Inc()
	}
	l.logger.Warn("sample queue full, dropping newest", "signal", sample.Name)
}

// Stop sets the stop signal, disconnects the bus to unblock the receive
// loop, and joins it within the timeout. A missed join is logged, not fatal.
func (l *Listener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil
	}

	l.running.Store(false)

	l.mu.Lock()
	if l.shutdown != nil {
		select {
		case <-l.shutdown:
		default:
			close(l.shutdown)
		}
	}
	if l.bus != nil {
		_ = l.bus.Disconnect()
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(timeout + l.readTimeout):
		l.logger.Warn("CAN receive loop did not stop in time", "timeout", timeout)
	}

	if l.State() != StateTerminated {
		l.state.Store(int32(StateDisconnected))
	}
	l.recordBusStatus(false)

	l.cleanup()
	return nil
}

// cleanup releases the bus handle and closes the queue for writes.
func (l *Listener) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupUnlocked()
}

func (l *Listener) cleanupUnlocked() {
	if l.bus != nil {
		_ = l.bus.Disconnect()
		l.bus = nil
	}
	if l.queue != nil {
		_ = l.queue.Close()
	}
}

func (l *Listener) recordBusStatus(connected bool) {
	if l.coreMetrics != nil {
		l.coreMetrics.RecordBusStatus(connected)
	}
}
