// Package natspub fans telemetry snapshots out on a NATS subject so local
// consumers, dashboards or recorders on the vehicle network can subscribe
// without touching the upstream links.
package natspub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/telemetry"
)

// natsConn is the slice of *nats.Conn the sink needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
	Close()
}

// Metrics holds Prometheus metrics for the NATS sink
type Metrics struct {
	published   prometheus.Counter
	publishErrs prometheus.Counter
	connected   prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "nats",
			Name:      "published_total",
			Help:      "Snapshots published to the local subject",
		}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "nats",
			Name:      "publish_errors_total",
			Help:      "Publishes that failed",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vehiclestream",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "Whether the NATS connection is up (1) or not (0)",
		}),
	}

	_ = registry.RegisterCounter("nats", "published", m.published)
	_ = registry.RegisterCounter("nats", "publish_errors", m.publishErrs)
	_ = registry.RegisterGauge("nats", "connected", m.connected)

	return m
}

// Sink publishes snapshots to <subject_prefix>.<device_id>.
type Sink struct {
	urls          []string
	subjectPrefix string
	maxReconnects int
	reconnectWait time.Duration
	deviceID      string
	logger        *slog.Logger

	// dial is swapped out by tests.
	dial func() (natsConn, error)
	conn natsConn

	running   atomic.Bool
	startTime time.Time
	published atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string
	lastSend  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Sink)(nil)

// Deps holds runtime dependencies for the NATS sink
type Deps struct {
	URLs            []string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	DeviceID        string
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a NATS sink component
func New(deps Deps) *Sink {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "nats")
	}

	s := &Sink{
		urls:          deps.URLs,
		subjectPrefix: deps.SubjectPrefix,
		maxReconnects: deps.MaxReconnects,
		reconnectWait: deps.ReconnectWait,
		deviceID:      deps.DeviceID,
		logger:        logger,
		startTime:     time.Now(),
		metrics:       newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.lastSend.Store(time.Time{})
	s.dial = s.dialNATS
	return s
}

func (s *Sink) dialNATS() (natsConn, error) {
	opts := []nats.Option{
		nats.Name("vehiclestream-" + s.deviceID),
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
			if s.metrics != nil {
				s.metrics.connected.Set(0)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			if s.metrics != nil {
				s.metrics.connected.Set(1)
			}
		}),
	}

	conn, err := nats.Connect(strings.Join(s.urls, ","), opts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "nats", "dialNATS", "connecting")
	}
	return conn, nil
}

func (s *Sink) subject() string {
	return s.subjectPrefix + "." + s.deviceID
}

// Name returns the sink name
func (s *Sink) Name() string { return "nats" }

// Meta returns the component metadata
func (s *Sink) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats",
		Type:        "sink",
		Description: fmt.Sprintf("local telemetry fan-out on %s", s.subject()),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Sink) Health() component.HealthStatus {
	lastErr, _ := s.lastErr.Load().(string)
	return component.HealthStatus{
		Healthy:    s.running.Load() && s.Connected(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errCount.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (s *Sink) DataFlow() component.FlowMetrics {
	lastSend, _ := s.lastSend.Load().(time.Time)

	published := s.published.Load()
	var perSecond, errRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(published) / uptime
	}
	if total := published + s.errCount.Load(); total > 0 {
		errRate = float64(s.errCount.Load()) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errRate,
		LastActivity:      lastSend,
	}
}

// Initialize validates the sink configuration
func (s *Sink) Initialize() error {
	if len(s.urls) == 0 {
		return errors.WrapInvalid(fmt.Errorf("no server urls"),
			"nats", "Initialize", "url validation")
	}
	if s.deviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty device id"),
			"nats", "Initialize", "device id validation")
	}
	if s.subjectPrefix == "" {
		s.subjectPrefix = "vehicle.telemetry"
	}
	if s.maxReconnects == 0 {
		s.maxReconnects = -1
	}
	if s.reconnectWait <= 0 {
		s.reconnectWait = 2 * time.Second
	}
	return nil
}

// Start connects to the NATS servers. A failed connect is not fatal: the
// sink stays disconnected and a supervisor restart can try again.
func (s *Sink) Start(_ context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.running.Store(true)
	s.startTime = time.Now()

	conn, err := s.dial()
	if err != nil {
		s.recordError(err)
		s.logger.Warn("nats connect failed", "urls", s.urls, "error", err)
		return nil
	}
	s.conn = conn

	if s.metrics != nil {
		s.metrics.connected.Set(1)
	}
	s.logger.Info("nats sink started", "subject", s.subject())
	return nil
}

// Stop drains and closes the connection
func (s *Sink) Stop(_ time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.logger.Warn("nats drain failed, closing hard", "error", err)
			s.conn.Close()
		}
		s.conn = nil
	}

	if s.metrics != nil {
		s.metrics.connected.Set(0)
	}
	s.logger.Info("nats sink stopped")
	return nil
}

// Connected reports whether the NATS connection is up
func (s *Sink) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Send publishes one snapshot to the telemetry subject
func (s *Sink) Send(_ context.Context, snap *telemetry.Snapshot) error {
	if !s.Connected() {
		return errors.WrapTransient(errors.ErrNoConnection, "nats", "Send", "publishing snapshot")
	}

	payload, err := snap.Marshal()
	if err != nil {
		s.recordError(err)
		return errors.WrapInvalid(err, "nats", "Send", "encoding snapshot")
	}

	if err := s.conn.Publish(s.subject(), payload); err != nil {
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.publishErrs.Inc()
		}
		return errors.WrapTransient(err, "nats", "Send", "publishing snapshot")
	}

	s.published.Add(1)
	s.lastSend.Store(time.Now())
	if s.metrics != nil {
		s.metrics.published.Inc()
	}
	return nil
}

func (s *Sink) recordError(err error) {
	s.errCount.Add(1)
	s.lastErr.Store(err.Error())
}
