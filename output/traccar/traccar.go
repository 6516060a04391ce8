// Package traccar reports positions to a Traccar server over the OsmAnd
// protocol: a flat set of query parameters carrying the fix plus arbitrary
// key-value attributes.
package traccar

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/telemetry"
)

// metersPerSecondToKnots converts SI speed to the knots OsmAnd expects.
const metersPerSecondToKnots = 1.94384

// Metrics holds Prometheus metrics for the Traccar sink
type Metrics struct {
	reports    prometheus.Counter
	reportErrs prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "traccar",
			Name:      "reports_total",
			Help:      "Position reports accepted by the server",
		}),
		reportErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "traccar",
			Name:      "report_errors_total",
			Help:      "Position reports that failed",
		}),
	}

	_ = registry.RegisterCounter("traccar", "reports", m.reports)
	_ = registry.RegisterCounter("traccar", "report_errors", m.reportErrs)

	return m
}

// Sink reports snapshots with a position fix to a Traccar server. Sensor
// readings ride along as custom attributes; bus signals are prefixed with
// "can_" to keep the namespaces apart.
type Sink struct {
	serverURL string
	deviceID  string
	timeout   time.Duration
	logger    *slog.Logger

	client *resty.Client

	running   atomic.Bool
	startTime time.Time
	reports   atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string
	lastSend  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Sink)(nil)

// Deps holds runtime dependencies for the Traccar sink
type Deps struct {
	ServerURL       string
	DeviceID        string
	Timeout         time.Duration
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a Traccar sink component
func New(deps Deps) *Sink {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "traccar")
	}

	s := &Sink{
		serverURL: deps.ServerURL,
		deviceID:  deps.DeviceID,
		timeout:   deps.Timeout,
		logger:    logger,
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.lastSend.Store(time.Time{})
	return s
}

// Name returns the sink name
func (s *Sink) Name() string { return "traccar" }

// Meta returns the component metadata
func (s *Sink) Meta() component.Metadata {
	return component.Metadata{
		Name:        "traccar",
		Type:        "sink",
		Description: fmt.Sprintf("Traccar OsmAnd position reporter for %s", s.serverURL),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Sink) Health() component.HealthStatus {
	lastErr, _ := s.lastErr.Load().(string)
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errCount.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (s *Sink) DataFlow() component.FlowMetrics {
	lastSend, _ := s.lastSend.Load().(time.Time)

	reports := s.reports.Load()
	var perSecond, errRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(reports) / uptime
	}
	if total := reports + s.errCount.Load(); total > 0 {
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
	if s.serverURL == "" {
		return errors.WrapInvalid(fmt.Errorf("empty server url"),
			"traccar", "Initialize", "url validation")
	}
	if s.deviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty device id"),
			"traccar", "Initialize", "device id validation")
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return nil
}

// Start builds the HTTP client. The server is stateless, there is no
// session to establish.
func (s *Sink) Start(_ context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.running.Store(true)
	s.startTime = time.Now()

	s.client = resty.New().
		SetTimeout(s.timeout).
		SetRetryCount(0)

	s.logger.Info("traccar sink started", "server", s.serverURL)
	return nil
}

// Stop releases the HTTP client
func (s *Sink) Stop(_ time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.client = nil
	s.logger.Info("traccar sink stopped")
	return nil
}

// Connected reports readiness. HTTP is connectionless, so a started sink
// is always eligible for dispatch.
func (s *Sink) Connected() bool {
	return s.running.Load()
}

// Send reports one snapshot. Snapshots without a fix are rejected: the
// OsmAnd protocol has no meaningful representation for them.
func (s *Sink) Send(ctx context.Context, snap *telemetry.Snapshot) error {
	if !s.running.Load() || s.client == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "traccar", "Send", "reporting position")
	}
	if !snap.HasFix() {
		return errors.WrapInvalid(errors.ErrNoFix, "traccar", "Send", "reporting position")
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(buildParams(s.deviceID, snap)).
		Post(s.serverURL)
	if err != nil {
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.reportErrs.Inc()
		}
		return errors.WrapTransient(err, "traccar", "Send", "posting to "+s.serverURL)
	}
	if resp.IsError() {
		err := fmt.Errorf("server returned %s", resp.Status())
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.reportErrs.Inc()
		}
		return errors.WrapTransient(err, "traccar", "Send", "posting to "+s.serverURL)
	}

	s.reports.Add(1)
	s.lastSend.Store(time.Now())
	if s.metrics != nil {
		s.metrics.reports.Inc()
	}
	s.logger.Debug("position reported", "lat", snap.GPS.Latitude, "lon", snap.GPS.Longitude)
	return nil
}

// buildParams flattens a snapshot into OsmAnd query parameters.
func buildParams(deviceID string, snap *telemetry.Snapshot) map[string]string {
	params := map[string]string{
		"id":        deviceID,
		"timestamp": strconv.FormatInt(int64(snap.TimestampUTC), 10),
		"lat":       formatFloat(snap.GPS.Latitude),
		"lon":       formatFloat(snap.GPS.Longitude),
	}

	if snap.GPS.Altitude != 0 {
		params["altitude"] = formatFloat(snap.GPS.Altitude)
	}
	if snap.GPS.Speed != 0 {
		params["speed"] = formatFloat(math.Round(snap.GPS.Speed*metersPerSecondToKnots*100) / 100)
	}
	if snap.GPS.Course != 0 {
		params["bearing"] = formatFloat(snap.GPS.Course)
	}
	if snap.GPS.HDOP != 0 {
		params["hdop"] = formatFloat(snap.GPS.HDOP)
	}

	for name, value := range snap.Sensors {
		params[telemetry.CleanName(name)] = formatFloat(value)
	}
	for name, value := range snap.CANData {
		params["can_"+telemetry.CleanName(name)] = formatFloat(value)
	}

	if len(snap.DTCs) > 0 {
		params["dtcs"] = strings.Join(snap.DTCs, ",")
	}

	return params
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Sink) recordError(err error) {
	s.errCount.Add(1)
	s.lastErr.Store(err.Error())
}
