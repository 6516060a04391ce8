// Package gps reads NMEA sentences from a serial GNSS receiver and
// maintains the most recent position fix for pull-based consumers.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/prometheus/client_golang/prometheus"
	"go.bug.st/serial"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/telemetry"
)

// knotsToMetersPerSecond converts NMEA ground speed to SI units.
const knotsToMetersPerSecond = 0.514444

// reopenDelay is the wait before retrying a failed serial open.
const reopenDelay = 5 * time.Second

// Metrics holds Prometheus metrics for the GPS reader
type Metrics struct {
	sentences   prometheus.Counter
	parseErrors prometheus.Counter
	fixes       prometheus.Counter
	hasFix      prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		sentences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "gps",
			Name:      "sentences_total",
			Help:      "NMEA sentences read from the receiver",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "gps",
			Name:      "parse_errors_total",
			Help:      "NMEA sentences that failed to parse",
		}),
		fixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "gps",
			Name:      "fixes_total",
			Help:      "Valid position fixes received",
		}),
		hasFix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vehiclestream",
			Subsystem: "gps",
			Name:      "has_fix",
			Help:      "Whether a usable fix is currently held (1) or not (0)",
		}),
	}

	_ = registry.RegisterCounter("gps", "sentences", m.sentences)
	_ = registry.RegisterCounter("gps", "parse_errors", m.parseErrors)
	_ = registry.RegisterCounter("gps", "fixes", m.fixes)
	_ = registry.RegisterGauge("gps", "has_fix", m.hasFix)

	return m
}

// Source reads a serial NMEA stream in the background. Position returns the
// latest fix, or nil when no fix has been seen or the last one has gone
// stale.
type Source struct {
	portName   string
	baud       int
	staleAfter time.Duration
	logger     *slog.Logger

	// open is swapped out by tests to feed a canned stream.
	open func() (io.ReadWriteCloser, error)
	now  func() time.Time

	mu      sync.RWMutex
	port    io.ReadWriteCloser
	fix     *telemetry.Position
	fixTime time.Time

	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time

	sentences atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Source)(nil)

// Deps holds runtime dependencies for the GPS source
type Deps struct {
	Port            string
	Baud            int
	StaleAfter      time.Duration
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a GPS source component
func New(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "gps")
	}

	s := &Source{
		portName:   deps.Port,
		baud:       deps.Baud,
		staleAfter: deps.StaleAfter,
		logger:     logger,
		now:        time.Now,
		startTime:  time.Now(),
		metrics:    newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.open = s.openSerial
	return s
}

func (s *Source) openSerial() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{BaudRate: s.baud}
	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return nil, errors.WrapTransient(err, "gps", "openSerial", "opening "+s.portName)
	}
	return port, nil
}

// Name returns the source name
func (s *Source) Name() string { return "gps" }

// Meta returns the component metadata
func (s *Source) Meta() component.Metadata {
	return component.Metadata{
		Name:        "gps",
		Type:        "source",
		Description: fmt.Sprintf("NMEA position source on %s at %d baud", s.portName, s.baud),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Source) Health() component.HealthStatus {
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
func (s *Source) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	lastActivity := s.fixTime
	s.mu.RUnlock()

	var perSecond float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(s.sentences.Load()) / uptime
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the source configuration
func (s *Source) Initialize() error {
	if s.portName == "" {
		return errors.WrapInvalid(fmt.Errorf("empty serial port"),
			"gps", "Initialize", "port validation")
	}
	if s.baud <= 0 {
		s.baud = 9600
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 10 * time.Second
	}
	return nil
}

// Start opens the serial port and launches the reader goroutine. A failed
// open is not fatal: the reader keeps retrying so a receiver plugged in
// later is picked up.
func (s *Source) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.startTime = time.Now()

	go func() {
		defer close(s.done)
		s.readLoop(ctx)
	}()

	s.logger.Info("gps source started", "port", s.portName, "baud", s.baud)
	return nil
}

// Stop closes the port and joins the reader
func (s *Source) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	s.mu.Lock()
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("gps reader did not stop in time", "timeout", timeout)
	}
	return nil
}

// Connected reports whether the serial port is currently open
func (s *Source) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port != nil
}

// Position returns the latest fix, or nil when none is held or the last
// fix is older than the staleness window.
func (s *Source) Position() *telemetry.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fix == nil {
		return nil
	}
	if s.now().Sub(s.fixTime) > s.staleAfter {
		return nil
	}

	copied := *s.fix
	return &copied
}

// readLoop opens the port and consumes sentences until shutdown, reopening
// after read failures.
func (s *Source) readLoop(ctx context.Context) {
	for s.running.Load() {
		port, err := s.open()
		if err != nil {
			s.recordError(err)
			s.logger.Warn("gps port open failed, will retry",
				"port", s.portName, "delay", reopenDelay, "error", err)
			if !s.sleep(ctx, reopenDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.port = port
		s.mu.Unlock()
		s.logger.Info("gps port open", "port", s.portName)

		s.consume(port)

		s.mu.Lock()
		if s.port != nil {
			_ = s.port.Close()
			s.port = nil
		}
		s.mu.Unlock()

		if !s.running.Load() {
			return
		}
		if !s.sleep(ctx, reopenDelay) {
			return
		}
	}
}

// consume reads lines until the port errors or closes.
func (s *Source) consume(port io.ReadWriteCloser) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		if !s.running.Load() {
			return
		}
		s.handleSentence(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil && s.running.Load() {
		s.recordError(err)
		s.logger.Warn("gps read failed", "error", err)
	}
}

// handleSentence parses one NMEA line and folds it into the held fix.
// RMC carries validity, coordinates, speed and course; GGA adds altitude,
// satellite count and HDOP. Unknown sentence types are ignored.
func (s *Source) handleSentence(line string) {
	if line == "" {
		return
	}
	s.sentences.Add(1)
	if s.metrics != nil {
		s.metrics.sentences.Inc()
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		if s.metrics != nil {
			s.metrics.parseErrors.Inc()
		}
		s.logger.Debug("unparseable nmea sentence", "error", err)
		return
	}

	switch msg := sentence.(type) {
	case nmea.RMC:
		if msg.Validity != nmea.ValidRMC {
			s.invalidate()
			return
		}
		s.updateFix(func(fix *telemetry.Position) {
			fix.Latitude = msg.Latitude
			fix.Longitude = msg.Longitude
			fix.Speed = round2(msg.Speed * knotsToMetersPerSecond)
			fix.Course = msg.Course
		})
	case nmea.GGA:
		if msg.FixQuality == nmea.Invalid {
			return
		}
		s.updateFix(func(fix *telemetry.Position) {
			fix.Latitude = msg.Latitude
			fix.Longitude = msg.Longitude
			fix.Altitude = msg.Altitude
			fix.Satellites = int(msg.NumSatellites)
			fix.HDOP = msg.HDOP
		})
	}
}

// updateFix applies a mutation to the held fix, creating it on first use,
// and refreshes the staleness clock.
func (s *Source) updateFix(apply func(*telemetry.Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fix == nil {
		s.fix = &telemetry.Position{}
	}
	apply(s.fix)
	s.fixTime = s.now()
	s.fix.FixTime = float64(s.fixTime.UnixNano()) / 1e9

	if s.metrics != nil {
		s.metrics.fixes.Inc()
		s.metrics.hasFix.Set(1)
	}
}

// invalidate drops the held fix after the receiver reports loss of fix.
func (s *Source) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fix == nil {
		return
	}
	s.fix = nil
	if s.metrics != nil {
		s.metrics.hasFix.Set(0)
	}
	s.logger.Debug("gps fix lost")
}

func (s *Source) recordError(err error) {
	s.errCount.Add(1)
	s.lastErr.Store(err.Error())
}

func (s *Source) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
