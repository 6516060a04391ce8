// Package obd queries an ELM327-compatible adapter over a serial port for
// OBD-II sensor readings and stored diagnostic trouble codes.
package obd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.bug.st/serial"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/pkg/retry"
)

// pidSpec describes one mode-01 parameter: its PID, how many data bytes the
// reply carries and how to turn those bytes into a value.
type pidSpec struct {
	pid    byte
	bytes  int
	decode func(data []byte) float64
}

// pidTable maps the supported command names to their request and decoding.
// Formulas follow SAE J1979.
var pidTable = map[string]pidSpec{
	"RPM": {pid: 0x0C, bytes: 2, decode: func(d []byte) float64 {
		return float64(int(d[0])<<8|int(d[1])) / 4.0
	}},
	"SPEED": {pid: 0x0D, bytes: 1, decode: func(d []byte) float64 {
		return float64(d[0])
	}},
	"COOLANT_TEMP": {pid: 0x05, bytes: 1, decode: func(d []byte) float64 {
		return float64(d[0]) - 40
	}},
	"ENGINE_LOAD": {pid: 0x04, bytes: 1, decode: func(d []byte) float64 {
		return round2(float64(d[0]) * 100.0 / 255.0)
	}},
	"THROTTLE_POS": {pid: 0x11, bytes: 1, decode: func(d []byte) float64 {
		return round2(float64(d[0]) * 100.0 / 255.0)
	}},
	"INTAKE_TEMP": {pid: 0x0F, bytes: 1, decode: func(d []byte) float64 {
		return float64(d[0]) - 40
	}},
	"FUEL_LEVEL": {pid: 0x2F, bytes: 1, decode: func(d []byte) float64 {
		return round2(float64(d[0]) * 100.0 / 255.0)
	}},
	"CONTROL_MODULE_VOLTAGE": {pid: 0x42, bytes: 2, decode: func(d []byte) float64 {
		return round2(float64(int(d[0])<<8|int(d[1])) / 1000.0)
	}},
}

// dtcPrefixes maps the top two bits of a trouble code to its system letter.
var dtcPrefixes = [4]byte{'P', 'C', 'B', 'U'}

// initCommands is the ELM327 setup sequence: reset, echo off, linefeeds
// off, spaces off, protocol auto.
var initCommands = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATSP0"}

// Metrics holds Prometheus metrics for the OBD source
type Metrics struct {
	queries     prometheus.Counter
	queryErrors prometheus.Counter
	dtcsSeen    prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "obd",
			Name:      "queries_total",
			Help:      "PID queries sent to the adapter",
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "obd",
			Name:      "query_errors_total",
			Help:      "PID queries that failed or returned no data",
		}),
		dtcsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vehiclestream",
			Subsystem: "obd",
			Name:      "trouble_codes",
			Help:      "Stored diagnostic trouble codes reported on the last poll",
		}),
	}

	_ = registry.RegisterCounter("obd", "queries", m.queries)
	_ = registry.RegisterCounter("obd", "query_errors", m.queryErrors)
	_ = registry.RegisterGauge("obd", "trouble_codes", m.dtcsSeen)

	return m
}

// Source holds an ELM327 session. Read pulls the configured PIDs each
// cycle; a command that fails is skipped for that cycle without failing
// the others.
type Source struct {
	portName     string
	baud         int
	commands     []string
	queryTimeout time.Duration
	queryDTCs    bool
	logger       *slog.Logger

	// open is swapped out by tests to talk to a scripted adapter.
	open      func() (io.ReadWriteCloser, error)
	openRetry retry.Config

	mu   sync.Mutex
	port io.ReadWriteCloser

	running   atomic.Bool
	startTime time.Time
	queries   atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string
	lastRead  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Source)(nil)

// Deps holds runtime dependencies for the OBD source
type Deps struct {
	Port            string
	Baud            int
	Commands        []string
	QueryTimeout    time.Duration
	QueryDTCs       bool
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates an OBD source component
func New(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "obd")
	}

	s := &Source{
		portName:     deps.Port,
		baud:         deps.Baud,
		commands:     deps.Commands,
		queryTimeout: deps.QueryTimeout,
		queryDTCs:    deps.QueryDTCs,
		logger:       logger,
		startTime:    time.Now(),
		metrics:      newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.lastRead.Store(time.Time{})
	s.open = s.openSerial
	// USB adapters can take a moment to enumerate after boot.
	s.openRetry = retry.Fixed(3, 500*time.Millisecond)
	return s
}

func (s *Source) openSerial() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{BaudRate: s.baud}
	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return nil, errors.WrapTransient(err, "obd", "openSerial", "opening "+s.portName)
	}
	// Bounded reads so a silent adapter cannot hang a cycle.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, errors.WrapTransient(err, "obd", "openSerial", "setting read timeout")
	}
	return port, nil
}

// Name returns the source name
func (s *Source) Name() string { return "obd" }

// Meta returns the component metadata
func (s *Source) Meta() component.Metadata {
	return component.Metadata{
		Name:        "obd",
		Type:        "source",
		Description: fmt.Sprintf("ELM327 diagnostic source on %s, %d commands", s.portName, len(s.commands)),
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
	lastRead, _ := s.lastRead.Load().(time.Time)

	queries := s.queries.Load()
	var perSecond, errRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(queries) / uptime
	}
	if queries > 0 {
		errRate = float64(s.errCount.Load()) / float64(queries)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errRate,
		LastActivity:      lastRead,
	}
}

// Initialize validates the source configuration
func (s *Source) Initialize() error {
	if s.portName == "" {
		return errors.WrapInvalid(fmt.Errorf("empty serial port"),
			"obd", "Initialize", "port validation")
	}
	for _, cmd := range s.commands {
		if _, ok := pidTable[strings.ToUpper(cmd)]; !ok {
			return errors.WrapInvalid(fmt.Errorf("unsupported command %q", cmd),
				"obd", "Initialize", "command validation")
		}
	}
	if s.baud <= 0 {
		s.baud = 38400
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = 2 * time.Second
	}
	return nil
}

// Start opens the adapter and runs the ELM327 init sequence. A failed open
// leaves the source disconnected; Read then returns nothing and the next
// Start attempt from a supervisor restart can try again.
func (s *Source) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.running.Store(true)
	s.startTime = time.Now()

	if err := s.connect(ctx); err != nil {
		s.recordError(err)
		s.logger.Warn("obd adapter unavailable", "port", s.portName, "error", err)
		return nil
	}

	s.logger.Info("obd source started", "port", s.portName, "commands", s.commands)
	return nil
}

// connect opens the port, retrying the open, and initializes the adapter.
func (s *Source) connect(ctx context.Context) error {
	port, err := retry.DoWithResult(ctx, s.openRetry, s.open)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	for _, cmd := range initCommands {
		if _, err := s.transact(cmd); err != nil {
			s.closePort()
			return errors.WrapTransient(err, "obd", "connect", "init command "+cmd)
		}
		// The reset command needs settle time before the next write.
		if cmd == "ATZ" {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return nil
}

// Stop closes the adapter session
func (s *Source) Stop(_ time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.closePort()
	s.logger.Info("obd source stopped")
	return nil
}

func (s *Source) closePort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
}

// Connected reports whether the adapter session is open
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Read polls every configured PID and, when enabled, the stored trouble
// codes. Each command is independent: one failure is logged and skipped.
// Keys in the returned map are lowercased command names.
func (s *Source) Read(ctx context.Context) (map[string]float64, []string) {
	sensors := make(map[string]float64, len(s.commands))

	for _, cmd := range s.commands {
		if ctx.Err() != nil {
			break
		}

		value, err := s.queryPID(strings.ToUpper(cmd))
		if err != nil {
			s.recordError(err)
			if s.metrics != nil {
				s.metrics.queryErrors.Inc()
			}
			s.logger.Debug("obd query failed", "command", cmd, "error", err)
			continue
		}
		sensors[strings.ToLower(cmd)] = value
	}

	var dtcs []string
	if s.queryDTCs && ctx.Err() == nil {
		codes, err := s.queryTroubleCodes()
		if err != nil {
			s.recordError(err)
			s.logger.Debug("obd dtc query failed", "error", err)
		} else {
			dtcs = codes
			if s.metrics != nil {
				s.metrics.dtcsSeen.Set(float64(len(codes)))
			}
		}
	}

	if len(sensors) > 0 || len(dtcs) > 0 {
		s.lastRead.Store(time.Now())
	}
	return sensors, dtcs
}

// queryPID sends one mode-01 request and decodes the reply.
func (s *Source) queryPID(cmd string) (float64, error) {
	spec, ok := pidTable[cmd]
	if !ok {
		return 0, errors.WrapInvalid(fmt.Errorf("unsupported command %q", cmd),
			"obd", "queryPID", "command lookup")
	}

	s.queries.Add(1)
	if s.metrics != nil {
		s.metrics.queries.Inc()
	}

	reply, err := s.transact(fmt.Sprintf("01%02X", spec.pid))
	if err != nil {
		return 0, err
	}

	data, err := parseMode01(reply, spec.pid, spec.bytes)
	if err != nil {
		return 0, err
	}
	return spec.decode(data), nil
}

// queryTroubleCodes sends a mode-03 request and decodes the stored codes.
func (s *Source) queryTroubleCodes() ([]string, error) {
	s.queries.Add(1)
	if s.metrics != nil {
		s.metrics.queries.Inc()
	}

	reply, err := s.transact("03")
	if err != nil {
		return nil, err
	}
	return parseDTCs(reply)
}

// transact writes one command and reads the adapter's reply up to the '>'
// prompt, bounded by the query timeout.
func (s *Source) transact(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return "", errors.ErrNoConnection
	}

	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return "", errors.WrapTransient(err, "obd", "transact", "writing "+cmd)
	}

	deadline := time.Now().Add(s.queryTimeout)
	var reply strings.Builder
	chunk := make([]byte, 64)

	for {
		n, err := s.port.Read(chunk)
		if n > 0 {
			reply.Write(chunk[:n])
			if strings.Contains(reply.String(), ">") {
				return strings.TrimSuffix(strings.TrimSpace(reply.String()), ">"), nil
			}
		}
		if err != nil {
			return "", errors.WrapTransient(err, "obd", "transact", "reading reply")
		}
		if time.Now().After(deadline) {
			return "", errors.WrapTransient(errors.ErrConnectionTimeout,
				"obd", "transact", "waiting for prompt after "+cmd)
		}
	}
}

// parseMode01 extracts the data bytes from a mode-01 reply. With spaces and
// linefeeds suppressed a reply to 010C looks like "410C1AF8", possibly
// preceded by protocol-search chatter.
func parseMode01(reply string, pid byte, count int) ([]byte, error) {
	cleaned := cleanReply(reply)
	if strings.Contains(cleaned, "NODATA") || strings.Contains(cleaned, "UNABLETOCONNECT") {
		return nil, errors.ErrInvalidData
	}

	marker := fmt.Sprintf("41%02X", pid)
	idx := strings.LastIndex(cleaned, marker)
	if idx < 0 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed,
			"obd", "parseMode01", "reply "+reply)
	}

	hexData := cleaned[idx+len(marker):]
	if len(hexData) < count*2 {
		return nil, errors.WrapInvalid(errors.ErrFrameTooShort,
			"obd", "parseMode01", "reply "+reply)
	}

	data := make([]byte, count)
	for i := 0; i < count; i++ {
		b, err := strconv.ParseUint(hexData[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, errors.WrapInvalid(err, "obd", "parseMode01", "reply "+reply)
		}
		data[i] = byte(b)
	}
	return data, nil
}

// parseDTCs decodes a mode-03 reply into trouble code strings such as
// "P0301". Codes come in two-byte pairs; an all-zero pair is padding.
func parseDTCs(reply string) ([]string, error) {
	cleaned := cleanReply(reply)
	if strings.Contains(cleaned, "NODATA") {
		return nil, nil
	}

	idx := strings.LastIndex(cleaned, "43")
	if idx < 0 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed,
			"obd", "parseDTCs", "reply "+reply)
	}

	hexData := cleaned[idx+2:]
	// Some ECUs prefix the reply with a code count byte; when the payload
	// length is odd in pairs, drop that leading byte.
	if len(hexData)%4 == 2 {
		hexData = hexData[2:]
	}

	var codes []string
	for i := 0; i+4 <= len(hexData); i += 4 {
		first, err := strconv.ParseUint(hexData[i:i+2], 16, 8)
		if err != nil {
			break
		}
		second, err := strconv.ParseUint(hexData[i+2:i+4], 16, 8)
		if err != nil {
			break
		}
		if first == 0 && second == 0 {
			continue
		}
		code := fmt.Sprintf("%c%d%X%02X",
			dtcPrefixes[first>>6],
			(first>>4)&0x03,
			first&0x0F,
			second)
		codes = append(codes, code)
	}
	return codes, nil
}

// cleanReply strips whitespace and adapter chatter from a raw reply.
func cleanReply(reply string) string {
	cleaned := strings.ToUpper(reply)
	for _, junk := range []string{" ", "\r", "\n", "\t", "SEARCHING..."} {
		cleaned = strings.ReplaceAll(cleaned, junk, "")
	}
	return cleaned
}

func (s *Source) recordError(err error) {
	s.errCount.Add(1)
	s.lastErr.Store(err.Error())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
