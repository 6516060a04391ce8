// Package mesh forwards compact telemetry over a Meshtastic mesh via the
// gateway's JSON MQTT downlink. Radio airtime is scarce, so snapshots are
// reduced to a short-key form and oversized payloads fail cleanly instead
// of being truncated on air.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/telemetry"
)

const connectTimeout = 10 * time.Second

// downlink is the slice of the paho client the sink needs.
type downlink interface {
	Connect(timeout time.Duration) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

type pahoDownlink struct {
	client mqtt.Client
}

func (d *pahoDownlink) Connect(timeout time.Duration) error {
	token := d.client.Connect()
	if !token.WaitTimeout(timeout) {
		return errors.ErrConnectionTimeout
	}
	return token.Error()
}

func (d *pahoDownlink) Publish(topic string, payload []byte) error {
	token := d.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (d *pahoDownlink) IsConnected() bool { return d.client.IsConnected() }

func (d *pahoDownlink) Disconnect(quiesce uint) { d.client.Disconnect(quiesce) }

// envelope is the gateway's JSON downlink frame. The payload travels as a
// text message on the named channel.
type envelope struct {
	From    uint32 `json:"from"`
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Payload string `json:"payload"`
}

// compact is the reduced snapshot shape sent over the radio.
type compact struct {
	Timestamp float64            `json:"t"`
	DeviceID  string             `json:"id"`
	GPS       []float64          `json:"gps,omitempty"`
	Sensors   map[string]float64 `json:"sens,omitempty"`
	DTCs      []string           `json:"dtc,omitempty"`
	CANData   map[string]float64 `json:"can,omitempty"`
}

// Metrics holds Prometheus metrics for the mesh sink
type Metrics struct {
	sent      prometheus.Counter
	sendErrs  prometheus.Counter
	oversized prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "mesh",
			Name:      "sent_total",
			Help:      "Snapshots forwarded to the mesh gateway",
		}),
		sendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "mesh",
			Name:      "send_errors_total",
			Help:      "Downlink publishes that failed",
		}),
		oversized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "mesh",
			Name:      "oversized_total",
			Help:      "Snapshots rejected for exceeding the radio payload limit",
		}),
	}

	_ = registry.RegisterCounter("mesh", "sent", m.sent)
	_ = registry.RegisterCounter("mesh", "send_errors", m.sendErrs)
	_ = registry.RegisterCounter("mesh", "oversized", m.oversized)

	return m
}

// Sink publishes compact snapshots to the Meshtastic JSON downlink topic.
type Sink struct {
	brokerHost string
	port       int
	username   string
	password   string
	topicRoot  string
	channel    string
	maxPayload int
	deviceID   string
	nodeNum    uint32
	logger     *slog.Logger

	// dial is swapped out by tests.
	dial func() downlink
	conn downlink

	running   atomic.Bool
	startTime time.Time
	sent      atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string
	lastSend  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Sink)(nil)

// Deps holds runtime dependencies for the mesh sink
type Deps struct {
	Broker          string
	Port            int
	Username        string
	Password        string
	TopicRoot       string
	Channel         string
	MaxPayload      int
	DeviceID        string
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates a mesh sink component
func New(deps Deps) *Sink {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mesh")
	}

	s := &Sink{
		brokerHost: deps.Broker,
		port:       deps.Port,
		username:   deps.Username,
		password:   deps.Password,
		topicRoot:  deps.TopicRoot,
		channel:    deps.Channel,
		maxPayload: deps.MaxPayload,
		deviceID:   deps.DeviceID,
		nodeNum:    nodeNumFor(deps.DeviceID),
		logger:     logger,
		startTime:  time.Now(),
		metrics:    newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.lastSend.Store(time.Time{})
	s.dial = s.dialPaho
	return s
}

// nodeNumFor derives a stable pseudo node number from the device id so the
// gateway can attribute downlink traffic.
func nodeNumFor(deviceID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return h.Sum32()
}

func (s *Sink) dialPaho() downlink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.brokerHost, s.port))
	opts.SetClientID(fmt.Sprintf("vehiclestream-mesh-%s", s.deviceID))
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}
	return &pahoDownlink{client: mqtt.NewClient(opts)}
}

func (s *Sink) downlinkTopic() string {
	return strings.TrimSuffix(s.topicRoot, "/") + "/"
}

// Name returns the sink name
func (s *Sink) Name() string { return "mesh" }

// Meta returns the component metadata
func (s *Sink) Meta() component.Metadata {
	return component.Metadata{
		Name:        "mesh",
		Type:        "sink",
		Description: fmt.Sprintf("Meshtastic downlink via %s:%d on channel %s", s.brokerHost, s.port, s.channel),
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

	sent := s.sent.Load()
	var perSecond, errRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(sent) / uptime
	}
	if total := sent + s.errCount.Load(); total > 0 {
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
	if s.brokerHost == "" {
		return errors.WrapInvalid(fmt.Errorf("empty gateway broker"),
			"mesh", "Initialize", "broker validation")
	}
	if s.deviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty device id"),
			"mesh", "Initialize", "device id validation")
	}
	if s.port <= 0 {
		s.port = 1883
	}
	if s.topicRoot == "" {
		s.topicRoot = "msh/US/2/json/mqtt"
	}
	if s.maxPayload <= 0 {
		s.maxPayload = 230
	}
	return nil
}

// Start connects to the gateway broker
func (s *Sink) Start(_ context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.running.Store(true)
	s.startTime = time.Now()

	s.conn = s.dial()
	if err := s.conn.Connect(connectTimeout); err != nil {
		s.recordError(err)
		s.logger.Warn("mesh gateway connect failed, reconnecting in background",
			"broker", s.brokerHost, "error", err)
		return nil
	}

	s.logger.Info("mesh sink started", "broker", s.brokerHost, "topic", s.downlinkTopic())
	return nil
}

// Stop disconnects from the gateway broker
func (s *Sink) Stop(_ time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	if s.conn != nil {
		s.conn.Disconnect(250)
		s.conn = nil
	}
	s.logger.Info("mesh sink stopped")
	return nil
}

// Connected reports whether the gateway session is up
func (s *Sink) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Send reduces the snapshot and forwards it to the downlink topic. A
// snapshot whose compact form still exceeds the radio limit is rejected
// whole; nothing is truncated.
func (s *Sink) Send(_ context.Context, snap *telemetry.Snapshot) error {
	if !s.Connected() {
		return errors.WrapTransient(errors.ErrNoConnection, "mesh", "Send", "forwarding snapshot")
	}

	payload, err := json.Marshal(reduce(snap))
	if err != nil {
		s.recordError(err)
		return errors.WrapInvalid(err, "mesh", "Send", "encoding snapshot")
	}

	if len(payload) > s.maxPayload {
		s.recordError(errors.ErrPayloadTooLarge)
		if s.metrics != nil {
			s.metrics.oversized.Inc()
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes, limit %d", errors.ErrPayloadTooLarge, len(payload), s.maxPayload),
			"mesh", "Send", "checking payload size")
	}

	frame, err := json.Marshal(envelope{
		From:    s.nodeNum,
		Type:    "sendtext",
		Channel: s.channel,
		Payload: string(payload),
	})
	if err != nil {
		s.recordError(err)
		return errors.WrapInvalid(err, "mesh", "Send", "encoding downlink frame")
	}

	if err := s.conn.Publish(s.downlinkTopic(), frame); err != nil {
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.sendErrs.Inc()
		}
		return errors.WrapTransient(err, "mesh", "Send", "publishing downlink frame")
	}

	s.sent.Add(1)
	s.lastSend.Store(time.Now())
	if s.metrics != nil {
		s.metrics.sent.Inc()
	}
	return nil
}

// reduce builds the short-key radio form of a snapshot. Coordinates are
// truncated to five decimals, roughly a meter, to save airtime.
func reduce(snap *telemetry.Snapshot) compact {
	c := compact{
		Timestamp: math.Round(snap.TimestampUTC),
		DeviceID:  snap.DeviceID,
		Sensors:   snap.Sensors,
		DTCs:      snap.DTCs,
		CANData:   snap.CANData,
	}
	if snap.HasFix() {
		c.GPS = []float64{
			round5(snap.GPS.Latitude),
			round5(snap.GPS.Longitude),
			math.Round(snap.GPS.Speed*10) / 10,
		}
	}
	return c
}

func round5(v float64) float64 {
	return math.Round(v*100000) / 100000
}

func (s *Sink) recordError(err error) {
	s.errCount.Add(1)
	s.lastErr.Store(err.Error())
}
