// Package mqttpub publishes telemetry snapshots to an MQTT broker with a
// retained online/offline status topic backed by the broker's last will.
package mqttpub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vehiclestream/component"
	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/telemetry"
)

const (
	statusTopic    = "status"
	telemetryTopic = "telemetry"
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// broker is the slice of the paho client the sink needs, with token waits
// folded into plain error returns.
type broker interface {
	Connect(timeout time.Duration) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

type pahoBroker struct {
	client mqtt.Client
}

func (b *pahoBroker) Connect(timeout time.Duration) error {
	token := b.client.Connect()
	if !token.WaitTimeout(timeout) {
		return errors.ErrConnectionTimeout
	}
	return token.Error()
}

func (b *pahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (b *pahoBroker) IsConnected() bool { return b.client.IsConnected() }

func (b *pahoBroker) Disconnect(quiesce uint) { b.client.Disconnect(quiesce) }

// Metrics holds Prometheus metrics for the MQTT sink
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
			Subsystem: "mqtt",
			Name:      "published_total",
			Help:      "Snapshots published to the broker",
		}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vehiclestream",
			Subsystem: "mqtt",
			Name:      "publish_errors_total",
			Help:      "Publishes that failed",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vehiclestream",
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "Whether the broker connection is up (1) or not (0)",
		}),
	}

	_ = registry.RegisterCounter("mqtt", "published", m.published)
	_ = registry.RegisterCounter("mqtt", "publish_errors", m.publishErrs)
	_ = registry.RegisterGauge("mqtt", "connected", m.connected)

	return m
}

// Sink publishes snapshots to <topic_prefix>/<device_id>/telemetry. The
// status topic carries a retained online marker while connected and flips
// to offline through the last will when the connection drops uncleanly.
type Sink struct {
	brokerHost  string
	port        int
	username    string
	password    string
	useTLS      bool
	topicPrefix string
	qos         byte
	timeout     time.Duration
	deviceID    string
	logger      *slog.Logger

	// dial is swapped out by tests.
	dial func() broker
	conn broker

	running   atomic.Bool
	startTime time.Time
	published atomic.Int64
	errCount  atomic.Int64
	lastErr   atomic.Value // stores string
	lastSend  atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Sink)(nil)

// Deps holds runtime dependencies for the MQTT sink
type Deps struct {
	Broker          string
	Port            int
	Username        string
	Password        string
	TLS             bool
	TopicPrefix     string
	QoS             byte
	Timeout         time.Duration
	DeviceID        string
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates an MQTT sink component
func New(deps Deps) *Sink {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mqtt")
	}

	s := &Sink{
		brokerHost:  deps.Broker,
		port:        deps.Port,
		username:    deps.Username,
		password:    deps.Password,
		useTLS:      deps.TLS,
		topicPrefix: deps.TopicPrefix,
		qos:         deps.QoS,
		timeout:     deps.Timeout,
		deviceID:    deps.DeviceID,
		logger:      logger,
		startTime:   time.Now(),
		metrics:     newMetrics(deps.MetricsRegistry),
	}
	s.lastErr.Store("")
	s.lastSend.Store(time.Time{})
	s.dial = s.dialPaho
	return s
}

func (s *Sink) dialPaho() broker {
	scheme := "tcp"
	if s.useTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.brokerHost, s.port))
	opts.SetClientID(fmt.Sprintf("vehiclestream-%s-%d", s.deviceID, time.Now().Unix()))
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(s.topic(statusTopic), payloadOffline, s.qos, true)

	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}
	if s.useTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		s.logger.Info("mqtt broker connected", "broker", s.brokerHost)
		if s.metrics != nil {
			s.metrics.connected.Set(1)
		}
		// Announce presence on every (re)connect so the retained status
		// flips back from the will's offline marker.
		client.Publish(s.topic(statusTopic), s.qos, true, payloadOnline)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt broker connection lost", "error", err)
		if s.metrics != nil {
			s.metrics.connected.Set(0)
		}
	})

	return &pahoBroker{client: mqtt.NewClient(opts)}
}

func (s *Sink) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", s.topicPrefix, s.deviceID, suffix)
}

// Name returns the sink name
func (s *Sink) Name() string { return "mqtt" }

// Meta returns the component metadata
func (s *Sink) Meta() component.Metadata {
	return component.Metadata{
		Name:        "mqtt",
		Type:        "sink",
		Description: fmt.Sprintf("MQTT telemetry publisher for %s:%d", s.brokerHost, s.port),
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
	if s.brokerHost == "" {
		return errors.WrapInvalid(fmt.Errorf("empty broker host"),
			"mqtt", "Initialize", "broker validation")
	}
	if s.deviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty device id"),
			"mqtt", "Initialize", "device id validation")
	}
	if s.port <= 0 {
		s.port = 1883
		if s.useTLS {
			s.port = 8883
		}
	}
	if s.topicPrefix == "" {
		s.topicPrefix = "vehicle/telemetry"
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return nil
}

// Start connects to the broker. A failed first connect is not fatal: the
// paho client keeps reconnecting in the background and Send reports the
// sink as disconnected until it succeeds.
func (s *Sink) Start(_ context.Context) error {
	if s.running.Load() {
		return nil
	}
	s.running.Store(true)
	s.startTime = time.Now()

	s.conn = s.dial()
	if err := s.conn.Connect(s.timeout); err != nil {
		s.recordError(err)
		s.logger.Warn("mqtt initial connect failed, reconnecting in background",
			"broker", s.brokerHost, "error", err)
		return nil
	}

	s.logger.Info("mqtt sink started", "broker", s.brokerHost, "topic", s.topic(telemetryTopic))
	return nil
}

// Stop publishes the offline marker and disconnects
func (s *Sink) Stop(_ time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	if s.conn != nil {
		if s.conn.IsConnected() {
			// Graceful exit, the will does not fire.
			if err := s.conn.Publish(s.topic(statusTopic), s.qos, true, []byte(payloadOffline)); err != nil {
				s.logger.Warn("offline status publish failed", "error", err)
			}
		}
		s.conn.Disconnect(250)
		s.conn = nil
	}

	if s.metrics != nil {
		s.metrics.connected.Set(0)
	}
	s.logger.Info("mqtt sink stopped")
	return nil
}

// Connected reports whether the broker session is up
func (s *Sink) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Send publishes one snapshot to the telemetry topic
func (s *Sink) Send(_ context.Context, snap *telemetry.Snapshot) error {
	if !s.Connected() {
		return errors.WrapTransient(errors.ErrNoConnection, "mqtt", "Send", "publishing snapshot")
	}

	payload, err := snap.Marshal()
	if err != nil {
		s.recordError(err)
		return errors.WrapInvalid(err, "mqtt", "Send", "encoding snapshot")
	}

	if err := s.conn.Publish(s.topic(telemetryTopic), s.qos, false, payload); err != nil {
		s.recordError(err)
		if s.metrics != nil {
			s.metrics.publishErrs.Inc()
		}
		return errors.WrapTransient(err, "mqtt", "Send", "publishing snapshot")
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
