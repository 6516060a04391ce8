// Package config loads and validates the vehiclestream configuration.
//
// Configuration is a single JSON file deep-merged over built-in defaults, so
// a user file only needs the fields it changes. Validation follows a
// warn-and-fix policy: recoverable problems are corrected to safe defaults
// and logged, only structurally broken input returns an error.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	General GeneralConfig `json:"general"`
	CAN     CANConfig     `json:"can"`
	GPS     GPSConfig     `json:"gps"`
	OBD     OBDConfig     `json:"obd"`
	Mesh    MeshConfig    `json:"mesh"`
	MQTT    MQTTConfig    `json:"mqtt"`
	NATS    NATSConfig    `json:"nats"`
	Traccar TraccarConfig `json:"traccar"`
	Metrics MetricsConfig `json:"metrics"`
}

// GeneralConfig defines service-wide settings
type GeneralConfig struct {
	DeviceID       string   `json:"device_id"`
	ReportInterval Duration `json:"report_interval"`
	QueueSize      int      `json:"queue_size"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"` // "json" or "text"
}

// CANConfig defines CAN bus settings and the signal catalog source.
// Signal definitions stay untyped here so a malformed record cannot
// abort the config load; validation happens per record during catalog
// construction. Each record looks like:
//
//	{"id": "0x123", "name": "engine_rpm", "parser": {"type": "scalar",
//	 "start_byte": 0, "length_bytes": 2, "scale": 0.25, "offset": 0,
//	 "is_signed": false, "byte_order": "big"}}
type CANConfig struct {
	Enabled         bool             `json:"enabled"`
	Interface       string           `json:"interface"`
	ReadTimeout     Duration         `json:"read_timeout"`
	ConnectAttempts int              `json:"connect_attempts"`
	ConnectDelay    Duration         `json:"connect_delay"`
	Signals         []map[string]any `json:"signals"`
}

// GPSConfig defines the NMEA position source settings
type GPSConfig struct {
	Enabled    bool     `json:"enabled"`
	Port       string   `json:"port"`
	Baud       int      `json:"baud"`
	StaleAfter Duration `json:"stale_after"`
}

// OBDConfig defines the OBD-II diagnostic source settings
type OBDConfig struct {
	Enabled      bool     `json:"enabled"`
	Port         string   `json:"port"`
	Baud         int      `json:"baud"`
	Commands     []string `json:"commands"`
	QueryTimeout Duration `json:"query_timeout"`
	QueryDTCs    bool     `json:"query_dtcs"`
}

// MeshConfig defines the mesh radio downlink (Meshtastic JSON over MQTT)
type MeshConfig struct {
	Enabled    bool   `json:"enabled"`
	Broker     string `json:"broker"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TopicRoot  string `json:"topic_root"`
	Channel    string `json:"channel"`
	MaxPayload int    `json:"max_payload"`
}

// MQTTConfig defines the primary MQTT telemetry sink
type MQTTConfig struct {
	Enabled     bool     `json:"enabled"`
	Broker      string   `json:"broker"`
	Port        int      `json:"port"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	TLS         bool     `json:"tls"`
	TopicPrefix string   `json:"topic_prefix"`
	QoS         byte     `json:"qos"`
	Timeout     Duration `json:"timeout"`
}

// NATSConfig defines the optional local fan-out sink
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls"`
	SubjectPrefix string   `json:"subject_prefix"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// TraccarConfig defines the Traccar (OsmAnd protocol) position sink
type TraccarConfig struct {
	Enabled        bool     `json:"enabled"`
	ServerURL      string   `json:"server_url"`
	ReportInterval Duration `json:"report_interval"`
	Timeout        Duration `json:"timeout"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Duration wraps time.Duration to accept JSON duration strings ("2s",
// "500ms") as well as raw nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration. User files are merged on top.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			ReportInterval: Duration(1 * time.Second),
			QueueSize:      200,
			LogLevel:       "info",
			LogFormat:      "json",
		},
		CAN: CANConfig{
			Enabled:         true,
			Interface:       "can0",
			ReadTimeout:     Duration(1 * time.Second),
			ConnectAttempts: 5,
			ConnectDelay:    Duration(3 * time.Second),
		},
		GPS: GPSConfig{
			Port:       "/dev/ttyACM0",
			Baud:       9600,
			StaleAfter: Duration(10 * time.Second),
		},
		OBD: OBDConfig{
			Port:         "/dev/ttyUSB0",
			Baud:         38400,
			Commands:     []string{"RPM", "SPEED", "COOLANT_TEMP", "ENGINE_LOAD"},
			QueryTimeout: Duration(2 * time.Second),
			QueryDTCs:    true,
		},
		Mesh: MeshConfig{
			Port:       1883,
			TopicRoot:  "msh/US/2/json/mqtt",
			Channel:    "LongFast",
			MaxPayload: 230,
		},
		MQTT: MQTTConfig{
			Port:        8883,
			TLS:         true,
			TopicPrefix: "vehicle/telemetry",
			QoS:         1,
			Timeout:     Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "vehicle.telemetry",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Traccar: TraccarConfig{
			ReportInterval: Duration(10 * time.Second),
			Timeout:        Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration, fixing recoverable problems in place
// and logging a warning for each fix. Structural problems return an error.
func (c *Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if c.General.ReportInterval.Std() <= 0 {
		logger.Warn("invalid report_interval, using default",
			"configured", c.General.ReportInterval.Std(), "default", "1s")
		c.General.ReportInterval = Duration(1 * time.Second)
	}
	if c.General.QueueSize <= 0 {
		logger.Warn("invalid queue_size, using default",
			"configured", c.General.QueueSize, "default", 200)
		c.General.QueueSize = 200
	}
	switch c.General.LogFormat {
	case "json", "text":
	default:
		logger.Warn("invalid log_format, using json", "configured", c.General.LogFormat)
		c.General.LogFormat = "json"
	}

	if c.CAN.Enabled {
		if c.CAN.Interface == "" {
			return errors.New("can.interface is required when CAN is enabled")
		}
		if c.CAN.ReadTimeout.Std() <= 0 {
			logger.Warn("invalid can.read_timeout, using default", "default", "1s")
			c.CAN.ReadTimeout = Duration(1 * time.Second)
		}
		if c.CAN.ConnectAttempts <= 0 {
			logger.Warn("invalid can.connect_attempts, using default", "default", 5)
			c.CAN.ConnectAttempts = 5
		}
		if c.CAN.ConnectDelay.Std() <= 0 {
			logger.Warn("invalid can.connect_delay, using default", "default", "3s")
			c.CAN.ConnectDelay = Duration(3 * time.Second)
		}
	}

	if c.GPS.Enabled {
		if c.GPS.Port == "" {
			return errors.New("gps.port is required when GPS is enabled")
		}
		if c.GPS.Baud <= 0 {
			logger.Warn("invalid gps.baud, using default", "default", 9600)
			c.GPS.Baud = 9600
		}
		if c.GPS.StaleAfter.Std() <= 0 {
			logger.Warn("invalid gps.stale_after, using default", "default", "10s")
			c.GPS.StaleAfter = Duration(10 * time.Second)
		}
	}

	if c.OBD.Enabled {
		if c.OBD.Port == "" {
			return errors.New("obd.port is required when OBD is enabled")
		}
		if c.OBD.Baud <= 0 {
			logger.Warn("invalid obd.baud, using default", "default", 38400)
			c.OBD.Baud = 38400
		}
		if c.OBD.QueryTimeout.Std() <= 0 {
			logger.Warn("invalid obd.query_timeout, using default", "default", "2s")
			c.OBD.QueryTimeout = Duration(2 * time.Second)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when MQTT is enabled")
		}
		if c.MQTT.QoS > 2 {
			logger.Warn("invalid mqtt.qos, using 1", "configured", c.MQTT.QoS)
			c.MQTT.QoS = 1
		}
	}

	if c.Mesh.Enabled {
		if c.Mesh.Broker == "" {
			return errors.New("mesh.broker is required when mesh is enabled")
		}
		if c.Mesh.MaxPayload <= 0 {
			logger.Warn("invalid mesh.max_payload, using default", "default", 230)
			c.Mesh.MaxPayload = 230
		}
	}

	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required when NATS is enabled")
	}

	if c.Traccar.Enabled {
		if c.Traccar.ServerURL == "" {
			return errors.New("traccar.server_url is required when traccar is enabled")
		}
		if c.Traccar.ReportInterval.Std() <= 0 {
			logger.Warn("invalid traccar.report_interval, using default", "default", "10s")
			c.Traccar.ReportInterval = Duration(10 * time.Second)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		logger.Warn("invalid metrics.port, using default", "default", 9090)
		c.Metrics.Port = 9090
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
