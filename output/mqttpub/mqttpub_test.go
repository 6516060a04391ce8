package mqttpub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vehiclestream/telemetry"
)

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	connected  bool
	calls      []publishCall
}

func (b *fakeBroker) Connect(_ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.calls = append(b.calls, publishCall{topic: topic, qos: qos, retained: retained, payload: payload})
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Disconnect(_ uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBroker) published() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func newTestSink(t *testing.T, fb *fakeBroker) *Sink {
	t.Helper()
	s := New(Deps{
		Broker:      "broker.example.com",
		Port:        8883,
		TLS:         true,
		TopicPrefix: "vehicle/telemetry",
		QoS:         1,
		Timeout:     time.Second,
		DeviceID:    "veh-42",
	})
	require.NoError(t, s.Initialize())
	s.dial = func() broker { return fb }
	return s
}

func TestInitializeValidation(t *testing.T) {
	s := New(Deps{Broker: "", DeviceID: "veh-1"})
	assert.Error(t, s.Initialize())

	s = New(Deps{Broker: "host", DeviceID: ""})
	assert.Error(t, s.Initialize())

	s = New(Deps{Broker: "host", DeviceID: "veh-1", TLS: true})
	require.NoError(t, s.Initialize())
	assert.Equal(t, 8883, s.port, "TLS default port")
	assert.Equal(t, "vehicle/telemetry", s.topicPrefix)

	s = New(Deps{Broker: "host", DeviceID: "veh-1"})
	require.NoError(t, s.Initialize())
	assert.Equal(t, 1883, s.port)
}

func TestSendPublishesSnapshot(t *testing.T) {
	fb := &fakeBroker{}
	s := newTestSink(t, fb)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	snap := &telemetry.Snapshot{
		TimestampUTC: 1700000000.5,
		DeviceID:     "veh-42",
		CANData:      map[string]float64{"engine_rpm": 1726},
	}
	require.NoError(t, s.Send(context.Background(), snap))

	calls := fb.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "vehicle/telemetry/veh-42/telemetry", calls[0].topic)
	assert.Equal(t, byte(1), calls[0].qos)
	assert.False(t, calls[0].retained)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(calls[0].payload, &decoded))
	assert.Equal(t, "veh-42", decoded["device_id"])
}

func TestSendWhenDisconnected(t *testing.T) {
	fb := &fakeBroker{connectErr: io.ErrClosedPipe}
	s := newTestSink(t, fb)

	require.NoError(t, s.Start(context.Background()), "failed connect must not fail startup")
	assert.False(t, s.Connected())

	err := s.Send(context.Background(), &telemetry.Snapshot{DeviceID: "veh-42"})
	assert.Error(t, err)
	_ = s.Stop(time.Second)
}

func TestSendPublishFailureRecorded(t *testing.T) {
	fb := &fakeBroker{}
	s := newTestSink(t, fb)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	fb.mu.Lock()
	fb.publishErr = io.ErrClosedPipe
	fb.mu.Unlock()

	err := s.Send(context.Background(), &telemetry.Snapshot{DeviceID: "veh-42"})
	require.Error(t, err)
	assert.GreaterOrEqual(t, s.Health().ErrorCount, 1)
}

func TestStopPublishesOfflineMarker(t *testing.T) {
	fb := &fakeBroker{}
	s := newTestSink(t, fb)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second), "stop is idempotent")

	calls := fb.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "vehicle/telemetry/veh-42/status", calls[0].topic)
	assert.True(t, calls[0].retained)
	assert.Equal(t, []byte(payloadOffline), calls[0].payload)
	assert.False(t, s.Connected())
}

func TestMeta(t *testing.T) {
	s := newTestSink(t, &fakeBroker{})
	meta := s.Meta()
	assert.Equal(t, "mqtt", meta.Name)
	assert.Equal(t, "sink", meta.Type)
	assert.Contains(t, meta.Description, "broker.example.com")
}
