package natspub

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

type fakeConn struct {
	mu         sync.Mutex
	publishErr error
	connected  bool
	drained    bool
	subjects   []string
	payloads   [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	c.connected = false
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func newTestSink(t *testing.T, fc *fakeConn) *Sink {
	t.Helper()
	s := New(Deps{
		URLs:          []string{"nats://127.0.0.1:4222"},
		SubjectPrefix: "vehicle.telemetry",
		DeviceID:      "veh-42",
	})
	require.NoError(t, s.Initialize())
	s.dial = func() (natsConn, error) {
		fc.mu.Lock()
		fc.connected = true
		fc.mu.Unlock()
		return fc, nil
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func TestInitializeValidation(t *testing.T) {
	s := New(Deps{URLs: nil, DeviceID: "veh-1"})
	assert.Error(t, s.Initialize())

	s = New(Deps{URLs: []string{"nats://localhost:4222"}, DeviceID: ""})
	assert.Error(t, s.Initialize())

	s = New(Deps{URLs: []string{"nats://localhost:4222"}, DeviceID: "veh-1"})
	require.NoError(t, s.Initialize())
	assert.Equal(t, "vehicle.telemetry", s.subjectPrefix)
	assert.Equal(t, -1, s.maxReconnects, "unset means reconnect forever")
	assert.Equal(t, 2*time.Second, s.reconnectWait)
}

func TestSendPublishesToDeviceSubject(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSink(t, fc)

	snap := &telemetry.Snapshot{
		TimestampUTC: 1700000000.5,
		DeviceID:     "veh-42",
		CANData:      map[string]float64{"engine_rpm": 1726},
	}
	require.NoError(t, s.Send(context.Background(), snap))

	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "vehicle.telemetry.veh-42", fc.subjects[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fc.payloads[0], &decoded))
	assert.Equal(t, "veh-42", decoded["device_id"])
}

func TestSendWhenDisconnected(t *testing.T) {
	s := New(Deps{URLs: []string{"nats://localhost:4222"}, DeviceID: "veh-42"})
	require.NoError(t, s.Initialize())
	s.dial = func() (natsConn, error) {
		return nil, io.ErrClosedPipe
	}

	require.NoError(t, s.Start(context.Background()), "failed connect must not fail startup")
	assert.False(t, s.Connected())

	err := s.Send(context.Background(), &telemetry.Snapshot{DeviceID: "veh-42"})
	assert.Error(t, err)
	_ = s.Stop(time.Second)
}

func TestSendPublishFailureRecorded(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSink(t, fc)

	fc.mu.Lock()
	fc.publishErr = io.ErrClosedPipe
	fc.mu.Unlock()

	err := s.Send(context.Background(), &telemetry.Snapshot{DeviceID: "veh-42"})
	require.Error(t, err)
	assert.GreaterOrEqual(t, s.Health().ErrorCount, 1)
}

func TestStopDrainsConnection(t *testing.T) {
	fc := &fakeConn{}
	s := newTestSink(t, fc)

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second), "stop is idempotent")

	assert.True(t, fc.drained)
	assert.False(t, s.Connected())
}

func TestMeta(t *testing.T) {
	s := New(Deps{URLs: []string{"nats://localhost:4222"}, DeviceID: "veh-42", SubjectPrefix: "vehicle.telemetry"})
	meta := s.Meta()
	assert.Equal(t, "nats", meta.Name)
	assert.Equal(t, "sink", meta.Type)
	assert.Contains(t, meta.Description, "vehicle.telemetry.veh-42")
}
