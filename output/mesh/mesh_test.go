package mesh

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vehiclestream/errors"
	"github.com/c360/vehiclestream/telemetry"
)

type fakeDownlink struct {
	mu         sync.Mutex
	connectErr error
	publishErr error
	connected  bool
	topics     []string
	frames     [][]byte
}

func (d *fakeDownlink) Connect(_ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *fakeDownlink) Publish(topic string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.publishErr != nil {
		return d.publishErr
	}
	d.topics = append(d.topics, topic)
	d.frames = append(d.frames, payload)
	return nil
}

func (d *fakeDownlink) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDownlink) Disconnect(_ uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

func newTestSink(t *testing.T, fd *fakeDownlink, maxPayload int) *Sink {
	t.Helper()
	s := New(Deps{
		Broker:     "gateway.local",
		Port:       1883,
		TopicRoot:  "msh/US/2/json/mqtt",
		Channel:    "LongFast",
		MaxPayload: maxPayload,
		DeviceID:   "veh-42",
	})
	require.NoError(t, s.Initialize())
	s.dial = func() downlink { return fd }
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func TestInitializeValidation(t *testing.T) {
	s := New(Deps{Broker: "", DeviceID: "veh-1"})
	assert.Error(t, s.Initialize())

	s = New(Deps{Broker: "gw", DeviceID: ""})
	assert.Error(t, s.Initialize())

	s = New(Deps{Broker: "gw", DeviceID: "veh-1"})
	require.NoError(t, s.Initialize())
	assert.Equal(t, 1883, s.port)
	assert.Equal(t, 230, s.maxPayload)
	assert.Equal(t, "msh/US/2/json/mqtt", s.topicRoot)
}

func TestSendWrapsCompactPayload(t *testing.T) {
	fd := &fakeDownlink{}
	s := newTestSink(t, fd, 230)

	snap := &telemetry.Snapshot{
		TimestampUTC: 1700000000.7,
		DeviceID:     "veh-42",
		GPS:          &telemetry.Position{Latitude: 44.231234567, Longitude: -76.684, Speed: 13.47},
		CANData:      map[string]float64{"engine_rpm": 1726},
		DTCs:         []string{"P0301"},
	}
	require.NoError(t, s.Send(context.Background(), snap))

	require.Len(t, fd.frames, 1)
	assert.Equal(t, "msh/US/2/json/mqtt/", fd.topics[0])

	var frame envelope
	require.NoError(t, json.Unmarshal(fd.frames[0], &frame))
	assert.Equal(t, "sendtext", frame.Type)
	assert.Equal(t, "LongFast", frame.Channel)
	assert.Equal(t, nodeNumFor("veh-42"), frame.From)

	var body compact
	require.NoError(t, json.Unmarshal([]byte(frame.Payload), &body))
	assert.Equal(t, "veh-42", body.DeviceID)
	assert.Equal(t, 1700000001.0, body.Timestamp)
	require.Len(t, body.GPS, 3)
	assert.Equal(t, 44.23123, body.GPS[0])
	assert.Equal(t, 13.5, body.GPS[2])
	assert.Equal(t, []string{"P0301"}, body.DTCs)
	assert.Equal(t, 1726.0, body.CANData["engine_rpm"])
}

func TestSendOmitsGPSWithoutFix(t *testing.T) {
	fd := &fakeDownlink{}
	s := newTestSink(t, fd, 230)

	snap := &telemetry.Snapshot{
		TimestampUTC: 1.0,
		DeviceID:     "veh-42",
		CANData:      map[string]float64{"engine_rpm": 900},
	}
	require.NoError(t, s.Send(context.Background(), snap))

	var frame envelope
	require.NoError(t, json.Unmarshal(fd.frames[0], &frame))
	assert.NotContains(t, frame.Payload, "gps")
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	fd := &fakeDownlink{}
	s := newTestSink(t, fd, 60)

	big := make(map[string]float64)
	for _, name := range []string{"engine_rpm", "vehicle_speed", "coolant_temp", "throttle_pos"} {
		big[name] = 12345.6789
	}
	snap := &telemetry.Snapshot{TimestampUTC: 1.0, DeviceID: "veh-42", CANData: big}

	err := s.Send(context.Background(), snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
	assert.Empty(t, fd.frames, "nothing is sent truncated")
}

func TestSendWhenDisconnected(t *testing.T) {
	fd := &fakeDownlink{connectErr: io.ErrClosedPipe}
	s := New(Deps{Broker: "gw", DeviceID: "veh-42"})
	require.NoError(t, s.Initialize())
	s.dial = func() downlink { return fd }

	require.NoError(t, s.Start(context.Background()), "failed connect must not fail startup")
	assert.False(t, s.Connected())

	err := s.Send(context.Background(), &telemetry.Snapshot{DeviceID: "veh-42"})
	assert.Error(t, err)
	_ = s.Stop(time.Second)
}

func TestSendPublishFailure(t *testing.T) {
	fd := &fakeDownlink{}
	s := newTestSink(t, fd, 230)

	fd.mu.Lock()
	fd.publishErr = io.ErrClosedPipe
	fd.mu.Unlock()

	err := s.Send(context.Background(), &telemetry.Snapshot{TimestampUTC: 1, DeviceID: "veh-42",
		CANData: map[string]float64{"engine_rpm": 1}})
	require.Error(t, err)
	assert.GreaterOrEqual(t, s.Health().ErrorCount, 1)
}

func TestDownlinkTopicTrailingSlash(t *testing.T) {
	s := New(Deps{Broker: "gw", DeviceID: "veh-1", TopicRoot: "msh/EU_868/2/json/mqtt/"})
	require.NoError(t, s.Initialize())
	assert.Equal(t, "msh/EU_868/2/json/mqtt/", s.downlinkTopic())
	assert.False(t, strings.Contains(s.downlinkTopic(), "//"))
}

func TestNodeNumStable(t *testing.T) {
	assert.Equal(t, nodeNumFor("veh-42"), nodeNumFor("veh-42"))
	assert.NotEqual(t, nodeNumFor("veh-42"), nodeNumFor("veh-43"))
}
