package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vehiclestream/pkg/buffer"
	"github.com/c360/vehiclestream/pkg/ratelimit"
	"github.com/c360/vehiclestream/telemetry"
)

// recordingSink captures every snapshot it receives.
type recordingSink struct {
	mu        sync.Mutex
	name      string
	connected bool
	sendErr   error
	snaps     []*telemetry.Snapshot
}

func (s *recordingSink) Name() string    { return s.name }
func (s *recordingSink) Connected() bool { return s.connected }

func (s *recordingSink) Send(_ context.Context, snap *telemetry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) received() []*telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Snapshot, len(s.snaps))
	copy(out, s.snaps)
	return out
}

// fixedPosition returns the same fix on every pull.
type fixedPosition struct {
	pos       *telemetry.Position
	connected bool
}

func (f *fixedPosition) Name() string                  { return "gps" }
func (f *fixedPosition) Connected() bool               { return f.connected }
func (f *fixedPosition) Position() *telemetry.Position { return f.pos }

type fixedDiagnostics struct {
	sensors   map[string]float64
	dtcs      []string
	connected bool
}

func (f *fixedDiagnostics) Name() string    { return "obd" }
func (f *fixedDiagnostics) Connected() bool { return f.connected }

func (f *fixedDiagnostics) Read(_ context.Context) (map[string]float64, []string) {
	return f.sensors, f.dtcs
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) buffer.Buffer[telemetry.Sample] {
	t.Helper()
	q, err := buffer.NewCircularBuffer[telemetry.Sample](64)
	require.NoError(t, err)
	return q
}

func newTestAggregator(t *testing.T, deps Deps) *Aggregator {
	t.Helper()
	if deps.Name == "" {
		deps.Name = "aggregator"
	}
	if deps.DeviceID == "" {
		deps.DeviceID = "veh-test"
	}
	if deps.Interval == 0 {
		deps.Interval = time.Second
	}
	if deps.Queue == nil {
		deps.Queue = newTestQueue(t)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := New(deps)
	require.NoError(t, a.Initialize())
	return a
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	q := newTestQueue(t)

	a := New(Deps{DeviceID: "veh-1", Interval: 0, Queue: q})
	assert.Error(t, a.Initialize())

	a = New(Deps{DeviceID: "", Interval: time.Second, Queue: q})
	assert.Error(t, a.Initialize())

	a = New(Deps{DeviceID: "veh-1", Interval: time.Second, Queue: nil})
	assert.Error(t, a.Initialize())

	// A gated tracking sink requires its limiter.
	a = New(Deps{DeviceID: "veh-1", Interval: time.Second, Queue: q,
		Tracker: &recordingSink{name: "traccar", connected: true}})
	assert.Error(t, a.Initialize())
}

func TestEmptySnapshotDiscarded(t *testing.T) {
	sink := &recordingSink{name: "mqtt", connected: true}
	a := newTestAggregator(t, Deps{Sinks: []Sink{sink}})

	require.NoError(t, a.runCycle(context.Background()))

	assert.Empty(t, sink.received(), "no data should mean no dispatch")
}

func TestQueueFoldLastWriteWins(t *testing.T) {
	q := newTestQueue(t)
	sink := &recordingSink{name: "mqtt", connected: true}
	a := newTestAggregator(t, Deps{Queue: q, Sinks: []Sink{sink}})

	require.NoError(t, q.Write(telemetry.Sample{Timestamp: 1.0, Name: "engine_rpm", Value: 800}))
	require.NoError(t, q.Write(telemetry.Sample{Timestamp: 1.5, Name: "vehicle_speed", Value: 12.5}))
	require.NoError(t, q.Write(telemetry.Sample{Timestamp: 2.0, Name: "engine_rpm", Value: 2200}))

	require.NoError(t, a.runCycle(context.Background()))

	snaps := sink.received()
	require.Len(t, snaps, 1)
	assert.Equal(t, "veh-test", snaps[0].DeviceID)
	assert.Equal(t, map[string]float64{
		"engine_rpm":    2200,
		"vehicle_speed": 12.5,
	}, snaps[0].CANData)
	assert.True(t, q.IsEmpty(), "cycle should drain the queue")

	// Nothing new queued: the next cycle has nothing and dispatches nothing.
	require.NoError(t, a.runCycle(context.Background()))
	assert.Len(t, sink.received(), 1)
}

func TestAssembleMergesAllSources(t *testing.T) {
	q := newTestQueue(t)
	sink := &recordingSink{name: "nats", connected: true}
	pos := &telemetry.Position{Latitude: 44.23, Longitude: -76.68, Speed: 5.2, Satellites: 9}
	a := newTestAggregator(t, Deps{
		Queue:       q,
		Position:    &fixedPosition{pos: pos, connected: true},
		Diagnostics: &fixedDiagnostics{connected: true, sensors: map[string]float64{"coolant_temp": 88}, dtcs: []string{"P0301"}},
		Sinks:       []Sink{sink},
	})

	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 1500}))
	require.NoError(t, a.runCycle(context.Background()))

	snaps := sink.received()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	require.NotNil(t, snap.GPS)
	assert.Equal(t, 44.23, snap.GPS.Latitude)
	assert.Equal(t, map[string]float64{"coolant_temp": 88}, snap.Sensors)
	assert.Equal(t, []string{"P0301"}, snap.DTCs)
	assert.Equal(t, 1500.0, snap.CANData["engine_rpm"])
	assert.Greater(t, snap.TimestampUTC, 0.0)
}

func TestDisconnectedSourcesAreSkipped(t *testing.T) {
	q := newTestQueue(t)
	sink := &recordingSink{name: "mqtt", connected: true}
	a := newTestAggregator(t, Deps{
		Queue:       q,
		Position:    &fixedPosition{pos: &telemetry.Position{Latitude: 1, Longitude: 1}, connected: false},
		Diagnostics: &fixedDiagnostics{connected: false, sensors: map[string]float64{"coolant_temp": 88}},
		Sinks:       []Sink{sink},
	})

	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 900}))
	require.NoError(t, a.runCycle(context.Background()))

	snaps := sink.received()
	require.Len(t, snaps, 1)
	assert.Nil(t, snaps[0].GPS)
	assert.Empty(t, snaps[0].Sensors)
}

func TestSinkFailureDoesNotAffectOthers(t *testing.T) {
	q := newTestQueue(t)
	bad := &recordingSink{name: "mqtt", connected: true, sendErr: context.DeadlineExceeded}
	good := &recordingSink{name: "nats", connected: true}
	offline := &recordingSink{name: "mesh", connected: false}
	a := newTestAggregator(t, Deps{Queue: q, Sinks: []Sink{bad, good, offline}})

	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 1000}))
	require.NoError(t, a.runCycle(context.Background()))

	assert.Len(t, good.received(), 1)
	assert.Empty(t, offline.received())
	assert.Equal(t, int64(1), a.errCount.Load())
}

func TestTrackerGatedByFixAndRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	limiter, err := ratelimit.NewWithClock(10*time.Second, clock)
	require.NoError(t, err)

	q := newTestQueue(t)
	tracker := &recordingSink{name: "traccar", connected: true}
	gps := &fixedPosition{connected: true}
	a := newTestAggregator(t, Deps{
		Queue:          q,
		Position:       gps,
		Tracker:        tracker,
		TrackerLimiter: limiter,
	})

	// Data but no fix: the tracker is skipped and the limiter untouched.
	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 700}))
	require.NoError(t, a.runCycle(context.Background()))
	assert.Empty(t, tracker.received())

	// First cycle with a fix goes through immediately.
	gps.pos = &telemetry.Position{Latitude: 44.0, Longitude: -76.0}
	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 750}))
	require.NoError(t, a.runCycle(context.Background()))
	assert.Len(t, tracker.received(), 1)

	// Within the interval the tracker is throttled even though data flows.
	clock.advance(3 * time.Second)
	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 760}))
	require.NoError(t, a.runCycle(context.Background()))
	assert.Len(t, tracker.received(), 1)

	clock.advance(7 * time.Second)
	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 770}))
	require.NoError(t, a.runCycle(context.Background()))
	assert.Len(t, tracker.received(), 2)
}

func TestCyclePanicRecovered(t *testing.T) {
	q := newTestQueue(t)
	a := newTestAggregator(t, Deps{Queue: q, Diagnostics: panickingDiagnostics{}})

	err := a.safeCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle panic")
}

type panickingDiagnostics struct{}

func (panickingDiagnostics) Name() string    { return "obd" }
func (panickingDiagnostics) Connected() bool { return true }
func (panickingDiagnostics) Read(_ context.Context) (map[string]float64, []string) {
	panic("serial port gone")
}

func TestLoopLifecycle(t *testing.T) {
	q := newTestQueue(t)
	sink := &recordingSink{name: "mqtt", connected: true}
	a := newTestAggregator(t, Deps{Queue: q, Interval: 20 * time.Millisecond, Sinks: []Sink{sink}})

	require.NoError(t, q.Write(telemetry.Sample{Name: "engine_rpm", Value: 1100}))

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx), "start is idempotent")

	require.Eventually(t, func() bool {
		return len(sink.received()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(time.Second))
	require.NoError(t, a.Stop(time.Second), "stop is idempotent")
	assert.False(t, a.Health().Healthy)
}

func TestMetaAndFlow(t *testing.T) {
	a := newTestAggregator(t, Deps{DeviceID: "veh-abc"})
	meta := a.Meta()
	assert.Equal(t, "aggregator", meta.Name)
	assert.Equal(t, "processor", meta.Type)
	assert.Contains(t, meta.Description, "veh-abc")

	require.NoError(t, a.runCycle(context.Background()))
	flow := a.DataFlow()
	assert.GreaterOrEqual(t, flow.MessagesPerSecond, 0.0)
}
