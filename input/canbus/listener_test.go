package canbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buscodec "github.com/c360/vehiclestream/canbus"
	"github.com/c360/vehiclestream/config"
)

// fakeBus implements frameBus for tests. ConnectAndPublish blocks until
// Disconnect is called or an error is injected via failc.
type fakeBus struct {
	mu      sync.Mutex
	handler func(can.Frame)
	closed  chan struct{}
	failc   chan error
	once    sync.Once
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		closed: make(chan struct{}),
		failc:  make(chan error, 1),
	}
}

func (f *fakeBus) SubscribeFunc(fn can.HandlerFunc) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeBus) ConnectAndPublish() error {
	select {
	case err := <-f.failc:
		return err
	case <-f.closed:
		return nil
	}
}

func (f *fakeBus) Disconnect() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeBus) inject(frame can.Frame) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (f *fakeBus) fail(err error) {
	f.failc <- err
}

func testListener(t *testing.T, queueSize int) (*Listener, *fakeBus) {
	t.Helper()

	l, err := NewListener(ListenerDeps{
		Name: "can-test",
		Config: config.CANConfig{
			Interface:       "vcan0",
			ReadTimeout:     config.Duration(50 * time.Millisecond),
			ConnectAttempts: 2,
			ConnectDelay:    config.Duration(10 * time.Millisecond),
		},
		Catalog: buscodec.BuildCatalog([]map[string]any{{
			"id":   "0x123",
			"name": "engine_rpm",
			"parser": map[string]any{
				"type":         "scalar",
				"start_byte":   0,
				"length_bytes": 2,
				"scale":        0.25,
				"offset":       0.0,
				"is_signed":    false,
				"byte_order":   "big",
			},
		}}, nil),
		QueueSize: queueSize,
	})
	require.NoError(t, err)
	require.NoError(t, l.Initialize())

	bus := newFakeBus()
	l.dial = func(string) (frameBus, error) { return bus, nil }

	return l, bus
}

func rpmFrame(hi, lo byte) can.Frame {
	return can.Frame{ID: 0x123, Length: 2, Data: [8]uint8{hi, lo}}
}

func TestListenerDecodesFramesIntoQueue(t *testing.T) {
	l, bus := testListener(t, 10)

	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop(time.Second) }()

	assert.Equal(t, StateConnected, l.State())
	assert.True(t, l.Connected())

	bus.inject(rpmFrame(0x01, 0x2C))

	sample, ok := l.Samples().Read()
	require.True(t, ok)
	assert.Equal(t, "engine_rpm", sample.Name)
	assert.Equal(t, 75.0, sample.Value)
	assert.Greater(t, sample.Timestamp, 0.0)
}

func TestListenerStartIdempotent(t *testing.T) {
	l, _ := testListener(t, 10)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()))

	_ = l.Stop(time.Second)
}

func TestListenerQueueDropsNewestWhenFull(t *testing.T) {
	const capacity = 4
	l, bus := testListener(t, capacity)

	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop(time.Second) }()

	// Produce more samples than the queue holds before any drain.
	for i := 0; i < capacity+3; i++ {
		bus.inject(rpmFrame(0x00, byte(i)))
	}

	samples := l.Samples().Drain()
	require.Len(t, samples, capacity)

	// The oldest samples survive; the overflow was dropped on arrival.
	for i, sample := range samples {
		assert.Equal(t, float64(i)*0.25, sample.Value)
	}
	assert.Equal(t, int64(3), l.Samples().Stats().Drops())
}

func TestListenerConnectRetriesThenTerminated(t *testing.T) {
	l, _ := testListener(t, 10)

	attempts := 0
	l.dial = func(string) (frameBus, error) {
		attempts++
		return nil, errors.New("interface down")
	}

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, StateTerminated, l.State())

	// A terminated listener refuses to start again.
	require.Error(t, l.Start(context.Background()))
}

func TestListenerConnectInterruptedByCancel(t *testing.T) {
	l, _ := testListener(t, 10)
	l.connectDelay = time.Minute

	l.dial = func(string) (frameBus, error) {
		return nil, errors.New("interface down")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.Start(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestListenerRuntimeErrorReconnectsOnce(t *testing.T) {
	l, first := testListener(t, 10)

	second := newFakeBus()
	dials := 0
	l.dial = func(string) (frameBus, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop(time.Second) }()

	first.fail(errors.New("bus off"))

	require.Eventually(t, func() bool {
		return l.State() == StateConnected && dials == 2
	}, time.Second, 5*time.Millisecond)

	// The reconnected bus feeds the same queue.
	second.inject(rpmFrame(0x01, 0x2C))
	sample, ok := l.Samples().Read()
	require.True(t, ok)
	assert.Equal(t, 75.0, sample.Value)
}

func TestListenerSecondRuntimeErrorIsTerminal(t *testing.T) {
	l, first := testListener(t, 10)

	second := newFakeBus()
	dials := 0
	l.dial = func(string) (frameBus, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	}

	require.NoError(t, l.Start(context.Background()))

	first.fail(errors.New("bus off"))
	require.Eventually(t, func() bool {
		return l.State() == StateConnected && dials == 2
	}, time.Second, 5*time.Millisecond)

	second.fail(errors.New("bus off again"))
	require.Eventually(t, func() bool {
		return l.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)

	_ = l.Stop(time.Second)
	assert.Equal(t, StateTerminated, l.State())
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l, _ := testListener(t, 10)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(time.Second))
	require.NoError(t, l.Stop(time.Second))

	assert.Equal(t, StateDisconnected, l.State())
	assert.False(t, l.Connected())
}

func TestListenerHealthReflectsState(t *testing.T) {
	l, bus := testListener(t, 10)

	health := l.Health()
	assert.False(t, health.Healthy)

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.Health().Healthy)

	bus.inject(rpmFrame(0x01, 0x2C))
	flow := l.DataFlow()
	assert.False(t, flow.LastActivity.IsZero())

	_ = l.Stop(time.Second)
	assert.False(t, l.Health().Healthy)
}

func TestListenerMetaDescribesInterface(t *testing.T) {
	l, _ := testListener(t, 10)

	meta := l.Meta()
	assert.Equal(t, "can-test", meta.Name)
	assert.Equal(t, "input", meta.Type)
	assert.Contains(t, meta.Description, "vcan0")
	assert.Contains(t, meta.Description, fmt.Sprintf("%d", 1))
}
