package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := errors.New("socket closed")
	err := Wrap(base, "canListener", "readLoop", "frame read")

	require.Error(t, err)
	assert.Equal(t, "canListener.readLoop: frame read failed: socket closed", err.Error())
	assert.ErrorIs(t, err, base)

	assert.NoError(t, Wrap(nil, "c", "m", "a"))
}

func TestWrapTransient(t *testing.T) {
	base := errors.New("broker unreachable")
	err := WrapTransient(base, "mqttSink", "Send", "publish")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
	assert.False(t, IsInvalid(err))
	assert.ErrorIs(t, err, base)

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "mqttSink", ce.Component)
	assert.Equal(t, "Send", ce.Operation)

	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
}

func TestWrapFatal(t *testing.T) {
	err := WrapFatal(errors.New("database schema mismatch"), "store", "Initialize", "migration")

	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorFatal, Classify(err))
}

func TestWrapInvalid(t *testing.T) {
	err := WrapInvalid(ErrFrameTooShort, "decoder", "Decode", "payload check")

	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrFrameTooShort)
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestClassification_SentinelErrors(t *testing.T) {
	transient := []error{
		ErrConnectionTimeout,
		ErrConnectionLost,
		ErrDeviceUnavailable,
		ErrQueueFull,
		ErrRateLimited,
		ErrNoFix,
		context.DeadlineExceeded,
		context.Canceled,
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "expected transient: %v", err)
	}

	invalid := []error{
		ErrInvalidData,
		ErrFrameTooShort,
		ErrUnknownFrame,
		ErrPayloadTooLarge,
		ErrParsingFailed,
	}
	for _, err := range invalid {
		assert.True(t, IsInvalid(err), "expected invalid: %v", err)
	}

	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
}

func TestClassification_WrappedSentinels(t *testing.T) {
	err := fmt.Errorf("obd read: %w", ErrDeviceUnavailable)
	assert.True(t, IsTransient(err))

	err = fmt.Errorf("decode 0x1A0: %w", ErrFrameTooShort)
	assert.True(t, IsInvalid(err))
}

func TestClassification_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("service temporarily unavailable")))
	assert.True(t, IsFatal(errors.New("fatal: cannot allocate memory")))
	assert.False(t, IsTransient(errors.New("field must be positive")))
}

func TestClassification_NilError(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestClassify_DefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()

	assert.True(t, rc.ShouldRetry(ErrConnectionLost, 0))
	assert.True(t, rc.ShouldRetry(ErrConnectionLost, 2))
	assert.False(t, rc.ShouldRetry(ErrConnectionLost, 3), "attempt budget exhausted")
	assert.False(t, rc.ShouldRetry(nil, 0))
	assert.False(t, rc.ShouldRetry(ErrFrameTooShort, 0), "invalid errors never retried")
}

func TestRetryConfig_RetryableAllowlist(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.RetryableErrors = []error{ErrConnectionTimeout}

	assert.True(t, rc.ShouldRetry(fmt.Errorf("wrapped: %w", ErrConnectionTimeout), 0))
	assert.False(t, rc.ShouldRetry(ErrConnectionLost, 0), "transient but not in allowlist")
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}

	cfg := rc.ToRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts, "retries convert to total attempts")
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.True(t, cfg.AddJitter)
}
