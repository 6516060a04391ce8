package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Coolant Temp", "coolant_temp"},
		{"ENGINE_RPM", "engine_rpm"},
		{"Throttle-Pos (%)", "throttle_pos"},
		{"fuel  level", "fuel_level"},
		{"  leading", "leading"},
		{"trailing!!!", "trailing"},
		{"a/b/c", "a_b_c"},
		{"already_clean", "already_clean"},
		{"", ""},
		{"___", ""},
		{"O2 Sensor #1", "o2_sensor_1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanName(tt.in), "input %q", tt.in)
	}
}

func TestPosition_Valid(t *testing.T) {
	var p *Position
	assert.False(t, p.Valid(), "nil position has no fix")

	assert.False(t, (&Position{}).Valid(), "null island is not a fix")
	assert.True(t, (&Position{Latitude: 44.2312}).Valid())
	assert.True(t, (&Position{Longitude: -76.684}).Valid())
	assert.True(t, (&Position{Latitude: 44.2312, Longitude: -76.684}).Valid())
}

func TestSnapshot_Empty(t *testing.T) {
	snap := &Snapshot{TimestampUTC: 1700000000, DeviceID: "veh-42"}
	assert.True(t, snap.Empty(), "identity fields alone carry no payload")

	assert.False(t, (&Snapshot{Sensors: map[string]float64{"rpm": 800}}).Empty())
	assert.False(t, (&Snapshot{GPS: &Position{}}).Empty())
	assert.False(t, (&Snapshot{DTCs: []string{"P0301"}}).Empty())
	assert.False(t, (&Snapshot{CANData: map[string]float64{"engine_rpm": 2200}}).Empty())
}

func TestSnapshot_HasFix(t *testing.T) {
	assert.False(t, (&Snapshot{}).HasFix())
	assert.False(t, (&Snapshot{GPS: &Position{}}).HasFix())
	assert.True(t, (&Snapshot{GPS: &Position{Latitude: 44.2, Longitude: -76.7}}).HasFix())
}

func TestSnapshot_Marshal(t *testing.T) {
	snap := &Snapshot{
		TimestampUTC: 1700000000.5,
		DeviceID:     "veh-42",
		Sensors:      map[string]float64{"coolant_temp": 88},
		GPS: &Position{
			Latitude:   44.2312,
			Longitude:  -76.684,
			Speed:      13.5,
			Satellites: 8,
			FixTime:    1700000000.25,
		},
		DTCs:    []string{"P0301"},
		CANData: map[string]float64{"engine_rpm": 2200},
	}

	data, err := snap.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "veh-42", decoded["device_id"])
	assert.Equal(t, 1700000000.5, decoded["timestamp_utc"])

	gps, ok := decoded["gps"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 44.2312, gps["latitude"])
	assert.Equal(t, float64(8), gps["satellites"])
	assert.Equal(t, 1700000000.25, gps["fix_time"], "fix_time is a unix timestamp, not a string")
}

func TestSnapshot_MarshalOmitsEmptySections(t *testing.T) {
	snap := &Snapshot{TimestampUTC: 1700000000, DeviceID: "veh-42"}

	data, err := snap.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.NotContains(t, decoded, "sensors")
	assert.NotContains(t, decoded, "gps")
	assert.NotContains(t, decoded, "dtcs")
	assert.NotContains(t, decoded, "can_data")
}
