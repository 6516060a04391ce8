// Package telemetry defines the data model shared by sources, the
// aggregation loop, and sinks.
package telemetry

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Sample is one decoded bus signal value. Samples are ephemeral: created by
// the frame decoder, consumed exactly once by the aggregation loop, or
// dropped if the queue is full.
type Sample struct {
	Timestamp float64 `json:"timestamp"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
}

// Position is one GPS fix.
type Position struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Speed      float64 `json:"speed"` // meters per second
	Course     float64 `json:"course"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	FixTime    float64 `json:"fix_time"`
}

// Valid reports whether the fix is usable: a position with both coordinates
// exactly zero is treated as no fix (null island is open ocean, not a
// plausible vehicle location).
func (p *Position) Valid() bool {
	if p == nil {
		return false
	}
	return p.Latitude != 0 || p.Longitude != 0
}

// Snapshot is one fully-assembled telemetry record covering position,
// diagnostic sensors, fault codes, and bus signals, as of one aggregation
// cycle. Built fresh each cycle and never mutated after handoff to sinks.
type Snapshot struct {
	TimestampUTC float64            `json:"timestamp_utc"`
	DeviceID     string             `json:"device_id"`
	Sensors      map[string]float64 `json:"sensors,omitempty"`
	GPS          *Position          `json:"gps,omitempty"`
	DTCs         []string           `json:"dtcs,omitempty"`
	CANData      map[string]float64 `json:"can_data,omitempty"`
}

// Empty reports whether the snapshot carries no payload beyond its
// identity fields. Empty snapshots are discarded, not dispatched.
func (s *Snapshot) Empty() bool {
	return len(s.Sensors) == 0 && s.GPS == nil && len(s.DTCs) == 0 && len(s.CANData) == 0
}

// HasFix reports whether the snapshot carries a usable position.
func (s *Snapshot) HasFix() bool {
	return s.GPS.Valid()
}

// Marshal renders the snapshot as compact JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// CleanName normalizes a sensor or signal name for use as a key in
// outbound payloads: lowercased, with runs of non-alphanumeric characters
// replaced by single underscores.
func CleanName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.TrimSuffix(b.String(), "_")
}
