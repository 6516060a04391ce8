package canbus

import (
	"log/slog"
	"math"

	"github.com/c360/vehiclestream/telemetry"
)

// Decode produces the samples encoded in one raw frame. Unknown frame ids
// yield nil. A signal whose byte range exceeds the payload is skipped;
// other signals on the same frame still decode. Pure apart from the skip
// warning, so exercised heavily by unit tests.
func (c *Catalog) Decode(frame Frame, logger *slog.Logger) []telemetry.Sample {
	defs := c.Lookup(frame.ID)
	if len(defs) == 0 {
		return nil
	}

	samples := make([]telemetry.Sample, 0, len(defs))
	for _, def := range defs {
		if def.StartByte+def.Length > len(frame.Data) {
			if logger != nil {
				logger.Warn("frame too short for signal",
					"frame_id", frame.ID, "signal", def.Name,
					"need", def.StartByte+def.Length, "have", len(frame.Data))
			}
			continue
		}

		raw := extractInt(frame.Data[def.StartByte:def.StartByte+def.Length], def.LittleEndian, def.Signed)
		value := round4(float64(raw)*def.Scale + def.Offset)

		samples = append(samples, telemetry.Sample{
			Timestamp: frame.Timestamp,
			Name:      def.Name,
			Value:     value,
		})
	}

	return samples
}

// extractInt interprets bytes as an integer in the configured endianness,
// with two's-complement wraparound over length*8 bits when signed.
func extractInt(b []byte, littleEndian, signed bool) int64 {
	var raw uint64
	if littleEndian {
		for i := len(b) - 1; i >= 0; i-- {
			raw = raw<<8 | uint64(b[i])
		}
	} else {
		for _, v := range b {
			raw = raw<<8 | uint64(v)
		}
	}

	if signed {
		bits := uint(len(b)) * 8
		if bits < 64 && raw >= 1<<(bits-1) {
			return int64(raw) - int64(1)<<bits
		}
	}

	return int64(raw)
}

// round4 rounds to 4 decimal places, matching the precision reported on
// the wire.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
