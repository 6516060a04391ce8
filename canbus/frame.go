// Package canbus implements the signal catalog and frame decoding engine
// for the vehicle's CAN bus. The catalog is built once at startup from
// untrusted configuration; decoding is a pure function from a raw frame to
// zero or more named samples.
package canbus

// Frame is one raw message unit received from the bus, identified by an
// arbitration id and carrying up to 8 bytes of payload. Read-only to this
// package.
type Frame struct {
	ID        uint32
	Data      []byte
	Timestamp float64 // seconds since the Unix epoch
}
