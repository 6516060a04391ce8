package canbus

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/c360/vehiclestream/config"
)

var (
	errEmptyID        = errors.New("frame id is empty")
	errBadID          = errors.New("frame id is not a valid hex string")
	errEmptyName      = errors.New("signal name is empty")
	errParserRecord   = errors.New("parser is not a record")
	errUnknownParser  = errors.New("unrecognized parser type")
	errMissingField   = errors.New("parser record is missing a required field")
	errBadField       = errors.New("parser field has the wrong type")
	errStartByteRange = errors.New("start_byte out of range 0-7")
	errLengthRange    = errors.New("length_bytes out of range 1-8")
	errSpanRange      = errors.New("start_byte + length_bytes exceeds 8 bytes")
	errByteOrder      = errors.New("byte_order must be \"big\" or \"little\"")
)

// requiredParserFields must all be present in a scalar parser record.
// A record missing any of them is skipped, never defaulted.
var requiredParserFields = []string{
	"start_byte", "length_bytes", "scale", "offset", "is_signed", "byte_order",
}

// SignalDefinition describes how one named scalar value is encoded within a
// frame's payload bytes. Immutable once loaded.
type SignalDefinition struct {
	FrameID      uint32
	Name         string
	StartByte    int
	Length       int
	Scale        float64
	Offset       float64
	Signed       bool
	LittleEndian bool
}

// Catalog maps frame identifiers to the ordered signal definitions decoded
// from that frame. Built once from untrusted configuration; invalid entries
// are dropped with a warning, never fatal to the whole catalog.
type Catalog struct {
	defs map[uint32][]SignalDefinition
}

// BuildCatalog validates raw signal definition records and assembles the
// lookup table. Records arrive untyped straight from the config file, shaped
// like
//
//	{"id": "0x123", "name": "engine_rpm", "parser": {"type": "scalar",
//	 "start_byte": 0, "length_bytes": 2, "scale": 0.25, "offset": 0,
//	 "is_signed": false, "byte_order": "big"}}
//
// Definitions that share a frame id accumulate in encounter order. A record
// failing any check is skipped with a warning and does not abort the build.
func BuildCatalog(entries []map[string]any, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{defs: make(map[uint32][]SignalDefinition)}

	for i, entry := range entries {
		def, err := parseDefinition(entry)
		if err != nil {
			logger.Warn("skipping invalid signal definition",
				"index", i,
				"id", config.GetString(entry, "id", ""),
				"name", config.GetString(entry, "name", ""),
				"error", err)
			continue
		}
		c.defs[def.FrameID] = append(c.defs[def.FrameID], def)
	}

	return c
}

// parseDefinition validates one raw record.
func parseDefinition(entry map[string]any) (SignalDefinition, error) {
	var def SignalDefinition

	id, err := parseFrameID(config.GetString(entry, "id", ""))
	if err != nil {
		return def, err
	}

	name := config.GetString(entry, "name", "")
	if strings.TrimSpace(name) == "" {
		return def, errEmptyName
	}

	parser, ok := entry["parser"].(map[string]any)
	if !ok {
		return def, errParserRecord
	}

	switch config.GetString(parser, "type", "") {
	case "scalar", "simple_scalar":
	default:
		return def, errUnknownParser
	}

	for _, field := range requiredParserFields {
		if !config.HasKey(parser, field) {
			return def, errMissingField
		}
	}

	// NaN defaults surface wrong-typed numeric fields; presence was
	// checked above.
	startByte := config.GetFloat64(parser, "start_byte", math.NaN())
	length := config.GetFloat64(parser, "length_bytes", math.NaN())
	scale := config.GetFloat64(parser, "scale", math.NaN())
	offset := config.GetFloat64(parser, "offset", math.NaN())
	if math.IsNaN(startByte) || math.IsNaN(length) || math.IsNaN(scale) || math.IsNaN(offset) {
		return def, errBadField
	}

	signed, ok := parser["is_signed"].(bool)
	if !ok {
		return def, errBadField
	}

	start, length8 := int(startByte), int(length)
	if start < 0 || start > 7 {
		return def, errStartByteRange
	}
	if length8 < 1 || length8 > 8 {
		return def, errLengthRange
	}
	if start+length8 > 8 {
		return def, errSpanRange
	}

	var little bool
	switch config.GetString(parser, "byte_order", "") {
	case "big":
		little = false
	case "little":
		little = true
	default:
		return def, errByteOrder
	}

	return SignalDefinition{
		FrameID:      id,
		Name:         name,
		StartByte:    start,
		Length:       length8,
		Scale:        scale,
		Offset:       offset,
		Signed:       signed,
		LittleEndian: little,
	}, nil
}

// parseFrameID interprets the id as hexadecimal, with or without the 0x
// prefix ("0x1A0" and "1A0" both parse to 416).
func parseFrameID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmptyID
	}

	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errBadID
	}
	return uint32(id), nil
}

// Lookup returns the signal definitions for a frame id, in catalog order.
// Returns nil for unknown ids.
func (c *Catalog) Lookup(id uint32) []SignalDefinition {
	return c.defs[id]
}

// Frames returns the number of distinct frame ids in the catalog.
func (c *Catalog) Frames() int {
	return len(c.defs)
}

// Signals returns the total number of signal definitions in the catalog.
func (c *Catalog) Signals() int {
	n := 0
	for _, defs := range c.defs {
		n += len(defs)
	}
	return n
}
