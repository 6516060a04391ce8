// Package vehiclestream turns a vehicle into a telemetry source: it reads
// the CAN bus, a GPS receiver, and an OBD-II adapter, merges everything
// into periodic snapshots, and fans the snapshots out to whichever
// transports are reachable.
//
// # Architecture
//
// Data flows through three stages. Sources collect raw readings, the
// aggregation loop merges them into one snapshot per cycle, and sinks
// deliver the snapshot over their transport:
//
//	┌──────────┐  ┌──────────┐  ┌──────────┐
//	│   CAN    │  │   GPS    │  │  OBD-II  │   sources
//	│ listener │  │  (NMEA)  │  │ (ELM327) │
//	└────┬─────┘  └────┬─────┘  └────┬─────┘
//	     │ queue       │ pull        │ pull
//	┌────┴─────────────┴─────────────┴─────┐
//	│            Aggregation loop          │   one snapshot per cycle
//	└────┬───────┬────────┬────────┬───────┘
//	     │       │        │        │
//	┌────┴──┐ ┌──┴───┐ ┌──┴────┐ ┌─┴────┐
//	│ MQTT  │ │ Mesh │ │Traccar│ │ NATS │      sinks
//	└───────┘ └──────┘ └───────┘ └──────┘
//
// The CAN listener decodes frames against a configured signal catalog and
// pushes samples into a bounded queue; the loop drains the queue each
// cycle, keeping the newest value per signal. GPS and OBD are polled
// during the cycle. Sinks fail independently: a dead broker never blocks
// the cycle or the other transports.
//
// # Degraded operation
//
// Every source and sink tolerates absence of its device or peer. A vehicle
// with no GPS fix still reports bus data; an unreachable broker is retried
// in the background while other sinks keep delivering. The aggregation
// loop itself only stops on shutdown.
//
// # Packages
//
//   - config: JSON configuration merged over defaults, env overrides
//   - telemetry: the shared Sample, Position, and Snapshot data model
//   - input/canbus: SocketCAN listener and signal decoding
//   - source/gps, source/obd: serial position and diagnostic sources
//   - aggregator: the cycle loop
//   - output/mqttpub, output/mesh, output/traccar, output/natspub: sinks
//   - service: component lifecycle supervision
//   - metric: Prometheus registry and HTTP endpoint
//   - pkg/buffer, pkg/ratelimit, pkg/retry: shared utilities
//
// The cmd/vehiclestream binary wires all of this together from a single
// config file.
package vehiclestream
