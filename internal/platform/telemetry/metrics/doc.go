// Package metrics provides operational metrics collection.
//
// # Metric Categories
//
//   - Connections: live websocket sessions
//   - Frames: inbound frames by type, rejected frames by error code
//   - History: strokes committed, undo/redo/clear actions
//   - Orphans: active strokes resolved by the disconnect or idle policy
//   - Delivery: broadcasts dropped for slow subscribers
//
// # Integration
//
// A Collector owns its own registry, so tests and multiple servers in one
// process never collide on registration. Recording methods are nil-safe.
package metrics
