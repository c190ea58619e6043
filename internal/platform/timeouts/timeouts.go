// Package timeouts defines shared timeout constants used across inkroom
// commands. Centralizing these values keeps server and client defaults from
// drifting apart.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StrokeIdle is how long an active stroke may go without a new point before
// the idle sweeper resolves it as orphaned.
const StrokeIdle = 30 * time.Second

// SnapshotPoll is the client's periodic snapshot re-request interval.
const SnapshotPoll = 5 * time.Second

// ClientWrite caps a single client websocket write.
const ClientWrite = 10 * time.Second

// RedisDial caps the startup ping against the pub/sub backend.
const RedisDial = 3 * time.Second
