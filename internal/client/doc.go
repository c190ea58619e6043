// Package client joins an inkroom room over websocket and keeps a local
// mirror of it.
//
// State applies local strokes optimistically and reconciles them with the
// server's authoritative messages: a finished stroke echoed by the server
// replaces the local copy with the same id, and init or snapshot frames
// replace committed history wholesale. Client periodically requests a
// snapshot, which is the only recovery path for lost deltas.
package client
