// Package board hosts the inkroom drawing service: websocket sessions that
// relay strokes between the members of a room and keep each room's history
// authoritative.
package board
