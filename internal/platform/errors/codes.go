// Package errors provides structured error handling for inkroom sessions.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Frame errors
	CodeFrameInvalid         Code = "FRAME_INVALID"
	CodeFrameTooLarge        Code = "FRAME_TOO_LARGE"
	CodeFrameTypeUnsupported Code = "FRAME_TYPE_UNSUPPORTED"
	CodePayloadInvalid       Code = "PAYLOAD_INVALID"

	// Connection errors
	CodeRateLimited Code = "RATE_LIMITED"

	// Room errors
	CodeRoomNotFound Code = "ROOM_NOT_FOUND"

	// Pub/sub errors
	CodePubSubUnavailable Code = "PUBSUB_UNAVAILABLE"
)

// Wire codes are the coarse categories written into websocket error frames.
const (
	WireInvalidArgument   = "INVALID_ARGUMENT"
	WireResourceExhausted = "RESOURCE_EXHAUSTED"
	WireNotFound          = "NOT_FOUND"
	WireUnavailable       = "UNAVAILABLE"
	WireInternal          = "INTERNAL"
)

// WireCode maps domain codes to the coarse code clients switch on.
func (c Code) WireCode() string {
	switch c {
	case CodeFrameInvalid,
		CodeFrameTooLarge,
		CodeFrameTypeUnsupported,
		CodePayloadInvalid:
		return WireInvalidArgument
	case CodeRateLimited:
		return WireResourceExhausted
	case CodeRoomNotFound:
		return WireNotFound
	case CodePubSubUnavailable:
		return WireUnavailable
	default:
		return WireInternal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the REST surface.
func (c Code) HTTPStatus() int {
	switch c.WireCode() {
	case WireInvalidArgument:
		return http.StatusBadRequest
	case WireResourceExhausted:
		return http.StatusTooManyRequests
	case WireNotFound:
		return http.StatusNotFound
	case WireUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may resend the same frame later.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodePubSubUnavailable:
		return true
	default:
		return false
	}
}
