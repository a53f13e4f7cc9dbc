package packet

import "errors"

// Decode failures. These never cause silent coercion: a frame that fails
// any of these checks is rejected whole.
var (
	// ErrMalformedFrame is returned when a frame is not valid JSON, or is
	// valid JSON that does not shape into a Packet (missing body, a
	// payloadSize without a payloadTransferInfo object, or vice versa).
	ErrMalformedFrame = errors.New("packet: malformed frame")

	// ErrFrameTooLarge is returned when a frame exceeds the codec's
	// configured MaxFrameBytes.
	ErrFrameTooLarge = errors.New("packet: frame too large")

	// ErrInvalidType is returned when type is missing or empty, or is
	// present with a non-string JSON value.
	ErrInvalidType = errors.New("packet: invalid type")
)
