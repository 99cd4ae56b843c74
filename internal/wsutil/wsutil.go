// Package wsutil computes websocket read limits for the batched message
// protocol, where one text frame carries a JSON array of payload envelopes.
package wsutil

import "math"

const (
	defaultMaxPayloadBytes  = 256 * 1024
	defaultMaxBatchPayloads = 64

	// envelopeOverheadBytes bounds the JSON envelope around one payload:
	// message name, correlation id, error object and field punctuation.
	envelopeOverheadBytes = 512
)

// ReadLimit returns a conservative per-frame read limit (in bytes) for a
// batched frame of up to maxBatchPayloads payloads of maxPayloadBytes each.
//
// Zero or negative arguments select the defaults.
func ReadLimit(maxPayloadBytes int, maxBatchPayloads int) int64 {
	pb := int64(maxPayloadBytes)
	if pb <= 0 {
		pb = defaultMaxPayloadBytes
	}
	bp := int64(maxBatchPayloads)
	if bp <= 0 {
		bp = defaultMaxBatchPayloads
	}

	per := pb
	if per > math.MaxInt64-envelopeOverheadBytes {
		return math.MaxInt64
	}
	per += envelopeOverheadBytes

	if per > math.MaxInt64/bp {
		return math.MaxInt64
	}
	// +2 for the array brackets.
	limit := per * bp
	if limit > math.MaxInt64-2 {
		return math.MaxInt64
	}
	return limit + 2
}
