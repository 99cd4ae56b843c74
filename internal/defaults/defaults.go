// Package defaults holds the client-side connection defaults.
package defaults

import "time"

const (
	// ConnectTimeout bounds the websocket dial plus the authentication
	// round trip.
	ConnectTimeout = 10 * time.Second
	// RequestTimeout bounds a single bus request.
	RequestTimeout = 5 * time.Second
	// BatchDelay is the trailing-edge batching window for outbound
	// messages.
	BatchDelay = 300 * time.Millisecond
)
