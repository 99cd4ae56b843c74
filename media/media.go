// Package media defines the abstract surface of the underlying media engine.
// The control plane only orchestrates transports, producers and consumers;
// the concrete engine (an out-of-process RTC worker) is plugged in behind
// these interfaces and never implemented here.
package media

import (
	"context"
	"encoding/json"
)

// Kind is the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// StreamType is the logical slot a stream occupies inside a session. One
// producer per (session, stream type).
type StreamType string

const (
	StreamAudio  StreamType = "audio"
	StreamCamera StreamType = "camera"
	StreamScreen StreamType = "screen"
)

// StreamTypes lists every slot in a stable order.
var StreamTypes = []StreamType{StreamAudio, StreamCamera, StreamScreen}

// KindOf maps a stream type to its media kind.
func (t StreamType) KindOf() Kind {
	if t == StreamAudio {
		return KindAudio
	}
	return KindVideo
}

// Valid reports whether t is one of the three known slots.
func (t StreamType) Valid() bool {
	return t == StreamAudio || t == StreamCamera || t == StreamScreen
}

// RTP/ICE/DTLS/SCTP parameter blobs are negotiated between the engine and the
// client library; the control plane passes them through opaquely.

// TransportInfo is the engine-assigned connection material for one transport.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

// Stat is one entry of an engine stats report. Only the fields the control
// plane aggregates are modeled.
type Stat struct {
	Type      string `json:"type,omitempty"`
	Bitrate   int64  `json:"bitrate,omitempty"`
	ByteCount int64  `json:"byteCount,omitempty"`
}

// Producer is an uplink of one media stream.
type Producer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RTPParameters() json.RawMessage
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
}

// Consumer is a downlink of one media stream.
type Consumer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RTPParameters() json.RawMessage
	Close()
}

// Transport is one direction of encrypted media between a participant and
// the server.
type Transport interface {
	Info() TransportInfo
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind Kind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, capabilities json.RawMessage, paused bool) (Consumer, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	SetMaxOutgoingBitrate(ctx context.Context, bitrate int) error
	GetStats(ctx context.Context) ([]Stat, error)
	Close()
}

// WebRTCTransportOptions configure transport creation on a router.
type WebRTCTransportOptions struct {
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	EnableSCTP bool
	MaxSCTPMessageSize int
}

// Router negotiates codecs and builds transports for one channel.
type Router interface {
	RTPCapabilities() json.RawMessage
	CreateWebRTCTransport(ctx context.Context, opts WebRTCTransportOptions) (Transport, error)
	CanConsume(producerID string, capabilities json.RawMessage) bool
	Close()
}

// RouterOptions configure router creation on a worker.
type RouterOptions struct {
	MediaCodecs []Codec
}

// WebRTCServer is the per-worker UDP/TCP listener shared by every transport
// the worker hosts.
type WebRTCServer interface {
	ID() string
	Close()
}

// ListenInfo describes one listening socket of a WebRTCServer.
type ListenInfo struct {
	Protocol    string `json:"protocol"`
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
	Port        uint16 `json:"port,omitempty"`
}

// WebRTCServerOptions configure the per-worker listener.
type WebRTCServerOptions struct {
	ListenInfos []ListenInfo
}

// ResourceUsage mirrors the engine's rusage report; MaxRSS drives worker
// load balancing.
type ResourceUsage struct {
	MaxRSS      int64
	UserTime    int64
	SystemTime  int64
}

// Worker is one media engine process.
type Worker interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	CreateWebRTCServer(ctx context.Context, opts WebRTCServerOptions) (WebRTCServer, error)
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)
	// OnDied registers a callback fired once when the worker process dies
	// unexpectedly. Multiple callbacks may be registered; Close fires none.
	OnDied(fn func(err error))
	Close()
}

// WorkerSettings configure worker spawning.
type WorkerSettings struct {
	LogLevel   string
	RTCMinPort uint16
	RTCMaxPort uint16
}

// WorkerFactory spawns engine workers; the concrete engine provides it.
type WorkerFactory func(ctx context.Context, settings WorkerSettings) (Worker, error)
