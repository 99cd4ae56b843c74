// Package sfu implements the coordination core of the SFU: the channel and
// session lifecycle, the producer/consumer mesh orchestration, the worker
// pool and the process-wide registry. Media itself is delegated to the
// abstract engine in package media.
package sfu

import (
	"log"
	"time"

	"github.com/meshcall/sfu/observability"
)

// Timeouts groups every deadline the core arms. Zero values fall back to the
// defaults below.
type Timeouts struct {
	// Authentication bounds the gateway first-message handshake.
	Authentication time.Duration
	// Session bounds the NEW->CONNECTED transition and each ping request.
	Session time.Duration
	// Ping is the keepalive request interval.
	Ping time.Duration
	// Recovery delays the per-peer consumer retry after a failure.
	Recovery time.Duration
	// Channel is the idle-close deadline armed while a channel holds at
	// most one session.
	Channel time.Duration
	// Request is the bus-level default request timeout.
	Request time.Duration
	// BatchDelay is the trailing-edge bus batching window.
	BatchDelay time.Duration
}

const (
	DefaultAuthenticationTimeout = 10 * time.Second
	DefaultSessionTimeout        = 10 * time.Second
	DefaultPingInterval          = 60 * time.Second
	DefaultRecoveryDelay         = 2 * time.Second
	DefaultChannelTimeout        = time.Hour
	DefaultChannelSize           = 100
	DefaultMaxSessionErrors      = 6
	DefaultMaxBitrateIn          = 8_000_000
	DefaultMaxBitrateOut         = 10_000_000
	DefaultMaxVideoBitrate       = 4_000_000
	DefaultRTCMinPort            = 40000
	DefaultRTCMaxPort            = 49999
)

// Config carries the process-wide settings of the core.
type Config struct {
	// ChannelSize caps sessions per channel.
	ChannelSize int
	// MaxSessionErrors is the per-session media error budget.
	MaxSessionErrors int
	// NumWorkers caps the media worker pool; it is further clamped to the
	// hardware parallelism.
	NumWorkers int

	PublicIP     string
	RTCInterface string
	RTCMinPort   uint16
	RTCMaxPort   uint16

	// AudioCodecs/VideoCodecs hold configured codec names; empty selects
	// every known codec.
	AudioCodecs []string
	VideoCodecs []string

	MaxBitrateIn    int
	MaxBitrateOut   int
	MaxVideoBitrate int

	Timeouts Timeouts

	Logger   *log.Logger
	Observer Observer
}

// Observer is the metric surface the core reports to.
type Observer interface {
	observability.CoreObserver
	observability.BusObserver
}

type noopObserver struct {
	observability.CoreObserver
	observability.BusObserver
}

// withDefaults fills unset fields; it never mutates the receiver.
func (c Config) withDefaults() Config {
	if c.ChannelSize <= 0 {
		c.ChannelSize = DefaultChannelSize
	}
	if c.MaxSessionErrors <= 0 {
		c.MaxSessionErrors = DefaultMaxSessionErrors
	}
	if c.RTCMinPort == 0 {
		c.RTCMinPort = DefaultRTCMinPort
	}
	if c.RTCMaxPort == 0 {
		c.RTCMaxPort = DefaultRTCMaxPort
	}
	if c.MaxBitrateIn <= 0 {
		c.MaxBitrateIn = DefaultMaxBitrateIn
	}
	if c.MaxBitrateOut <= 0 {
		c.MaxBitrateOut = DefaultMaxBitrateOut
	}
	if c.MaxVideoBitrate <= 0 {
		c.MaxVideoBitrate = DefaultMaxVideoBitrate
	}
	if c.Timeouts.Authentication <= 0 {
		c.Timeouts.Authentication = DefaultAuthenticationTimeout
	}
	if c.Timeouts.Session <= 0 {
		c.Timeouts.Session = DefaultSessionTimeout
	}
	if c.Timeouts.Ping <= 0 {
		c.Timeouts.Ping = DefaultPingInterval
	}
	if c.Timeouts.Recovery <= 0 {
		c.Timeouts.Recovery = DefaultRecoveryDelay
	}
	if c.Timeouts.Channel <= 0 {
		c.Timeouts.Channel = DefaultChannelTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Observer == nil {
		c.Observer = noopObserver{
			CoreObserver: observability.NoopCoreObserver,
			BusObserver:  observability.NoopBusObserver,
		}
	}
	return c
}
