package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcall/sfu/internal/defaults"
)

// ConnectOption configures dialing, timeouts and handlers for Connect.
//
// Omit an option to use the library default. For timeouts, a value of 0
// disables the timeout.
type ConnectOption func(*connectOptions) error

type connectOptions struct {
	header http.Header
	dialer *websocket.Dialer
	origin string

	connectTimeout time.Duration
	requestTimeout time.Duration
	batchDelay     time.Duration

	handlers Handlers
}

func defaultConnectOptions() connectOptions {
	return connectOptions{
		connectTimeout: defaults.ConnectTimeout,
		requestTimeout: defaults.RequestTimeout,
		batchDelay:     defaults.BatchDelay,
	}
}

func applyConnectOptions(opts []ConnectOption) (connectOptions, error) {
	cfg := defaultConnectOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return connectOptions{}, err
		}
	}
	return cfg, nil
}

// WithHeader adds extra HTTP headers for the websocket handshake.
func WithHeader(h http.Header) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.header = h
		return nil
	}
}

// WithDialer sets a custom gorilla/websocket dialer (proxy/TLS/etc).
func WithDialer(d *websocket.Dialer) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.dialer = d
		return nil
	}
}

// WithOrigin overrides the Origin header; the default is derived from the
// gateway URL.
func WithOrigin(o string) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.origin = o
		return nil
	}
}

// WithConnectTimeout bounds the dial plus the authentication round trip;
// 0 disables the timeout.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(cfg *connectOptions) error {
		if d < 0 {
			return fmt.Errorf("connect timeout must be >= 0")
		}
		cfg.connectTimeout = d
		return nil
	}
}

// WithRequestTimeout bounds a single bus request; 0 disables the timeout.
func WithRequestTimeout(d time.Duration) ConnectOption {
	return func(cfg *connectOptions) error {
		if d < 0 {
			return fmt.Errorf("request timeout must be >= 0")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithBatchDelay sets the trailing-edge batching window for outbound
// messages.
func WithBatchDelay(d time.Duration) ConnectOption {
	return func(cfg *connectOptions) error {
		if d < 0 {
			return fmt.Errorf("batch delay must be >= 0")
		}
		cfg.batchDelay = d
		return nil
	}
}

// WithHandlers installs the media and event handlers. Handlers left nil
// fall back to signalling-only defaults.
func WithHandlers(h Handlers) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.handlers = h
		return nil
	}
}
