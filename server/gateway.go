// Package server exposes the SFU over the network: the websocket gateway
// that authenticates duplex links and hands them to the core, and the
// versioned HTTP API for channel creation, stats and forced disconnects.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcall/sfu/auth"
	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/internal/wsutil"
	"github.com/meshcall/sfu/observability"
	"github.com/meshcall/sfu/realtime/ws"
	"github.com/meshcall/sfu/sfu"
)

// GatewayConfig tunes the websocket attach path.
type GatewayConfig struct {
	// GlobalKey verifies tokens for channels without a per-channel key.
	GlobalKey []byte
	// AllowedOrigins whitelists browser origins; empty allows every origin.
	AllowedOrigins []string
	// AuthenticationTimeout bounds the wait for the credentials frame.
	AuthenticationTimeout time.Duration
	// RequestTimeout and BatchDelay are forwarded to each session bus.
	RequestTimeout time.Duration
	BatchDelay     time.Duration
	// MaxPayloadBytes caps a single message payload; the per-frame read
	// limit is derived from it. Zero selects the default.
	MaxPayloadBytes int

	Logger *log.Logger
	// Observer receives connection metrics; BusObserver receives per-bus
	// flush metrics.
	Observer    observability.GatewayObserver
	BusObserver observability.BusObserver
}

// Gateway upgrades HTTP requests to duplex links, authenticates the first
// frame and attaches the link to a channel session.
type Gateway struct {
	cfg         GatewayConfig
	registry    *sfu.Registry
	checkOrigin func(r *http.Request) bool

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*ws.Link
	conns   atomic.Int64
	closed  bool
}

// NewGateway wires a gateway onto the registry.
func NewGateway(cfg GatewayConfig, registry *sfu.Registry) *Gateway {
	if cfg.AuthenticationTimeout <= 0 {
		cfg.AuthenticationTimeout = sfu.DefaultAuthenticationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopGatewayObserver
	}
	checkOrigin := func(*http.Request) bool { return true }
	if len(cfg.AllowedOrigins) > 0 {
		// Non-browser clients send no Origin header; only browser origins
		// are filtered.
		checkOrigin = ws.NewOriginChecker(cfg.AllowedOrigins, true)
	}
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		checkOrigin: checkOrigin,
		pending:     make(map[uint64]*ws.Link),
	}
}

// credentials is the first frame of the duplex link contract. Legacy clients
// send a bare token instead of the object form.
type credentials struct {
	ChannelUUID string `json:"channelUUID"`
	JWT         string `json:"jwt"`
}

// ServeHTTP upgrades the request and runs the attach sequence.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: g.checkOrigin})
	if err != nil {
		g.cfg.Observer.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	conn.SetReadLimit(wsutil.ReadLimit(g.cfg.MaxPayloadBytes, 0))
	link := ws.NewLink(conn)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = link.CloseWithStatus(ws.CloseLeaving, "shutting down")
		return
	}
	g.nextID++
	id := g.nextID
	g.pending[id] = link
	g.mu.Unlock()
	g.cfg.Observer.ConnCount(g.conns.Add(1))

	link.OnClose(func(error) {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
		g.cfg.Observer.ConnCount(g.conns.Add(-1))
	})

	deadline := time.AfterFunc(g.cfg.AuthenticationTimeout, func() {
		g.cfg.Observer.Attach(observability.AttachResultFail, observability.AttachReasonTimeout)
		_ = link.CloseWithStatus(ws.CloseTimeout, "authentication deadline")
	})

	var once sync.Once
	link.OnFrame(func(frame []byte) {
		once.Do(func() {
			deadline.Stop()
			g.attach(id, link, frame)
		})
	})
	link.Start()
}

// attach runs once per link with the credentials frame. Any failure closes
// the link with the matching close code.
func (g *Gateway) attach(id uint64, link *ws.Link, frame []byte) {
	fail := func(code int, reason observability.AttachReason, text string) {
		g.cfg.Observer.Attach(observability.AttachResultFail, reason)
		_ = link.CloseWithStatus(code, text)
	}

	creds, ok := parseCredentials(frame)
	if !ok {
		fail(ws.CloseAuthenticationFailed, observability.AttachReasonInvalidCredentials, "invalid credentials")
		return
	}

	var (
		channel *sfu.Channel
		claims  auth.Claims
		err     error
	)
	if creds.ChannelUUID != "" {
		channel = g.registry.Get(creds.ChannelUUID)
		key := g.cfg.GlobalKey
		if channel != nil && channel.Key() != "" {
			key = []byte(channel.Key())
		}
		claims, err = auth.Verify(creds.JWT, key, time.Time{})
		if err != nil {
			fail(ws.CloseAuthenticationFailed, observability.AttachReasonInvalidToken, "invalid token")
			return
		}
	} else {
		// Legacy path: the channel binding lives inside the token, so only
		// the global key can verify it. Channels with their own key refuse
		// this path outright.
		claims, err = auth.Verify(creds.JWT, g.cfg.GlobalKey, time.Time{})
		if err != nil {
			fail(ws.CloseAuthenticationFailed, observability.AttachReasonInvalidToken, "invalid token")
			return
		}
		channel = g.registry.Get(claims.ChannelUUID)
		if channel != nil && channel.Key() != "" {
			fail(ws.CloseAuthenticationFailed, observability.AttachReasonLegacyKeyedChannel, "token form not accepted")
			return
		}
	}
	if channel == nil {
		fail(ws.CloseAuthenticationFailed, observability.AttachReasonUnknownChannel, "unknown channel")
		return
	}
	if claims.SessionID == "" {
		fail(ws.CloseAuthenticationFailed, observability.AttachReasonMissingSessionID, "missing session id")
		return
	}

	session, err := channel.Join(claims.SessionID)
	if err != nil {
		if errors.Is(err, sfu.ErrChannelFull) {
			fail(ws.CloseChannelFull, observability.AttachReasonChannelFull, "channel full")
			return
		}
		fail(ws.CloseError, observability.AttachReasonJoinFailed, "join failed")
		return
	}

	// The empty frame is the "authenticated" signal; the client treats the
	// first received frame as ready.
	if err := link.Send([]byte{}); err != nil {
		session.Close(sfu.CloseWSError, err.Error())
		return
	}

	b := bus.New(link, bus.Options{
		Side:           bus.SideServer,
		ID:             strconv.FormatUint(id, 10),
		BatchDelay:     g.cfg.BatchDelay,
		RequestTimeout: g.cfg.RequestTimeout,
		Logger:         g.cfg.Logger,
		Observer:       g.cfg.BusObserver,
	})
	link.OnClose(func(err error) {
		if err != nil {
			session.Close(sfu.CloseWSError, err.Error())
		} else {
			session.Close(sfu.CloseWSClosed, "")
		}
	})
	session.OnClose(func(reason sfu.CloseReason) {
		_ = link.CloseWithStatus(closeCodeFor(reason), string(reason))
	})
	// attach runs on the link's read pump and Connect round-trips requests
	// over that same link; inline it would block on responses the pump can
	// no longer read.
	go session.Connect(b)

	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
	g.cfg.Observer.Attach(observability.AttachResultOK, observability.AttachReasonOK)
}

// parseCredentials accepts the object form, a JSON string token, or a raw
// token.
func parseCredentials(frame []byte) (credentials, bool) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return credentials{}, false
	}
	if trimmed[0] == '{' {
		var c credentials
		if err := json.Unmarshal(trimmed, &c); err != nil || c.JWT == "" {
			return credentials{}, false
		}
		return c, true
	}
	if trimmed[0] == '"' {
		var token string
		if err := json.Unmarshal(trimmed, &token); err != nil || token == "" {
			return credentials{}, false
		}
		return credentials{JWT: token}, true
	}
	return credentials{JWT: string(trimmed)}, true
}

// closeCodeFor maps a session close reason to the wire close code.
func closeCodeFor(reason sfu.CloseReason) int {
	switch reason {
	case sfu.CloseError:
		return ws.CloseError
	case sfu.CloseKicked, sfu.CloseReplaced, sfu.CloseChannelClosed:
		return ws.CloseKicked
	case sfu.CloseConnectionTimeout, sfu.ClosePingTimeout:
		return ws.CloseTimeout
	default:
		return ws.CloseClean
	}
}

// ConnCount returns the number of live links, pending included.
func (g *Gateway) ConnCount() int64 { return g.conns.Load() }

// Close refuses new links and tears down the pending ones. Authenticated
// links are owned by their sessions and close through the registry.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := make([]*ws.Link, 0, len(g.pending))
	for _, l := range g.pending {
		pending = append(pending, l)
	}
	g.pending = make(map[uint64]*ws.Link)
	g.mu.Unlock()
	for _, l := range pending {
		_ = l.CloseWithStatus(ws.CloseLeaving, "shutting down")
	}
}
