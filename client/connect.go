package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/internal/contextutil"
	"github.com/meshcall/sfu/origin"
	"github.com/meshcall/sfu/realtime/ws"
)

// Credentials binds a connection to a channel. ChannelUUID selects the
// channel explicitly; leaving it empty sends the bare legacy token, whose
// channel binding lives inside the token itself.
type Credentials struct {
	ChannelUUID string `json:"channelUUID"`
	Token       string `json:"jwt"`
}

// Connect dials the gateway, authenticates and returns a live client.
//
// The returned client is ready once Connect returns: the gateway has
// accepted the credentials and the session has joined its channel.
func Connect(ctx context.Context, gatewayURL string, creds Credentials, opts ...ConnectOption) (*Client, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, ErrMissingURL
	}
	if creds.Token == "" {
		return nil, ErrMissingToken
	}
	cfg, err := applyConnectOptions(opts)
	if err != nil {
		return nil, err
	}

	org := cfg.origin
	if org == "" {
		if org, err = origin.FromWSURL(gatewayURL); err != nil {
			return nil, err
		}
	}

	connectCtx, cancel := contextutil.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	h := cloneHeader(cfg.header)
	h.Set("Origin", org)
	conn, _, err := ws.Dial(connectCtx, gatewayURL, ws.DialOptions{Header: h, Dialer: cfg.dialer})
	if err != nil {
		return nil, err
	}

	var frame []byte
	if creds.ChannelUUID == "" {
		frame = []byte(creds.Token)
	} else {
		if frame, err = json.Marshal(creds); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := conn.WriteMessage(connectCtx, websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// The first inbound frame is the empty "authenticated" signal; a close
	// before it carries the refusal code.
	if err := awaitReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, closeCodeErr(err)
	}

	c := &Client{
		link:     ws.NewLink(conn),
		handlers: cfg.handlers,
	}
	c.bus = bus.New(c.link, bus.Options{
		Side:           bus.SideClient,
		BatchDelay:     cfg.batchDelay,
		RequestTimeout: cfg.requestTimeout,
	})
	c.bus.OnRequest(c.handleRequest)
	c.bus.OnMessage(c.handleMessage)
	if fn := cfg.handlers.OnClose; fn != nil {
		c.link.OnClose(fn)
	}
	c.link.Start()
	return c, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		cp := make([]string, len(vv))
		copy(cp, vv)
		out[k] = cp
	}
	return out
}

func awaitReady(ctx context.Context, conn *ws.Conn) error {
	for {
		mt, frame, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		if len(frame) == 0 {
			return nil
		}
		// The gateway never speaks before the ready frame; tolerate and
		// drop anything unexpected.
	}
}
