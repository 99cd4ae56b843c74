// Package client is the Go client for the SFU gateway: it authenticates
// over the duplex link, answers the server's transport/consumer/ping
// requests and exposes the channel operations.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/realtime/ws"
	"github.com/meshcall/sfu/sfu"
)

// Handlers receives the server-initiated traffic. A nil InitTransports
// answers with empty capabilities and a nil InitConsumer accepts every
// downlink, which is enough for signalling-only clients.
type Handlers struct {
	// InitTransports answers the capability/transport exchange; the
	// returned payload is sent back as the client's RTP capabilities.
	InitTransports func(ctx context.Context, req sfu.InitTransportsRequest) (json.RawMessage, error)
	// InitConsumer mounts a downlink announced by the server.
	InitConsumer func(ctx context.Context, req sfu.InitConsumerRequest) error

	// OnBroadcast receives peer broadcasts.
	OnBroadcast func(b sfu.BroadcastOut)
	// OnPeerInfo receives info changes keyed by session id.
	OnPeerInfo func(change map[string]sfu.SessionInfo)
	// OnSessionLeave fires when a peer leaves the channel.
	OnSessionLeave func(leave sfu.SessionLeave)
	// OnClose fires once when the link goes down, with the terminal error
	// (nil on local close).
	OnClose func(err error)
}

// Client is one authenticated session on a channel.
type Client struct {
	link     *ws.Link
	bus      *bus.Bus
	handlers Handlers

	closeOnce sync.Once
	closeErr  error
}

// Bus exposes the underlying message bus for advanced integrations.
func (c *Client) Bus() *bus.Bus {
	if c == nil {
		return nil
	}
	return c.bus
}

// Close tears the link down. Safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.bus != nil {
			c.bus.Close()
		}
		if c.link != nil {
			c.closeErr = c.link.CloseWithStatus(ws.CloseClean, "")
		}
	})
	return c.closeErr
}

// Broadcast fans a payload out to every peer on the channel.
func (c *Client) Broadcast(payload json.RawMessage, batch bool) error {
	return c.send(sfu.MsgBroadcast, sfu.BroadcastIn{Payload: payload}, batch)
}

// SetInfo merges fields into the session's info record. With needRefresh
// the server answers with a full channel snapshot via OnPeerInfo.
func (c *Client) SetInfo(info sfu.SessionInfo, needRefresh bool) error {
	return c.send(sfu.MsgInfoChange, sfu.InfoChange{Info: info, NeedRefresh: needRefresh}, true)
}

// SetProduction pauses or resumes one of the session's own streams.
func (c *Client) SetProduction(t media.StreamType, active bool) error {
	return c.send(sfu.MsgProductionChange, sfu.ProductionChange{Type: t, Active: active}, true)
}

// SetConsumption pauses or resumes the session's downlinks of one peer.
func (c *Client) SetConsumption(sessionID string, states map[media.StreamType]bool) error {
	return c.send(sfu.MsgConsumptionChange, sfu.ConsumptionChange{SessionID: sessionID, States: states}, true)
}

// InitProducer asks the server to create an uplink for one stream.
func (c *Client) InitProducer(ctx context.Context, req sfu.InitProducerRequest) (sfu.InitProducerResponse, error) {
	var resp sfu.InitProducerResponse
	payload, err := c.request(ctx, sfu.ReqInitProducer, req)
	if err != nil {
		return resp, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &resp); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// ConnectCTSTransport completes the client-to-server transport's DTLS
// handshake.
func (c *Client) ConnectCTSTransport(ctx context.Context, dtlsParameters json.RawMessage) error {
	_, err := c.request(ctx, sfu.ReqConnectCTSTransport, sfu.ConnectTransportRequest{DTLSParameters: dtlsParameters})
	return err
}

// ConnectSTCTransport completes the server-to-client transport's DTLS
// handshake.
func (c *Client) ConnectSTCTransport(ctx context.Context, dtlsParameters json.RawMessage) error {
	_, err := c.request(ctx, sfu.ReqConnectSTCTransport, sfu.ConnectTransportRequest{DTLSParameters: dtlsParameters})
	return err
}

func (c *Client) send(name string, v any, batch bool) error {
	if c == nil || c.bus == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.bus.Send(bus.Message{Name: name, Payload: payload}, bus.SendOptions{Batch: batch})
}

func (c *Client) request(ctx context.Context, name string, v any) (json.RawMessage, error) {
	if c == nil || c.bus == nil {
		return nil, ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp, err := c.bus.Request(ctx, bus.Message{Name: name, Payload: payload}, bus.SendOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Message.Payload, nil
}

func (c *Client) handleRequest(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	switch msg.Name {
	case sfu.ReqPing:
		return nil, nil
	case sfu.ReqInitTransports:
		var req sfu.InitTransportsRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, err
		}
		if c.handlers.InitTransports == nil {
			return json.RawMessage(`{}`), nil
		}
		return c.handlers.InitTransports(ctx, req)
	case sfu.ReqInitConsumer:
		var req sfu.InitConsumerRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, err
		}
		if c.handlers.InitConsumer == nil {
			return nil, nil
		}
		return nil, c.handlers.InitConsumer(ctx, req)
	default:
		return nil, fmt.Errorf("unknown request %q", msg.Name)
	}
}

func (c *Client) handleMessage(msg bus.Message) {
	switch msg.Name {
	case sfu.MsgBroadcast:
		if c.handlers.OnBroadcast == nil {
			return
		}
		var b sfu.BroadcastOut
		if json.Unmarshal(msg.Payload, &b) == nil {
			c.handlers.OnBroadcast(b)
		}
	case sfu.MsgServerInfoChange:
		if c.handlers.OnPeerInfo == nil {
			return
		}
		var change map[string]sfu.SessionInfo
		if json.Unmarshal(msg.Payload, &change) == nil {
			c.handlers.OnPeerInfo(change)
		}
	case sfu.MsgSessionLeave:
		if c.handlers.OnSessionLeave == nil {
			return
		}
		var leave sfu.SessionLeave
		if json.Unmarshal(msg.Payload, &leave) == nil {
			c.handlers.OnSessionLeave(leave)
		}
	}
}

// closeCodeErr maps a gateway close code to the matching sentinel.
func closeCodeErr(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case ws.CloseAuthenticationFailed:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
	case ws.CloseChannelFull:
		return ErrChannelFull
	case ws.CloseTimeout:
		return ErrAuthTimeout
	default:
		return err
	}
}
