package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/mediatest"
)

// memLink is an in-memory bus.Link pair half.
type memLink struct {
	mu      sync.Mutex
	peer    *memLink
	onFrame func([]byte)
	onClose func(error)
	closed  bool
}

func newLinkPair() (*memLink, *memLink) {
	a := &memLink{}
	b := &memLink{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *memLink) Send(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link closed")
	}
	l.mu.Unlock()

	l.peer.mu.Lock()
	fn := l.peer.onFrame
	l.peer.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
	return nil
}

func (l *memLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

func (l *memLink) OnClose(fn func(error)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *memLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn(nil)
	}

	l.peer.mu.Lock()
	peerClosed := l.peer.closed
	l.peer.closed = true
	peerFn := l.peer.onClose
	l.peer.mu.Unlock()
	if !peerClosed && peerFn != nil {
		peerFn(errors.New("peer closed"))
	}
	return nil
}

// testClient scripts the remote end of a session bus: it answers the
// transport/ping/consumer requests and records everything the server sends.
type testClient struct {
	bus *bus.Bus

	// FailConsume makes INIT_CONSUMER requests fail.
	FailConsume atomic.Bool
	// FailPing makes PING requests fail.
	FailPing atomic.Bool
	// MuteTransports drops INIT_TRANSPORTS on the floor.
	MuteTransports atomic.Bool

	mu           sync.Mutex
	messages     []bus.Message
	consumerReqs []InitConsumerRequest
}

func (c *testClient) handleRequest(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	switch msg.Name {
	case ReqInitTransports:
		if c.MuteTransports.Load() {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"codecs":["test"]}`), nil
	case ReqPing:
		if c.FailPing.Load() {
			return nil, errors.New("no pong")
		}
		return nil, nil
	case ReqInitConsumer:
		if c.FailConsume.Load() {
			return nil, errors.New("consumer refused")
		}
		var req InitConsumerRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.consumerReqs = append(c.consumerReqs, req)
		c.mu.Unlock()
		return nil, nil
	default:
		return nil, errors.New("unexpected request " + msg.Name)
	}
}

func (c *testClient) handleMessage(msg bus.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

// Messages returns the recorded server->client messages with the given name.
func (c *testClient) Messages(name string) []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Message
	for _, m := range c.messages {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// ConsumerReqs returns the recorded INIT_CONSUMER requests.
func (c *testClient) ConsumerReqs() []InitConsumerRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]InitConsumerRequest, len(c.consumerReqs))
	copy(out, c.consumerReqs)
	return out
}

// Request sends a client->server request and waits for the answer.
func (c *testClient) Request(t *testing.T, name string, v any) (bus.Payload, error) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	return c.bus.Request(context.Background(), bus.Message{Name: name, Payload: payload}, bus.SendOptions{})
}

// Send sends a client->server fire-and-forget message.
func (c *testClient) Send(t *testing.T, name string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	if err := c.bus.Send(bus.Message{Name: name, Payload: payload}, bus.SendOptions{}); err != nil {
		t.Fatalf("send %s: %v", name, err)
	}
}

func newClientBus(l bus.Link) *bus.Bus {
	return bus.New(l, bus.Options{Side: bus.SideClient, BatchDelay: 10 * time.Millisecond})
}

func newServerBus(l bus.Link) *bus.Bus {
	return bus.New(l, bus.Options{Side: bus.SideServer, BatchDelay: 10 * time.Millisecond})
}

func testConfig() Config {
	return Config{
		Logger: log.New(io.Discard, "", 0),
		Timeouts: Timeouts{
			Session:    2 * time.Second,
			Recovery:   30 * time.Millisecond,
			BatchDelay: 10 * time.Millisecond,
		},
	}
}

// newTestRegistry builds a registry backed by a single fake worker.
func newTestRegistry(t *testing.T, cfg Config) (*Registry, *mediatest.Engine) {
	t.Helper()
	engine := mediatest.NewEngine()
	cfg.NumWorkers = 1
	pool, err := NewWorkerPool(context.Background(), cfg, engine.Factory())
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	t.Cleanup(pool.Close)
	reg := NewRegistry(cfg, pool)
	t.Cleanup(reg.Close)
	return reg, engine
}

func newTestChannel(t *testing.T, reg *Registry) *Channel {
	t.Helper()
	ch, _, err := reg.CreateChannel(context.Background(), "10.0.0.1", "issuer", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

// connectSession joins the channel and drives the session to CONNECTED over
// an in-memory link with a scripted client.
func connectSession(t *testing.T, ch *Channel, id string) (*Session, *testClient) {
	t.Helper()
	s, tc := startSession(t, ch, id)
	waitFor(t, func() bool { return s.State() == StateConnected }, "session %s connected", id)
	return s, tc
}

// startSession joins and starts Connect without waiting for CONNECTED.
func startSession(t *testing.T, ch *Channel, id string) (*Session, *testClient) {
	t.Helper()
	s, err := ch.Join(id)
	if err != nil {
		t.Fatalf("Join %s: %v", id, err)
	}
	clientHalf, serverHalf := newLinkPair()
	clientBus := bus.New(clientHalf, bus.Options{Side: bus.SideClient, ID: id, BatchDelay: 10 * time.Millisecond})
	serverBus := bus.New(serverHalf, bus.Options{Side: bus.SideServer, ID: id, BatchDelay: 10 * time.Millisecond})
	tc := &testClient{bus: clientBus}
	clientBus.OnRequest(tc.handleRequest)
	clientBus.OnMessage(tc.handleMessage)
	go s.Connect(serverBus)
	return s, tc
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: "+format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
