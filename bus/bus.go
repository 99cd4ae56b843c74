// Package bus implements the correlated request/response and broadcast layer
// the SFU runs over one duplex framed link. One network frame carries a JSON
// array of payloads so that batched messages travel together.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meshcall/sfu/observability"
	"github.com/meshcall/sfu/sfuerrors"
)

// Link is the abstract duplex text-frame connection the bus rides on. The
// websocket adapter lives in realtime/ws; tests use an in-memory pipe.
type Link interface {
	Send(frame []byte) error
	OnFrame(fn func(frame []byte))
	OnClose(fn func(err error))
	Close() error
}

// Message is one named payload exchanged between peers.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is the wire record wrapping a message with optional correlation.
type Payload struct {
	Message      Message `json:"message"`
	NeedResponse string  `json:"needResponse,omitempty"`
	ResponseTo   string  `json:"responseTo,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Side selects the correlation-id prefix so that ids minted on either end of
// the link can never collide.
type Side string

const (
	SideClient Side = "c"
	SideServer Side = "s"
)

const (
	// DefaultRequestTimeout bounds how long a Request waits for its response.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultBatchDelay is the trailing-edge batching window.
	DefaultBatchDelay = 300 * time.Millisecond
)

var (
	ErrClosed         = sfuerrors.Wrap(sfuerrors.KindBus, sfuerrors.CodeBusClosed, errors.New("bus closed"))
	ErrRequestTimeout = sfuerrors.Wrap(sfuerrors.KindTimeout, sfuerrors.CodeRequestTimeout, errors.New("bus request timed out"))
)

// RemoteError is a failure reported by the peer in a response payload.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Name, e.Message)
}

// Options tune a Bus; zero values fall back to the defaults above.
type Options struct {
	Side           Side
	ID             string
	BatchDelay     time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger
	// Observer receives the payload count of every flushed frame.
	Observer observability.BusObserver
}

// MessageHandler consumes fire-and-forget messages.
type MessageHandler func(msg Message)

// RequestHandler answers a request; the returned payload is sent back as the
// response. A returned error travels to the peer as a payload error.
type RequestHandler func(ctx context.Context, msg Message) (json.RawMessage, error)

type pendingRequest struct {
	name string
	ch   chan Payload
}

// Bus multiplexes requests, responses and messages over one Link.
type Bus struct {
	link    Link
	side    Side
	id      string
	delay    time.Duration
	timeout  time.Duration
	logger   *log.Logger
	observer observability.BusObserver

	mu        sync.Mutex
	seq       uint64
	pending   map[string]*pendingRequest
	queue     []Payload
	timer     *time.Timer
	closed    bool
	onMessage MessageHandler
	onRequest RequestHandler
}

// New wires a Bus onto a link. The bus owns the link from here on: link
// closure closes the bus and rejects every pending request.
func New(link Link, opts Options) *Bus {
	b := &Bus{
		link:     link,
		side:     opts.Side,
		id:       opts.ID,
		delay:    opts.BatchDelay,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		observer: opts.Observer,
		pending:  make(map[string]*pendingRequest),
	}
	if b.side == "" {
		b.side = SideServer
	}
	if b.id == "" {
		b.id = "0"
	}
	if b.delay <= 0 {
		b.delay = DefaultBatchDelay
	}
	if b.timeout <= 0 {
		b.timeout = DefaultRequestTimeout
	}
	if b.observer == nil {
		b.observer = observability.NoopBusObserver
	}
	link.OnFrame(b.handleFrame)
	link.OnClose(func(error) { b.Close() })
	return b
}

// OnMessage installs the fire-and-forget handler. Must be set before traffic
// flows; there is no unsubscription.
func (b *Bus) OnMessage(fn MessageHandler) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

// OnRequest installs the request handler.
func (b *Bus) OnRequest(fn RequestHandler) {
	b.mu.Lock()
	b.onRequest = fn
	b.mu.Unlock()
}

// SendOptions tune one send or request.
type SendOptions struct {
	// Batch queues the payload into the trailing-edge batch instead of
	// writing it immediately.
	Batch bool
	// Timeout overrides the bus request timeout for one Request.
	Timeout time.Duration
}

// Send transmits a fire-and-forget message.
func (b *Bus) Send(msg Message, opts SendOptions) error {
	return b.dispatch(Payload{Message: msg}, opts.Batch)
}

// Request transmits msg with a fresh correlation id and blocks until the
// response arrives, the deadline fires, the context is done, or the bus
// closes.
func (b *Bus) Request(ctx context.Context, msg Message, opts SendOptions) (Payload, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Payload{}, ErrClosed
	}
	b.seq++
	id := fmt.Sprintf("%s_%s_%d", b.side, b.id, b.seq)
	pr := &pendingRequest{name: msg.Name, ch: make(chan Payload, 1)}
	b.pending[id] = pr
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.dispatch(Payload{Message: msg, NeedResponse: id}, opts.Batch); err != nil {
		return Payload{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	case <-t.C:
		return Payload{}, ErrRequestTimeout
	case p, ok := <-pr.ch:
		if !ok {
			return Payload{}, ErrClosed
		}
		if p.Error != "" {
			return Payload{}, &RemoteError{Name: msg.Name, Message: p.Error}
		}
		return p, nil
	}
}

// dispatch writes the payload now or enqueues it per the batching discipline:
// an immediate first flush when no timer is armed, then accumulation until
// the timer fires.
func (b *Bus) dispatch(p Payload, batch bool) error {
	if !batch {
		return b.writeFrame([]Payload{p})
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.timer != nil {
		b.queue = append(b.queue, p)
		b.mu.Unlock()
		return nil
	}
	flush := append(b.queue, p)
	b.queue = nil
	b.timer = time.AfterFunc(b.delay, b.onBatchTimer)
	b.mu.Unlock()
	return b.writeFrame(flush)
}

func (b *Bus) onBatchTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	flush := b.queue
	b.queue = nil
	if len(flush) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	b.timer = time.AfterFunc(b.delay, b.onBatchTimer)
	b.mu.Unlock()
	if err := b.writeFrame(flush); err != nil && b.logger != nil {
		b.logger.Printf("bus %s: batch flush failed: %v", b.id, err)
	}
}

func (b *Bus) writeFrame(payloads []Payload) error {
	frame, err := json.Marshal(payloads)
	if err != nil {
		return err
	}
	b.observer.BatchFlush(len(payloads))
	return b.link.Send(frame)
}

// handleFrame iterates the payload array and dispatches each independently.
// Fire-and-forget messages run inline to preserve FIFO ordering; requests run
// in their own goroutine because handlers may block on media-engine calls.
func (b *Bus) handleFrame(frame []byte) {
	var payloads []Payload
	if err := json.Unmarshal(frame, &payloads); err != nil {
		if b.logger != nil {
			b.logger.Printf("bus %s: dropping malformed frame: %v", b.id, err)
		}
		return
	}
	for _, p := range payloads {
		switch {
		case p.ResponseTo != "":
			b.completePending(p)
		case p.NeedResponse != "":
			go b.answer(p)
		default:
			b.mu.Lock()
			fn := b.onMessage
			b.mu.Unlock()
			if fn != nil {
				fn(p.Message)
			}
		}
	}
}

func (b *Bus) completePending(p Payload) {
	b.mu.Lock()
	pr := b.pending[p.ResponseTo]
	delete(b.pending, p.ResponseTo)
	b.mu.Unlock()
	if pr == nil {
		return
	}
	select {
	case pr.ch <- p:
	default:
	}
}

func (b *Bus) answer(p Payload) {
	b.mu.Lock()
	fn := b.onRequest
	b.mu.Unlock()
	resp := Payload{ResponseTo: p.NeedResponse}
	if fn == nil {
		resp.Error = "no request handler"
	} else {
		payload, err := fn(context.Background(), p.Message)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Message = Message{Name: p.Message.Name, Payload: payload}
		}
	}
	if err := b.writeFrame([]Payload{resp}); err != nil && b.logger != nil {
		b.logger.Printf("bus %s: response write failed: %v", b.id, err)
	}
}

// Close rejects all pending requests, cancels the batch timer and closes the
// link. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()
	for _, pr := range pending {
		close(pr.ch)
	}
	_ = b.link.Close()
}

// Closed reports whether the bus has been closed.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
