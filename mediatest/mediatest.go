// Package mediatest provides an in-memory media engine used by the control
// plane tests. It honors the interface contracts (ids, paused state, died
// callbacks) without moving any media.
package mediatest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meshcall/sfu/media"
)

var seq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// Engine spawns fake workers and records them for inspection.
type Engine struct {
	mu      sync.Mutex
	workers []*Worker

	// FailProduce makes every Produce call fail; tests use it to exercise
	// the session error budget.
	FailProduce atomic.Bool
	// DenyConsume makes CanConsume return false for every producer.
	DenyConsume atomic.Bool
	// Bitrate is reported by every producer stats entry.
	Bitrate atomic.Int64
}

// NewEngine returns an engine whose producers report 1000 bps each.
func NewEngine() *Engine {
	e := &Engine{}
	e.Bitrate.Store(1000)
	return e
}

// Factory returns a media.WorkerFactory spawning fake workers.
func (e *Engine) Factory() media.WorkerFactory {
	return func(ctx context.Context, settings media.WorkerSettings) (media.Worker, error) {
		w := &Worker{engine: e, id: nextID("worker"), rss: 1 << 20}
		e.mu.Lock()
		e.workers = append(e.workers, w)
		e.mu.Unlock()
		return w, nil
	}
}

// Workers returns every worker spawned so far.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

// Worker is a fake engine worker.
type Worker struct {
	engine *Engine
	id     string

	mu     sync.Mutex
	rss    int64
	died   []func(err error)
	closed bool
}

// SetRSS overrides the resident memory the worker reports.
func (w *Worker) SetRSS(n int64) {
	w.mu.Lock()
	w.rss = n
	w.mu.Unlock()
}

// Die simulates an unexpected worker death.
func (w *Worker) Die(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	fns := w.died
	w.died = nil
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (w *Worker) CreateRouter(ctx context.Context, opts media.RouterOptions) (media.Router, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, errors.New("worker closed")
	}
	return &Router{engine: w.engine, id: nextID("router"), producers: make(map[string]*Producer)}, nil
}

func (w *Worker) CreateWebRTCServer(ctx context.Context, opts media.WebRTCServerOptions) (media.WebRTCServer, error) {
	return &webRTCServer{id: nextID("webrtcserver")}, nil
}

func (w *Worker) GetResourceUsage(ctx context.Context) (media.ResourceUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return media.ResourceUsage{}, errors.New("worker closed")
	}
	return media.ResourceUsage{MaxRSS: w.rss}, nil
}

func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	w.died = append(w.died, fn)
	w.mu.Unlock()
}

func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.died = nil
	w.mu.Unlock()
}

type webRTCServer struct{ id string }

func (s *webRTCServer) ID() string { return s.id }
func (s *webRTCServer) Close()     {}

// Router is a fake channel router tracking its producers so CanConsume and
// Consume can resolve producer ids.
type Router struct {
	engine *Engine
	id     string

	mu        sync.Mutex
	producers map[string]*Producer
}

func (r *Router) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":["fake"]}`)
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts media.WebRTCTransportOptions) (media.Transport, error) {
	return &Transport{router: r, id: nextID("transport")}, nil
}

func (r *Router) CanConsume(producerID string, capabilities json.RawMessage) bool {
	if r.engine.DenyConsume.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *Router) Close() {}

// Transport is a fake transport creating producers/consumers on demand.
type Transport struct {
	router *Router
	id     string

	mu         sync.Mutex
	inBitrate  int
	outBitrate int
	closed     bool
}

func (t *Transport) Info() media.TransportInfo {
	return media.TransportInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{}`),
	}
}

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind media.Kind, rtpParameters json.RawMessage) (media.Producer, error) {
	if t.router.engine.FailProduce.Load() {
		return nil, errors.New("produce refused")
	}
	p := &Producer{engine: t.router.engine, id: nextID("producer"), kind: kind, rtp: rtpParameters}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, capabilities json.RawMessage, paused bool) (media.Consumer, error) {
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown producer")
	}
	c := &Consumer{id: nextID("consumer"), kind: p.kind, producerID: producerID}
	c.paused.Store(paused)
	return c, nil
}

func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	t.mu.Lock()
	t.inBitrate = bitrate
	t.mu.Unlock()
	return nil
}

func (t *Transport) SetMaxOutgoingBitrate(ctx context.Context, bitrate int) error {
	t.mu.Lock()
	t.outBitrate = bitrate
	t.mu.Unlock()
	return nil
}

func (t *Transport) GetStats(ctx context.Context) ([]media.Stat, error) {
	return []media.Stat{{Type: "transport"}}, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Closed reports whether the transport was released.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producer is a fake uplink.
type Producer struct {
	engine *Engine
	id     string
	kind   media.Kind
	rtp    json.RawMessage

	paused atomic.Bool
	closed atomic.Bool
}

func (p *Producer) ID() string                      { return p.id }
func (p *Producer) Kind() media.Kind                { return p.kind }
func (p *Producer) Paused() bool                    { return p.paused.Load() }
func (p *Producer) RTPParameters() json.RawMessage  { return p.rtp }
func (p *Producer) Pause(ctx context.Context) error { p.paused.Store(true); return nil }
func (p *Producer) Resume(ctx context.Context) error {
	p.paused.Store(false)
	return nil
}
func (p *Producer) GetStats(ctx context.Context) ([]media.Stat, error) {
	return []media.Stat{{Type: "outbound-rtp", Bitrate: p.engine.Bitrate.Load()}}, nil
}
func (p *Producer) Close() { p.closed.Store(true) }

// Closed reports whether the producer was released.
func (p *Producer) Closed() bool { return p.closed.Load() }

// Consumer is a fake downlink.
type Consumer struct {
	id         string
	kind       media.Kind
	producerID string

	paused atomic.Bool
	closed atomic.Bool
}

func (c *Consumer) ID() string                       { return c.id }
func (c *Consumer) Kind() media.Kind                 { return c.kind }
func (c *Consumer) Paused() bool                     { return c.paused.Load() }
func (c *Consumer) RTPParameters() json.RawMessage   { return json.RawMessage(`{}`) }
func (c *Consumer) Pause(ctx context.Context) error  { c.paused.Store(true); return nil }
func (c *Consumer) Resume(ctx context.Context) error { c.paused.Store(false); return nil }
func (c *Consumer) Close()                           { c.closed.Store(true) }

// ProducerID returns the producer this consumer was built for.
func (c *Consumer) ProducerID() string { return c.producerID }

// Closed reports whether the consumer was released.
func (c *Consumer) Closed() bool { return c.closed.Load() }
