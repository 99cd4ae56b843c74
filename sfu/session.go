package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/sfuerrors"
)

// State is the session lifecycle state. CLOSED is terminal.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason explains why a session ended; the gateway maps it to a link
// close code.
type CloseReason string

const (
	CloseClean             CloseReason = "clean"
	CloseReplaced          CloseReason = "replaced"
	CloseKicked            CloseReason = "kicked"
	CloseError             CloseReason = "error"
	CloseConnectionTimeout CloseReason = "c_timeout"
	ClosePingTimeout       CloseReason = "p_timeout"
	CloseWSClosed          CloseReason = "ws_closed"
	CloseWSError           CloseReason = "ws_error"
	CloseChannelClosed     CloseReason = "channel_closed"
)

var errSessionClosed = sfuerrors.Wrap(sfuerrors.KindBus, sfuerrors.CodeSessionClosed, errors.New("session closed"))

// Session is one participant inside one channel. It owns its transports, its
// producers, its consumers of every peer, and its bus.
type Session struct {
	id      string
	channel *Channel
	cfg     *Config

	mu          sync.Mutex
	state       State
	b           *bus.Bus
	caps        json.RawMessage
	cts         media.Transport
	stc         media.Transport
	producers   map[media.StreamType]media.Producer
	consumers   map[string]map[media.StreamType]media.Consumer
	info        SessionInfo
	errs        []string
	recovery    map[string]*time.Timer
	connTimer   *time.Timer
	closeFns    []func(reason CloseReason)
	closeReason CloseReason

	closedCh chan struct{}
}

func newSession(id string, ch *Channel) *Session {
	return &Session{
		id:        id,
		channel:   ch,
		cfg:       ch.cfg,
		producers: make(map[media.StreamType]media.Producer),
		consumers: make(map[string]map[media.StreamType]media.Consumer),
		recovery:  make(map[string]*time.Timer),
		closedCh:  make(chan struct{}),
	}
}

// ID returns the issuer-supplied session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a copy of the session's info record.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Producer returns the producer mounted in the given slot, or nil.
func (s *Session) Producer(t media.StreamType) media.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[t]
}

// Consumer returns the consumer mounted for (peer, type), or nil.
func (s *Session) Consumer(peerID string, t media.StreamType) media.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[peerID][t]
}

// OnClose subscribes to the session end. When the session is already closed
// the callback fires immediately with the recorded reason.
func (s *Session) OnClose(fn func(reason CloseReason)) {
	s.mu.Lock()
	if s.state == StateClosed {
		reason := s.closeReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// Connect drives the session from NEW to CONNECTED over the given bus. It
// arms the connection deadline and the ping keepalive, negotiates transports
// when the channel has a router, then mounts consumers against every peer.
// Failures close the session; Connect never returns an error to the caller.
func (s *Session) Connect(b *bus.Bus) {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.b = b
	s.connTimer = time.AfterFunc(s.cfg.Timeouts.Session, func() {
		if s.State() != StateConnected {
			s.Close(CloseConnectionTimeout, "")
		}
	})
	s.mu.Unlock()

	b.OnMessage(s.handleMessage)
	b.OnRequest(s.handleRequest)
	go s.pingLoop()

	if router := s.channel.Router(); router != nil {
		if err := s.setupTransports(router); err != nil {
			if !errors.Is(err, errSessionClosed) {
				s.Close(CloseError, err.Error())
			}
			return
		}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	connTimer := s.connTimer
	s.mu.Unlock()
	if connTimer != nil {
		connTimer.Stop()
	}
	s.cfg.Logger.Printf("session %s connected to channel %s", s.id, s.channel.UUID())

	for _, peer := range s.channel.Sessions() {
		if peer == s {
			continue
		}
		go func(p *Session) {
			s.Consume(p)
			p.Consume(s)
		}(peer)
	}
}

// setupTransports creates both directions in parallel, exchanges
// capabilities with the client, and applies the bitrate caps. On a
// concurrent close both transports are released before returning.
func (s *Session) setupTransports(router media.Router) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Session)
	defer cancel()

	opts := media.WebRTCTransportOptions{
		EnableUDP:  true,
		EnableTCP:  true,
		PreferUDP:  true,
		EnableSCTP: true,
	}
	var cts, stc media.Transport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := router.CreateWebRTCTransport(gctx, opts)
		cts = t
		return err
	})
	g.Go(func() error {
		t, err := router.CreateWebRTCTransport(gctx, opts)
		stc = t
		return err
	})
	if err := g.Wait(); err != nil {
		if cts != nil {
			cts.Close()
		}
		if stc != nil {
			stc.Close()
		}
		return sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeTransportFailed, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		cts.Close()
		stc.Close()
		return errSessionClosed
	}
	s.cts, s.stc = cts, stc
	s.mu.Unlock()

	req := InitTransportsRequest{
		Capabilities: router.RTPCapabilities(),
		CTSConfig:    cts.Info(),
		STCConfig:    stc.Info(),
		ProducerOptionsByKind: map[string]any{
			"audio": map[string]any{},
			"video": map[string]any{"maxBitrate": s.cfg.MaxVideoBitrate},
		},
	}
	resp, err := s.request(ctx, ReqInitTransports, req, bus.SendOptions{Timeout: s.cfg.Timeouts.Session})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.caps = resp.Message.Payload
	s.mu.Unlock()

	if err := cts.SetMaxIncomingBitrate(ctx, s.cfg.MaxBitrateIn); err != nil {
		return sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeTransportFailed, err)
	}
	if err := stc.SetMaxOutgoingBitrate(ctx, s.cfg.MaxBitrateOut); err != nil {
		return sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeTransportFailed, err)
	}
	return nil
}

func (s *Session) pingLoop() {
	t := time.NewTicker(s.cfg.Timeouts.Ping)
	defer t.Stop()
	for {
		select {
		case <-s.closedCh:
			return
		case <-t.C:
			_, err := s.request(context.Background(), ReqPing, struct{}{}, bus.SendOptions{Timeout: s.cfg.Timeouts.Session})
			if err != nil {
				s.Close(ClosePingTimeout, "")
				return
			}
		}
	}
}

// request wraps bus.Request with latency accounting.
func (s *Session) request(ctx context.Context, name string, v any, opts bus.SendOptions) (bus.Payload, error) {
	s.mu.Lock()
	b := s.b
	s.mu.Unlock()
	if b == nil {
		return bus.Payload{}, errSessionClosed
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return bus.Payload{}, err
	}
	start := time.Now()
	resp, err := b.Request(ctx, bus.Message{Name: name, Payload: payload}, opts)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.cfg.Observer.RequestLatency(name, result, time.Since(start))
	return resp, err
}

func (s *Session) send(name string, v any, batch bool) {
	s.mu.Lock()
	b := s.b
	s.mu.Unlock()
	if b == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.cfg.Logger.Printf("session %s: marshal %s failed: %v", s.id, name, err)
		return
	}
	if err := b.Send(bus.Message{Name: name, Payload: payload}, bus.SendOptions{Batch: batch}); err != nil {
		s.cfg.Logger.Printf("session %s: send %s failed: %v", s.id, name, err)
	}
}

func (s *Session) handleRequest(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	switch msg.Name {
	case ReqConnectCTSTransport:
		return s.handleConnectTransport(ctx, msg.Payload, true)
	case ReqConnectSTCTransport:
		return s.handleConnectTransport(ctx, msg.Payload, false)
	case ReqInitProducer:
		return s.handleInitProducer(ctx, msg.Payload)
	default:
		return nil, fmt.Errorf("unknown request %q", msg.Name)
	}
}

func (s *Session) handleConnectTransport(ctx context.Context, payload json.RawMessage, cts bool) (json.RawMessage, error) {
	var req ConnectTransportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	t := s.stc
	if cts {
		t = s.cts
	}
	s.mu.Unlock()
	if t == nil {
		return nil, errSessionClosed
	}
	if err := t.Connect(ctx, req.DTLSParameters); err != nil {
		s.registerError(err)
		return nil, err
	}
	return nil, nil
}

func (s *Session) handleInitProducer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req InitProducerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown stream type %q", req.Type)
	}

	s.mu.Lock()
	prior := s.producers[req.Type]
	cts := s.cts
	s.mu.Unlock()
	if cts == nil {
		return nil, errSessionClosed
	}
	if prior != nil {
		prior.Close()
	}

	producer, err := cts.Produce(ctx, req.Kind, req.RTPParameters)
	if err != nil {
		s.registerError(err)
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		producer.Close()
		return nil, errSessionClosed
	}
	s.producers[req.Type] = producer
	switch req.Type {
	case media.StreamCamera:
		s.info.IsCameraOn = boolPtr(true)
	case media.StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(true)
	}
	info := s.info
	s.mu.Unlock()

	s.updateRemoteConsumers()
	s.broadcastInfo(info)

	resp, err := json.Marshal(InitProducerResponse{ID: producer.ID()})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Session) handleMessage(msg bus.Message) {
	var err error
	switch msg.Name {
	case MsgBroadcast:
		err = s.handleBroadcast(msg.Payload)
	case MsgProductionChange:
		err = s.handleProductionChange(msg.Payload)
	case MsgConsumptionChange:
		err = s.handleConsumptionChange(msg.Payload)
	case MsgInfoChange:
		err = s.handleInfoChange(msg.Payload)
	default:
		err = fmt.Errorf("unknown message %q", msg.Name)
	}
	if err != nil {
		s.cfg.Logger.Printf("session %s: %s failed: %v", s.id, msg.Name, err)
	}
}

func (s *Session) handleBroadcast(payload json.RawMessage) error {
	var req BroadcastIn
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	out := BroadcastOut{SenderID: s.id, Message: req.Payload}
	for _, peer := range s.channel.Sessions() {
		if peer == s {
			continue
		}
		peer.send(MsgBroadcast, out, true)
	}
	return nil
}

func (s *Session) handleProductionChange(payload json.RawMessage) error {
	var req ProductionChange
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return fmt.Errorf("unknown stream type %q", req.Type)
	}

	s.mu.Lock()
	switch req.Type {
	case media.StreamAudio:
		s.info.IsSelfMuted = boolPtr(!req.Active)
	case media.StreamCamera:
		s.info.IsCameraOn = boolPtr(req.Active)
	case media.StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(req.Active)
	}
	producer := s.producers[req.Type]
	info := s.info
	s.mu.Unlock()

	if producer != nil {
		ctx := context.Background()
		var err error
		if req.Active {
			err = producer.Resume(ctx)
		} else {
			err = producer.Pause(ctx)
		}
		if err != nil {
			s.registerError(err)
		}
	}
	s.updateRemoteConsumers()
	s.broadcastInfo(info)
	return nil
}

func (s *Session) handleConsumptionChange(payload json.RawMessage) error {
	var req ConsumptionChange
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	ctx := context.Background()
	for t, active := range req.States {
		s.mu.Lock()
		c := s.consumers[req.SessionID][t]
		s.mu.Unlock()
		if c == nil {
			continue
		}
		var err error
		if active {
			err = c.Resume(ctx)
		} else {
			err = c.Pause(ctx)
		}
		if err != nil {
			s.registerError(err)
		}
	}
	return nil
}

func (s *Session) handleInfoChange(payload json.RawMessage) error {
	var req InfoChange
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	s.mu.Lock()
	s.info.merge(req.Info)
	s.mu.Unlock()

	if req.NeedRefresh {
		s.send(MsgServerInfoChange, s.channel.InfoSnapshot(), false)
	}
	change := map[string]SessionInfo{s.id: req.Info}
	for _, peer := range s.channel.Sessions() {
		if peer == s {
			continue
		}
		peer.send(MsgServerInfoChange, change, true)
	}
	return nil
}

// updateRemoteConsumers schedules every peer to reconcile its consumers of
// this session.
func (s *Session) updateRemoteConsumers() {
	for _, peer := range s.channel.Sessions() {
		if peer == s {
			continue
		}
		go peer.Consume(s)
	}
}

func (s *Session) broadcastInfo(info SessionInfo) {
	change := map[string]SessionInfo{s.id: info}
	for _, peer := range s.channel.Sessions() {
		if peer == s {
			continue
		}
		peer.send(MsgServerInfoChange, change, true)
	}
}

// Consume reconciles this session's downlinks of peer: it lazily creates one
// consumer per producing slot the client can receive, and aligns each
// consumer's paused state with the producer. Idempotent and safe to call
// concurrently; a lost creation race closes the extra consumer.
func (s *Session) Consume(peer *Session) {
	if peer == nil || peer == s {
		return
	}
	router := s.channel.Router()
	if router == nil {
		return
	}
	if s.State() != StateConnected || peer.State() != StateConnected {
		return
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	_, watched := s.consumers[peer.id]
	if !watched {
		s.consumers[peer.id] = make(map[media.StreamType]media.Consumer)
	}
	s.mu.Unlock()
	if !watched {
		peer.OnClose(func(CloseReason) { s.dropPeerConsumers(peer.id) })
	}

	var failed error
	for _, t := range media.StreamTypes {
		if err := s.consumeType(router, peer, t); err != nil {
			failed = err
			s.closeConsumerSlot(peer.id, t)
			s.registerError(err)
		}
	}
	if failed != nil && peer.State() == StateConnected {
		s.armRecovery(peer)
	}
}

func (s *Session) consumeType(router media.Router, peer *Session, t media.StreamType) error {
	producer := peer.Producer(t)
	if producer == nil {
		return nil
	}

	s.mu.Lock()
	caps := s.caps
	stc := s.stc
	existing := s.consumers[peer.id][t]
	s.mu.Unlock()
	if stc == nil {
		return nil
	}
	if !router.CanConsume(producer.ID(), caps) {
		return nil
	}

	if existing == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Session)
		defer cancel()
		consumer, err := stc.Consume(ctx, producer.ID(), caps, true)
		if err != nil {
			return sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeConsumeFailed, err)
		}
		req := InitConsumerRequest{
			ID:            consumer.ID(),
			Kind:          consumer.Kind(),
			ProducerID:    producer.ID(),
			RTPParameters: consumer.RTPParameters(),
			SessionID:     peer.id,
			Active:        !producer.Paused(),
			Type:          t,
		}
		if _, err := s.request(ctx, ReqInitConsumer, req, bus.SendOptions{Batch: true}); err != nil {
			consumer.Close()
			return err
		}
		s.mu.Lock()
		slots := s.consumers[peer.id]
		if s.state != StateConnected || slots == nil {
			s.mu.Unlock()
			consumer.Close()
			return nil
		}
		prev := slots[t]
		slots[t] = consumer
		s.mu.Unlock()
		if prev != nil {
			prev.Close()
		}
		existing = consumer
	}

	if producer.Paused() != existing.Paused() {
		ctx := context.Background()
		var err error
		if producer.Paused() {
			err = existing.Pause(ctx)
		} else {
			err = existing.Resume(ctx)
		}
		if err != nil {
			return sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeConsumeFailed, err)
		}
	}
	return nil
}

func (s *Session) closeConsumerSlot(peerID string, t media.StreamType) {
	s.mu.Lock()
	slots := s.consumers[peerID]
	var c media.Consumer
	if slots != nil {
		c = slots[t]
		delete(slots, t)
	}
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *Session) dropPeerConsumers(peerID string) {
	s.mu.Lock()
	if t := s.recovery[peerID]; t != nil {
		t.Stop()
		delete(s.recovery, peerID)
	}
	slots := s.consumers[peerID]
	delete(s.consumers, peerID)
	s.mu.Unlock()
	for _, c := range slots {
		c.Close()
	}
}

// armRecovery schedules a single-shot retry of Consume(peer), replacing any
// prior timer for the same peer.
func (s *Session) armRecovery(peer *Session) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	if t := s.recovery[peer.id]; t != nil {
		t.Stop()
	}
	s.recovery[peer.id] = time.AfterFunc(s.cfg.Timeouts.Recovery, func() {
		s.mu.Lock()
		delete(s.recovery, peer.id)
		s.mu.Unlock()
		s.Consume(peer)
	})
	s.mu.Unlock()
}

func (s *Session) registerError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err.Error())
	over := len(s.errs) > s.cfg.MaxSessionErrors
	var cause string
	if over {
		cause = strings.Join(s.errs, "; ")
	}
	s.mu.Unlock()
	if over {
		s.Close(CloseError, cause)
	}
}

// Close terminates the session: timers cancelled, engine resources released,
// peers notified, close listeners fired. Idempotent; CHANNEL_CLOSED skips the
// per-session leave broadcast because the whole channel is going away.
func (s *Session) Close(reason CloseReason, cause string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasNew := s.state == StateNew
	s.state = StateClosed
	s.closeReason = reason
	close(s.closedCh)
	if s.connTimer != nil {
		s.connTimer.Stop()
		s.connTimer = nil
	}
	for id, t := range s.recovery {
		t.Stop()
		delete(s.recovery, id)
	}
	consumers := s.consumers
	producers := s.producers
	cts, stc := s.cts, s.stc
	s.consumers = make(map[string]map[media.StreamType]media.Consumer)
	s.producers = make(map[media.StreamType]media.Producer)
	s.cts, s.stc = nil, nil
	b := s.b
	fns := s.closeFns
	s.closeFns = nil
	s.mu.Unlock()

	if !wasNew && reason != CloseChannelClosed {
		leave := SessionLeave{SessionID: s.id}
		for _, peer := range s.channel.Sessions() {
			if peer == s {
				continue
			}
			peer.send(MsgSessionLeave, leave, true)
		}
	}

	for _, slots := range consumers {
		for _, c := range slots {
			c.Close()
		}
	}
	for _, p := range producers {
		p.Close()
	}
	if cts != nil {
		cts.Close()
	}
	if stc != nil {
		stc.Close()
	}

	if cause != "" {
		s.cfg.Logger.Printf("session %s closed (%s): %s", s.id, reason, cause)
	} else {
		s.cfg.Logger.Printf("session %s closed (%s)", s.id, reason)
	}
	s.cfg.Observer.SessionClose(string(reason))

	for _, fn := range fns {
		fn(reason)
	}
	if b != nil {
		b.Close()
	}
}
