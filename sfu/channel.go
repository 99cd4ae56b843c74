package sfu

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/sfuerrors"
)

var (
	errChannelClosed = sfuerrors.Wrap(sfuerrors.KindBus, sfuerrors.CodeSessionClosed, errors.New("channel closed"))
	// ErrChannelFull is returned by Join when the channel is at capacity.
	ErrChannelFull = sfuerrors.Wrap(sfuerrors.KindOvercrowded, sfuerrors.CodeChannelFull, errors.New("channel full"))
)

// Channel is one conference room: a bounded set of sessions sharing a media
// router. A channel idles out when it holds at most one session for the
// configured deadline.
type Channel struct {
	uuid       string
	remoteAddr string
	issuer     string
	key        string
	cfg        *Config
	worker     *WorkerHandle
	router     media.Router

	mu        sync.Mutex
	sessions  map[string]*Session
	idleTimer *time.Timer
	closed    bool
	closeFns  []func()
}

func newChannel(uuid, remoteAddr, issuer, key string, cfg *Config, worker *WorkerHandle, router media.Router) *Channel {
	ch := &Channel{
		uuid:       uuid,
		remoteAddr: remoteAddr,
		issuer:     issuer,
		key:        key,
		cfg:        cfg,
		worker:     worker,
		router:     router,
		sessions:   make(map[string]*Session),
	}
	ch.mu.Lock()
	ch.armIdleLocked()
	ch.mu.Unlock()
	return ch
}

// UUID returns the channel id.
func (ch *Channel) UUID() string { return ch.uuid }

// RemoteAddr returns the network address that created the channel.
func (ch *Channel) RemoteAddr() string { return ch.remoteAddr }

// Issuer returns the issuer name that created the channel.
func (ch *Channel) Issuer() string { return ch.issuer }

// Key returns the per-channel signing key, empty when the channel trusts the
// global key.
func (ch *Channel) Key() string { return ch.key }

// Router returns the channel's media router, nil when media is disabled.
func (ch *Channel) Router() media.Router { return ch.router }

// Closed reports whether the channel has been torn down.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Size returns the current session count.
func (ch *Channel) Size() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sessions)
}

// Sessions returns a point-in-time snapshot of the member sessions.
func (ch *Channel) Sessions() []*Session {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Session, 0, len(ch.sessions))
	for _, s := range ch.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the member with the given id, or nil.
func (ch *Channel) Session(id string) *Session {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sessions[id]
}

// OnClose subscribes to channel teardown. Fires immediately when already
// closed.
func (ch *Channel) OnClose(fn func()) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		fn()
		return
	}
	ch.closeFns = append(ch.closeFns, fn)
	ch.mu.Unlock()
}

// Join admits a session under the given id. A member with the same id is
// replaced: the previous session closes with REPLACED and the new one takes
// the slot. Returns ErrChannelFull at capacity.
func (ch *Channel) Join(sessionID string) (*Session, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, errChannelClosed
	}
	prior := ch.sessions[sessionID]
	if prior == nil && len(ch.sessions) >= ch.cfg.ChannelSize {
		ch.mu.Unlock()
		return nil, ErrChannelFull
	}
	s := newSession(sessionID, ch)
	ch.sessions[sessionID] = s
	if len(ch.sessions) > 1 {
		ch.stopIdleLocked()
	}
	ch.mu.Unlock()

	if prior != nil {
		prior.Close(CloseReplaced, "")
	}

	// Removal is identity-checked so a replacement that closed the old
	// session never evicts its successor.
	s.OnClose(func(CloseReason) {
		ch.mu.Lock()
		if ch.sessions[sessionID] == s {
			delete(ch.sessions, sessionID)
		}
		if !ch.closed && len(ch.sessions) <= 1 {
			ch.armIdleLocked()
		}
		ch.mu.Unlock()
	})

	ch.cfg.Observer.SessionJoin()
	return s, nil
}

// armIdleLocked (re)arms the idle-close deadline. Caller holds ch.mu.
func (ch *Channel) armIdleLocked() {
	if ch.idleTimer != nil {
		ch.idleTimer.Stop()
	}
	ch.idleTimer = time.AfterFunc(ch.cfg.Timeouts.Channel, func() {
		ch.mu.Lock()
		idle := !ch.closed && len(ch.sessions) <= 1
		ch.mu.Unlock()
		if idle {
			ch.cfg.Logger.Printf("channel %s idled out", ch.uuid)
			ch.Close()
		}
	})
}

func (ch *Channel) stopIdleLocked() {
	if ch.idleTimer != nil {
		ch.idleTimer.Stop()
		ch.idleTimer = nil
	}
}

// InfoSnapshot returns the info records of every member.
func (ch *Channel) InfoSnapshot() map[string]SessionInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make(map[string]SessionInfo, len(ch.sessions))
	for id, s := range ch.sessions {
		out[id] = s.Info()
	}
	return out
}

// SessionStats is the per-session slice of a channel stats report.
type SessionStats struct {
	Info    SessionInfo                       `json:"info"`
	Streams map[media.StreamType][]media.Stat `json:"streams,omitempty"`
}

// BitrateStats is the per-slot incoming bitrate aggregate of a channel.
type BitrateStats struct {
	Audio  int64 `json:"audio"`
	Camera int64 `json:"camera"`
	Screen int64 `json:"screen"`
	Total  int64 `json:"total"`
}

// Stats is the channel-level aggregate.
type Stats struct {
	UUID         string       `json:"uuid"`
	SessionCount int          `json:"sessionCount"`
	CamerasOn    int          `json:"camerasOn"`
	ScreensOn    int          `json:"screensOn"`
	Bitrate      BitrateStats `json:"bitrate"`
}

// GetStats aggregates producer bitrate across every member in parallel.
func (ch *Channel) GetStats(ctx context.Context) (Stats, error) {
	sessions := ch.Sessions()
	out := Stats{UUID: ch.uuid, SessionCount: len(sessions)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		for _, t := range media.StreamTypes {
			t := t
			p := s.Producer(t)
			if p == nil {
				continue
			}
			if !p.Paused() {
				switch t {
				case media.StreamCamera:
					out.CamerasOn++
				case media.StreamScreen:
					out.ScreensOn++
				}
			}
			g.Go(func() error {
				stats, err := p.GetStats(gctx)
				if err != nil {
					return err
				}
				var sum int64
				for _, st := range stats {
					sum += st.Bitrate
				}
				mu.Lock()
				switch t {
				case media.StreamAudio:
					out.Bitrate.Audio += sum
				case media.StreamCamera:
					out.Bitrate.Camera += sum
				case media.StreamScreen:
					out.Bitrate.Screen += sum
				}
				out.Bitrate.Total += sum
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// GetSessionsStats returns each member's info record and per-slot producer
// stats, queried in parallel.
func (ch *Channel) GetSessionsStats(ctx context.Context) (map[string]SessionStats, error) {
	sessions := ch.Sessions()
	out := make(map[string]SessionStats, len(sessions))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		mu.Lock()
		out[s.ID()] = SessionStats{Info: s.Info(), Streams: make(map[media.StreamType][]media.Stat)}
		mu.Unlock()
		for _, t := range media.StreamTypes {
			t := t
			p := s.Producer(t)
			if p == nil {
				continue
			}
			g.Go(func() error {
				stats, err := p.GetStats(gctx)
				if err != nil {
					return err
				}
				mu.Lock()
				out[s.ID()].Streams[t] = stats
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears the channel down: every member closes with CHANNEL_CLOSED, the
// router is released, close listeners fire. Idempotent.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.stopIdleLocked()
	sessions := make([]*Session, 0, len(ch.sessions))
	for _, s := range ch.sessions {
		sessions = append(sessions, s)
	}
	ch.sessions = make(map[string]*Session)
	fns := ch.closeFns
	ch.closeFns = nil
	ch.mu.Unlock()

	for _, s := range sessions {
		s.Close(CloseChannelClosed, "")
	}
	if ch.router != nil {
		ch.router.Close()
	}
	ch.cfg.Logger.Printf("channel %s closed", ch.uuid)
	for _, fn := range fns {
		fn()
	}
}
