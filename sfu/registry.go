package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/sfuerrors"
)

var (
	// ErrUnknownChannel is returned when a channel uuid or issuer resolves to
	// nothing.
	ErrUnknownChannel = sfuerrors.Wrap(sfuerrors.KindAuthentication, sfuerrors.CodeUnknownChannel, errors.New("unknown channel"))
)

// SafeIssuer qualifies a claimed issuer name with the network address that
// presented it, so two tenants claiming the same name from different hosts
// never collide on one channel.
func SafeIssuer(remoteAddr, iss string) string {
	return remoteAddr + "::" + iss
}

// Registry owns every live channel, indexed both by uuid and by the creating
// issuer. Channel creation is idempotent per issuer.
type Registry struct {
	cfg  Config
	pool *WorkerPool

	mu       sync.Mutex
	byUUID   map[string]*Channel
	byIssuer map[string]*Channel
	closed   bool
}

// NewRegistry builds a registry on top of an optional worker pool; a nil pool
// disables media and every channel runs signalling-only.
func NewRegistry(cfg Config, pool *WorkerPool) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		byUUID:   make(map[string]*Channel),
		byIssuer: make(map[string]*Channel),
	}
}

// Config returns the registry's effective configuration.
func (r *Registry) Config() *Config { return &r.cfg }

// CreateChannel returns the issuer's channel, creating it on first use. The
// created flag reports whether this call made it. A per-channel key binds
// every later token for the channel to that key.
func (r *Registry) CreateChannel(ctx context.Context, remoteAddr, issuer, key string, webRTC bool) (*Channel, bool, error) {
	safeIssuer := SafeIssuer(remoteAddr, issuer)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, errChannelClosed
	}
	if ch := r.byIssuer[safeIssuer]; ch != nil {
		r.mu.Unlock()
		return ch, false, nil
	}
	r.mu.Unlock()

	var (
		worker *WorkerHandle
		router media.Router
	)
	if webRTC && r.pool != nil {
		var err error
		worker, err = r.pool.GetWorker(ctx)
		if err != nil {
			return nil, false, err
		}
		router, err = worker.Worker.CreateRouter(ctx, media.RouterOptions{
			MediaCodecs: media.SelectCodecs(r.cfg.AudioCodecs, r.cfg.VideoCodecs),
		})
		if err != nil {
			return nil, false, sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeWorkerDied, err)
		}
	}

	id := uuid.NewString()
	ch := newChannel(id, remoteAddr, issuer, key, &r.cfg, worker, router)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ch.Close()
		return nil, false, errChannelClosed
	}
	// Lost a creation race: keep the winner, discard ours.
	if existing := r.byIssuer[safeIssuer]; existing != nil {
		r.mu.Unlock()
		ch.Close()
		return existing, false, nil
	}
	r.byUUID[id] = ch
	r.byIssuer[safeIssuer] = ch
	n := len(r.byUUID)
	r.mu.Unlock()

	if worker != nil {
		worker.Worker.OnDied(func(error) { ch.Close() })
	}

	ch.OnClose(func() {
		r.mu.Lock()
		if r.byUUID[id] == ch {
			delete(r.byUUID, id)
		}
		if r.byIssuer[safeIssuer] == ch {
			delete(r.byIssuer, safeIssuer)
		}
		left := len(r.byUUID)
		r.mu.Unlock()
		r.cfg.Observer.ChannelCount(left)
	})

	r.cfg.Observer.ChannelCount(n)
	r.cfg.Logger.Printf("channel %s created for %s (webRTC=%v)", id, safeIssuer, webRTC)
	return ch, true, nil
}

// Get resolves a channel by uuid.
func (r *Registry) Get(uuid string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUUID[uuid]
}

// GetByIssuer resolves a channel by its creating issuer.
func (r *Registry) GetByIssuer(safeIssuer string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byIssuer[safeIssuer]
}

// Join admits a session into the channel with the given uuid.
func (r *Registry) Join(channelUUID, sessionID string) (*Session, error) {
	ch := r.Get(channelUUID)
	if ch == nil {
		return nil, ErrUnknownChannel
	}
	return ch.Join(sessionID)
}

// Disconnect kicks the listed sessions out of the listed channels. A channel
// is only touched when the requesting address equals the address that created
// it; everything else is silently skipped. Returns the number of sessions
// kicked.
func (r *Registry) Disconnect(remoteAddr string, byChannel map[string][]string) int {
	kicked := 0
	for uuid, sessionIDs := range byChannel {
		ch := r.Get(uuid)
		if ch == nil || ch.RemoteAddr() != remoteAddr {
			continue
		}
		for _, id := range sessionIDs {
			if s := ch.Session(id); s != nil {
				s.Close(CloseKicked, "")
				kicked++
			}
		}
	}
	return kicked
}

// Channels returns a snapshot of every live channel.
func (r *Registry) Channels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.byUUID))
	for _, ch := range r.byUUID {
		out = append(out, ch)
	}
	return out
}

// GlobalStats is the process-wide aggregate.
type GlobalStats struct {
	ChannelCount    int   `json:"channelCount"`
	SessionCount    int   `json:"sessionCount"`
	IncomingBitrate int64 `json:"incomingBitrate"`
	WorkerCount     int   `json:"workerCount"`
}

// GetAllStats queries every channel in parallel and reports the aggregate
// bitrate to the observer.
func (r *Registry) GetAllStats(ctx context.Context) ([]Stats, error) {
	channels := r.Channels()
	out := make([]Stats, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			st, err := ch.GetStats(gctx)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var total int64
	for _, st := range out {
		total += st.Bitrate.Total
	}
	r.cfg.Observer.IncomingBitrate(float64(total))
	return out, nil
}

// GetStats folds the per-channel reports into the process-wide aggregate.
func (r *Registry) GetStats(ctx context.Context) (GlobalStats, error) {
	all, err := r.GetAllStats(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	out := GlobalStats{ChannelCount: len(all)}
	if r.pool != nil {
		out.WorkerCount = r.pool.Size()
	}
	for _, st := range all {
		out.SessionCount += st.SessionCount
		out.IncomingBitrate += st.Bitrate.Total
	}
	return out, nil
}

// CloseAll tears down every channel but leaves the registry usable; used by
// the soft reset signal.
func (r *Registry) CloseAll() {
	for _, ch := range r.Channels() {
		ch.Close()
	}
}

// Close tears down every channel and refuses further creation.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.CloseAll()
}
