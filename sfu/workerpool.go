package sfu

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcall/sfu/media"
	"github.com/meshcall/sfu/sfuerrors"
)

var errPoolClosed = sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeWorkerDied, errors.New("worker pool closed"))

const (
	respawnBaseDelay = time.Second
	respawnMaxDelay  = 30 * time.Second
	respawnAttempts  = 5
)

// WorkerHandle pairs an engine worker with its shared listener.
type WorkerHandle struct {
	Worker media.Worker
	Server media.WebRTCServer
}

// WorkerPool owns the media engine workers. Routers are placed on the least
// loaded worker by resident set size. A dead worker is respawned with capped
// exponential backoff; when respawning keeps failing the pool keeps serving
// from the remaining workers.
type WorkerPool struct {
	cfg     *Config
	factory media.WorkerFactory

	mu      sync.Mutex
	workers []*WorkerHandle
	closed  bool
}

// NewWorkerPool spawns the workers. The pool size is NumWorkers clamped to
// the hardware parallelism; zero means one worker per CPU.
func NewWorkerPool(ctx context.Context, cfg Config, factory media.WorkerFactory) (*WorkerPool, error) {
	c := cfg.withDefaults()
	n := c.NumWorkers
	if n <= 0 || n > runtime.GOMAXPROCS(0) {
		n = runtime.GOMAXPROCS(0)
	}
	p := &WorkerPool{cfg: &c, factory: factory}
	for i := 0; i < n; i++ {
		h, err := p.spawn(ctx, uint16(i))
		if err != nil {
			p.Close()
			return nil, sfuerrors.Wrap(sfuerrors.KindMedia, sfuerrors.CodeWorkerDied, err)
		}
		p.mu.Lock()
		p.workers = append(p.workers, h)
		p.mu.Unlock()
	}
	c.Logger.Printf("worker pool ready with %d workers", n)
	return p, nil
}

func (p *WorkerPool) spawn(ctx context.Context, slot uint16) (*WorkerHandle, error) {
	w, err := p.factory(ctx, media.WorkerSettings{
		LogLevel:   "warn",
		RTCMinPort: p.cfg.RTCMinPort,
		RTCMaxPort: p.cfg.RTCMaxPort,
	})
	if err != nil {
		return nil, err
	}

	port := p.cfg.RTCMinPort + slot
	infos := []media.ListenInfo{
		{Protocol: "udp", IP: p.cfg.RTCInterface, AnnouncedIP: p.cfg.PublicIP, Port: port},
		{Protocol: "tcp", IP: p.cfg.RTCInterface, AnnouncedIP: p.cfg.PublicIP, Port: port},
	}
	server, err := w.CreateWebRTCServer(ctx, media.WebRTCServerOptions{ListenInfos: infos})
	if err != nil {
		w.Close()
		return nil, err
	}

	h := &WorkerHandle{Worker: w, Server: server}
	w.OnDied(func(err error) { p.handleDeath(h, slot, err) })
	return h, nil
}

func (p *WorkerPool) handleDeath(h *WorkerHandle, slot uint16, cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for i, w := range p.workers {
		if w == h {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.cfg.Logger.Printf("media worker died: %v", cause)

	go func() {
		delay := respawnBaseDelay
		for attempt := 1; attempt <= respawnAttempts; attempt++ {
			if p.Closed() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			nh, err := p.spawn(ctx, slot)
			cancel()
			if err == nil {
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					nh.Server.Close()
					nh.Worker.Close()
					return
				}
				p.workers = append(p.workers, nh)
				p.mu.Unlock()
				p.cfg.Observer.WorkerRespawn()
				p.cfg.Logger.Printf("media worker respawned after %d attempt(s)", attempt)
				return
			}
			p.cfg.Logger.Printf("media worker respawn attempt %d failed: %v", attempt, err)
			time.Sleep(delay)
			delay *= 2
			if delay > respawnMaxDelay {
				delay = respawnMaxDelay
			}
		}
		p.cfg.Logger.Printf("media worker respawn abandoned; continuing with %d workers", p.Size())
	}()
}

// Size returns the live worker count.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Closed reports whether the pool has been shut down.
func (p *WorkerPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// GetWorker returns the least loaded worker. Usage is queried from every
// worker in parallel; a worker whose query fails is skipped for this pick.
func (p *WorkerPool) GetWorker(ctx context.Context) (*WorkerHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	workers := make([]*WorkerHandle, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()
	if len(workers) == 0 {
		return nil, errPoolClosed
	}
	if len(workers) == 1 {
		return workers[0], nil
	}

	rss := make([]int64, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range workers {
		i, h := i, h
		g.Go(func() error {
			usage, err := h.Worker.GetResourceUsage(gctx)
			if err != nil {
				rss[i] = math.MaxInt64
				return nil
			}
			rss[i] = usage.MaxRSS
			return nil
		})
	}
	_ = g.Wait()

	best := 0
	for i := 1; i < len(workers); i++ {
		if rss[i] < rss[best] {
			best = i
		}
	}
	return workers[best], nil
}

// Close shuts every worker down. Idempotent.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, h := range workers {
		h.Server.Close()
		h.Worker.Close()
	}
}
