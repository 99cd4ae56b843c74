// Command sfu-loadgen drives synthetic conferencing load against an SFU:
// it creates channels over the HTTP API, joins sessions over the gateway
// and exchanges broadcasts at a fixed rate. Without --server it starts an
// in-process SFU and loads that.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcall/sfu/auth"
	"github.com/meshcall/sfu/client"
	"github.com/meshcall/sfu/internal/cmdutil"
	"github.com/meshcall/sfu/origin"
	"github.com/meshcall/sfu/server"
	"github.com/meshcall/sfu/sfu"
)

type loadConfig struct {
	serverURL         string
	keyB64            string
	channels          int
	sessionsPerChan   int
	ratePerSec        int
	duration          time.Duration
	reportInterval    time.Duration
	broadcastInterval time.Duration
	payloadBytes      int
	connTimeout       time.Duration
}

type latencyStats struct {
	Count  int     `json:"count"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

type report struct {
	Channels      int          `json:"channels"`
	Sessions      int          `json:"sessions"`
	ConnectOK     int64        `json:"connect_ok"`
	ConnectFail   int64        `json:"connect_fail"`
	BroadcastSent int64        `json:"broadcast_sent"`
	BroadcastRecv int64        `json:"broadcast_recv"`
	Connect       latencyStats `json:"connect_latency"`
}

type collector struct {
	connectOK     atomic.Int64
	connectFail   atomic.Int64
	broadcastSent atomic.Int64
	broadcastRecv atomic.Int64

	mu       sync.Mutex
	connects []time.Duration
}

func (c *collector) recordConnect(d time.Duration) {
	c.connectOK.Add(1)
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

func (c *collector) connectLatency() latencyStats {
	c.mu.Lock()
	samples := make([]time.Duration, len(c.connects))
	copy(samples, c.connects)
	c.mu.Unlock()
	return summarize(samples)
}

func summarize(samples []time.Duration) latencyStats {
	out := latencyStats{Count: len(samples)}
	if len(samples) == 0 {
		return out
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	q := func(p float64) time.Duration {
		idx := int(p * float64(len(samples)-1))
		return samples[idx]
	}
	out.MinMs = ms(samples[0])
	out.MaxMs = ms(samples[len(samples)-1])
	out.MeanMs = ms(sum / time.Duration(len(samples)))
	out.P50Ms = ms(q(0.50))
	out.P95Ms = ms(q(0.95))
	out.P99Ms = ms(q(0.99))
	return out
}

func main() {
	cfg := loadConfig{
		channels:          10,
		sessionsPerChan:   4,
		ratePerSec:        50,
		duration:          30 * time.Second,
		reportInterval:    2 * time.Second,
		broadcastInterval: time.Second,
		payloadBytes:      256,
		connTimeout:       10 * time.Second,
	}

	flag.StringVar(&cfg.serverURL, "server", "", "SFU HTTP base URL (empty: start an in-process SFU)")
	flag.StringVar(&cfg.keyB64, "key", "", "base64 global signing key (required with --server)")
	flag.IntVar(&cfg.channels, "channels", cfg.channels, "channel count")
	flag.IntVar(&cfg.sessionsPerChan, "sessions", cfg.sessionsPerChan, "sessions per channel")
	flag.IntVar(&cfg.ratePerSec, "rate", cfg.ratePerSec, "connection attempts per second (0 = max)")
	flag.DurationVar(&cfg.duration, "duration", cfg.duration, "steady duration after all sessions joined")
	flag.DurationVar(&cfg.reportInterval, "report-interval", cfg.reportInterval, "status report interval")
	flag.DurationVar(&cfg.broadcastInterval, "broadcast-interval", cfg.broadcastInterval, "per-session broadcast interval (0 disables)")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", cfg.payloadBytes, "broadcast payload size")
	flag.DurationVar(&cfg.connTimeout, "conn-timeout", cfg.connTimeout, "per-connection timeout")
	flag.Parse()

	logger := log.New(os.Stderr, "[loadgen] ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	key, baseURL, stop, err := resolveTarget(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer stop()

	if err := runLoad(ctx, cfg, key, baseURL, logger); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

// resolveTarget returns the signing key and API base URL, starting an
// in-process SFU when no server was given.
func resolveTarget(cfg loadConfig, logger *log.Logger) ([]byte, string, func(), error) {
	if cfg.serverURL != "" {
		if cfg.keyB64 == "" {
			return nil, "", nil, fmt.Errorf("--key is required with --server")
		}
		key, err := base64.StdEncoding.DecodeString(cfg.keyB64)
		if err != nil {
			return nil, "", nil, fmt.Errorf("invalid --key: %w", err)
		}
		return key, strings.TrimRight(cfg.serverURL, "/"), func() {}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, "", nil, err
	}
	sup, err := server.NewSupervisor(server.SupervisorConfig{
		GlobalKey: key,
		Core:      sfu.Config{Logger: log.New(io.Discard, "", 0)},
		Logger:    logger,
	})
	if err != nil {
		return nil, "", nil, err
	}
	if err := sup.Start(context.Background()); err != nil {
		return nil, "", nil, err
	}
	logger.Printf("in-process SFU on %s", sup.Addr())
	return key, "http://" + sup.Addr(), sup.Stop, nil
}

func runLoad(ctx context.Context, cfg loadConfig, key []byte, baseURL string, logger *log.Logger) error {
	stats := &collector{}
	payload, err := json.Marshal(map[string]string{
		"data": strings.Repeat("x", cfg.payloadBytes),
	})
	if err != nil {
		return err
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	org, err := origin.ForGateway(wsURL, baseURL)
	if err != nil {
		return err
	}

	var throttle <-chan time.Time
	if cfg.ratePerSec > 0 {
		t := time.NewTicker(time.Second / time.Duration(cfg.ratePerSec))
		defer t.Stop()
		throttle = t.C
	}

	var mu sync.Mutex
	var clients []*client.Client
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(64)
	for i := 0; i < cfg.channels; i++ {
		channelUUID, err := createChannel(gctx, cfg, key, baseURL, i)
		if err != nil {
			return fmt.Errorf("create channel %d: %w", i, err)
		}
		for j := 0; j < cfg.sessionsPerChan; j++ {
			if throttle != nil {
				select {
				case <-throttle:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			sessionID := fmt.Sprintf("s-%d-%d", i, j)
			g.Go(func() error {
				c, err := joinSession(gctx, cfg, key, wsURL, org, channelUUID, sessionID, stats)
				if err != nil {
					stats.connectFail.Add(1)
					logger.Printf("join %s: %v", sessionID, err)
					return nil
				}
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	reportTicker := time.NewTicker(cfg.reportInterval)
	defer reportTicker.Stop()
	var broadcastTicker *time.Ticker
	var broadcastC <-chan time.Time
	if cfg.broadcastInterval > 0 {
		broadcastTicker = time.NewTicker(cfg.broadcastInterval)
		defer broadcastTicker.Stop()
		broadcastC = broadcastTicker.C
	}
	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return finalReport(cfg, stats)
		case <-deadline.C:
			return finalReport(cfg, stats)
		case <-broadcastC:
			mu.Lock()
			snapshot := make([]*client.Client, len(clients))
			copy(snapshot, clients)
			mu.Unlock()
			for _, c := range snapshot {
				if c.Broadcast(payload, true) == nil {
					stats.broadcastSent.Add(1)
				}
			}
		case <-reportTicker.C:
			logger.Printf("ok=%d fail=%d sent=%d recv=%d",
				stats.connectOK.Load(), stats.connectFail.Load(),
				stats.broadcastSent.Load(), stats.broadcastRecv.Load())
		}
	}
}

func createChannel(ctx context.Context, cfg loadConfig, key []byte, baseURL string, n int) (string, error) {
	token, err := auth.Sign(auth.Claims{Iss: fmt.Sprintf("loadgen-%d", n)}, key, "")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/channel", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "jwt "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("channel create: %d: %s", resp.StatusCode, body)
	}
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

func joinSession(ctx context.Context, cfg loadConfig, key []byte, wsURL, org, channelUUID, sessionID string, stats *collector) (*client.Client, error) {
	token, err := auth.Sign(auth.Claims{SessionID: sessionID}, key, "")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	c, err := client.Connect(ctx, wsURL, client.Credentials{
		ChannelUUID: channelUUID,
		Token:       token,
	},
		client.WithOrigin(org),
		client.WithConnectTimeout(cfg.connTimeout),
		client.WithHandlers(client.Handlers{
			OnBroadcast: func(sfu.BroadcastOut) { stats.broadcastRecv.Add(1) },
		}),
	)
	if err != nil {
		return nil, err
	}
	stats.recordConnect(time.Since(start))
	return c, nil
}

func finalReport(cfg loadConfig, stats *collector) error {
	out := report{
		Channels:      cfg.channels,
		Sessions:      cfg.channels * cfg.sessionsPerChan,
		ConnectOK:     stats.connectOK.Load(),
		ConnectFail:   stats.connectFail.Load(),
		BroadcastSent: stats.broadcastSent.Load(),
		BroadcastRecv: stats.broadcastRecv.Load(),
		Connect:       stats.connectLatency(),
	}
	return cmdutil.WriteJSON(os.Stdout, out, true)
}
