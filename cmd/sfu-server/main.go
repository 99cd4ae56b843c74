// Command sfu-server runs the SFU control plane: the websocket gateway, the
// versioned HTTP API and the media worker pool, behind one TCP listener.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/meshcall/sfu/internal/cmdutil"
	sfuversion "github.com/meshcall/sfu/internal/version"
	"github.com/meshcall/sfu/observability"
	"github.com/meshcall/sfu/observability/prom"
	"github.com/meshcall/sfu/server"
	"github.com/meshcall/sfu/sfu"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Status string `json:"status"`

	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`

	Listen     string `json:"listen"`
	HTTPURL    string `json:"http_url"`
	WSURL      string `json:"ws_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	showVersion := false
	listen := cmdutil.EnvString("SFU_LISTEN", "127.0.0.1:8080")
	keyB64 := cmdutil.EnvString("SFU_KEY", "")
	keyFile := cmdutil.EnvString("SFU_KEY_FILE", "")
	publicIP := cmdutil.EnvString("SFU_PUBLIC_IP", "")
	rtcInterface := cmdutil.EnvString("SFU_RTC_INTERFACE", "0.0.0.0")
	corsOrigin := cmdutil.EnvString("SFU_CORS_ORIGIN", "")
	metricsListen := cmdutil.EnvString("SFU_METRICS_LISTEN", "")
	allowedOrigins := cmdutil.SplitCSVEnv("SFU_ALLOWED_ORIGINS")
	audioCodecs := cmdutil.SplitCSVEnv("SFU_AUDIO_CODECS")
	videoCodecs := cmdutil.SplitCSVEnv("SFU_VIDEO_CODECS")
	trustProxy, err := cmdutil.EnvBool("SFU_TRUST_PROXY", false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	numWorkers, err := cmdutil.EnvInt("SFU_NUM_WORKERS", 0)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	channelSize, err := cmdutil.EnvInt("SFU_CHANNEL_SIZE", sfu.DefaultChannelSize)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	rtcMinPort, err := cmdutil.EnvInt("SFU_RTC_MIN_PORT", sfu.DefaultRTCMinPort)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	rtcMaxPort, err := cmdutil.EnvInt("SFU_RTC_MAX_PORT", sfu.DefaultRTCMaxPort)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fs := flag.NewFlagSet("sfu-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "TCP listen address (env: SFU_LISTEN)")
	fs.StringVar(&keyB64, "key", keyB64, "base64 global signing key (env: SFU_KEY)")
	fs.StringVar(&keyFile, "key-file", keyFile, "file holding the raw global signing key (env: SFU_KEY_FILE)")
	fs.StringVar(&publicIP, "public-ip", publicIP, "announced public IP for media (env: SFU_PUBLIC_IP)")
	fs.StringVar(&rtcInterface, "rtc-interface", rtcInterface, "media listen interface (env: SFU_RTC_INTERFACE)")
	fs.IntVar(&rtcMinPort, "rtc-min-port", rtcMinPort, "media port range start (env: SFU_RTC_MIN_PORT)")
	fs.IntVar(&rtcMaxPort, "rtc-max-port", rtcMaxPort, "media port range end (env: SFU_RTC_MAX_PORT)")
	fs.IntVar(&numWorkers, "num-workers", numWorkers, "media worker count, 0 = one per CPU (env: SFU_NUM_WORKERS)")
	fs.IntVar(&channelSize, "channel-size", channelSize, "max sessions per channel (env: SFU_CHANNEL_SIZE)")
	fs.StringVar(&corsOrigin, "cors-origin", corsOrigin, "Access-Control-Allow-Origin for the HTTP API (env: SFU_CORS_ORIGIN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "Prometheus listen address, empty disables metrics (env: SFU_METRICS_LISTEN)")
	fs.BoolVar(&trustProxy, "trust-proxy", trustProxy, "trust first-hop x-forwarded-* headers (env: SFU_TRUST_PROXY)")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  sfu-server --key-file ./sfu.key --listen 0.0.0.0:8080")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Output:")
		fmt.Fprintln(out, "  stdout: a single JSON ready object")
		fmt.Fprintln(out, "  stderr: logs and errors")
		fmt.Fprintln(out, "")
		printSignalHelp(out)
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Exit codes:")
		fmt.Fprintln(out, "  0: success")
		fmt.Fprintln(out, "  2: usage error (bad flags/missing required)")
		fmt.Fprintln(out, "  1: runtime error")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, sfuversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	globalKey, err := loadKey(keyB64, keyFile)
	if err != nil {
		return usageErr(err.Error())
	}

	// The metric surfaces start as no-ops; --metrics-listen swaps in the
	// Prometheus exporter.
	obs := observability.NewAtomicObserver()
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		reg := prom.NewRegistry()
		promObs := prom.NewObserver(reg)
		obs.Set(promObs, promObs, promObs)
		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() { _ = metricsSrv.Serve(metricsLn) }()
	}

	sup, err := server.NewSupervisor(server.SupervisorConfig{
		Listen:            listen,
		GlobalKey:         globalKey,
		TrustProxyHeaders: trustProxy,
		CORSOrigin:        corsOrigin,
		AllowedOrigins:    allowedOrigins,
		Core: sfu.Config{
			ChannelSize:  channelSize,
			NumWorkers:   numWorkers,
			PublicIP:     publicIP,
			RTCInterface: rtcInterface,
			RTCMinPort:   uint16(rtcMinPort),
			RTCMaxPort:   uint16(rtcMaxPort),
			AudioCodecs:  audioCodecs,
			VideoCodecs:  videoCodecs,
			Logger:       logger,
			Observer:     obs,
		},
		WorkerFactory:   mediaWorkerFactory(logger),
		GatewayObserver: obs,
		Logger:          logger,
	})
	if err != nil {
		return usageErr(err.Error())
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		logger.Print(err)
		return 1
	}
	defer sup.Stop()

	addr := sup.Addr()
	out := ready{
		Status:  "ready",
		Version: version,
		Commit:  commit,
		Date:    date,
		Listen:  addr,
		HTTPURL: "http://" + addr,
		WSURL:   "ws://" + addr,
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)

	for {
		s := <-sig
		if handleSignal(s, logger, sup) {
			continue
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		cancel()
		sup.Stop()
		return 0
	}
}

// loadKey resolves the global signing key from --key (base64) or --key-file
// (raw bytes). Exactly one must be provided.
func loadKey(keyB64, keyFile string) ([]byte, error) {
	keyB64 = strings.TrimSpace(keyB64)
	keyFile = strings.TrimSpace(keyFile)
	switch {
	case keyB64 != "" && keyFile != "":
		return nil, errors.New("--key and --key-file are mutually exclusive")
	case keyB64 != "":
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("invalid --key: %w", err)
		}
		return key, nil
	case keyFile != "":
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read --key-file: %w", err)
		}
		if len(key) == 0 {
			return nil, errors.New("--key-file is empty")
		}
		return key, nil
	default:
		return nil, errors.New("missing --key or --key-file (env: SFU_KEY / SFU_KEY_FILE)")
	}
}

// restart tears the supervisor down and brings it back up; lost state is the
// point, active calls are dropped.
func restart(logger *log.Logger, sup *server.Supervisor) {
	sup.Stop()
	if err := sup.Start(context.Background()); err != nil {
		logger.Printf("restart failed: %v", err)
		return
	}
	logger.Printf("restarted, listening on %s", sup.Addr())
}

// softReset closes every channel but keeps the listeners up.
func softReset(logger *log.Logger, sup *server.Supervisor) {
	if reg := sup.Registry(); reg != nil {
		reg.CloseAll()
		logger.Printf("soft reset: all channels closed")
	}
}

// dumpStats logs per-channel stats and the global incoming bitrate.
func dumpStats(logger *log.Logger, sup *server.Supervisor) {
	reg := sup.Registry()
	if reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	all, err := reg.GetAllStats(ctx)
	if err != nil {
		logger.Printf("stats failed: %v", err)
		return
	}
	var total int64
	for _, st := range all {
		total += st.Bitrate.Total
		logger.Printf("channel %s: sessions=%d camerasOn=%d screensOn=%d bitrate=%d",
			st.UUID, st.SessionCount, st.CamerasOn, st.ScreensOn, st.Bitrate.Total)
	}
	logger.Printf("channels=%d incoming_bitrate=%d", len(all), total)
}
