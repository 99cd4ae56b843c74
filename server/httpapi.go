package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcall/sfu/auth"
	"github.com/meshcall/sfu/sfu"
)

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	// GlobalKey verifies the tokens presented to /v1/channel and
	// /v1/disconnect.
	GlobalKey []byte
	// TrustProxyHeaders honors first-hop x-forwarded-{host,proto,for} when
	// the server sits behind a reverse proxy.
	TrustProxyHeaders bool
	// CORSOrigin, when set, is echoed as Access-Control-Allow-Origin and
	// enables the OPTIONS preflight shadow routes.
	CORSOrigin string

	Logger *log.Logger
}

// API is the versioned HTTP surface: exact-path dispatch, 404 on unknown
// path, 405 on unknown method.
type API struct {
	cfg      APIConfig
	registry *sfu.Registry
	routes   map[string]map[string]http.HandlerFunc
}

// NewAPI builds the dispatcher over the registry.
func NewAPI(cfg APIConfig, registry *sfu.Registry) *API {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	a := &API{cfg: cfg, registry: registry, routes: make(map[string]map[string]http.HandlerFunc)}
	a.route(http.MethodGet, "/v1/noop", a.handleNoop)
	a.route(http.MethodGet, "/v1/stats", a.handleStats)
	a.route(http.MethodGet, "/v1/channel", a.handleChannel)
	a.route(http.MethodPost, "/v1/disconnect", a.handleDisconnect)
	return a
}

func (a *API) route(method, path string, fn http.HandlerFunc) {
	if a.routes[path] == nil {
		a.routes[path] = make(map[string]http.HandlerFunc)
	}
	a.routes[path][method] = fn
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methods := a.routes[r.URL.Path]
	if methods == nil {
		http.NotFound(w, r)
		return
	}
	if a.cfg.CORSOrigin != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", a.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	fn := methods[r.Method]
	if fn == nil {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fn(w, r)
}

func (a *API) handleNoop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	stats, err := a.registry.GetAllStats(ctx)
	if err != nil {
		a.cfg.Logger.Printf("stats: %v", err)
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []sfu.Stats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleChannel(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}
	token, ok := strings.CutPrefix(header, "jwt ")
	if !ok {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}
	claims, err := auth.Verify(strings.TrimSpace(token), a.cfg.GlobalKey, time.Time{})
	if err != nil {
		a.cfg.Logger.Printf("channel: token rejected: %v", err)
		http.Error(w, "token rejected", http.StatusInternalServerError)
		return
	}
	if claims.Iss == "" {
		http.Error(w, "missing issuer", http.StatusForbidden)
		return
	}

	key := ""
	if claims.Key != "" {
		raw, err := base64.StdEncoding.DecodeString(claims.Key)
		if err != nil {
			a.cfg.Logger.Printf("channel: bad key claim: %v", err)
			http.Error(w, "bad key claim", http.StatusInternalServerError)
			return
		}
		key = string(raw)
	}

	webRTC := true
	if v := r.URL.Query().Get("webRTC"); v != "" {
		webRTC = v != "false"
	}

	remoteAddr := a.remoteAddr(r)
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	ch, _, err := a.registry.CreateChannel(ctx, remoteAddr, claims.Iss, key, webRTC)
	if err != nil {
		a.cfg.Logger.Printf("channel: create failed: %v", err)
		http.Error(w, "channel create failed", http.StatusInternalServerError)
		return
	}

	proto, host := a.protoHost(r)
	writeJSON(w, http.StatusOK, map[string]string{
		"uuid": ch.UUID(),
		"url":  proto + "://" + host,
	})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read failed", http.StatusUnprocessableEntity)
		return
	}
	claims, err := auth.Verify(strings.TrimSpace(string(body)), a.cfg.GlobalKey, time.Time{})
	if err != nil || len(claims.SessionIDsByChannel) == 0 {
		http.Error(w, "token rejected", http.StatusUnprocessableEntity)
		return
	}
	a.registry.Disconnect(a.remoteAddr(r), claims.SessionIDsByChannel)
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// remoteAddr resolves the caller's address, honoring the first hop of
// x-forwarded-for when proxy headers are trusted.
func (a *API) remoteAddr(r *http.Request) string {
	if a.cfg.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// protoHost resolves the externally visible scheme and host of the request.
func (a *API) protoHost(r *http.Request) (string, string) {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	host := r.Host
	if a.cfg.TrustProxyHeaders {
		if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
			proto = strings.TrimSpace(v)
		}
		if v := r.Header.Get("X-Forwarded-Host"); v != "" {
			host = strings.TrimSpace(v)
		}
	}
	return proto, host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler routes websocket upgrades to the gateway and everything else to
// the API, so one listener serves both surfaces.
func Handler(api *API, gw *Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gw != nil && websocket.IsWebSocketUpgrade(r) {
			gw.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}
