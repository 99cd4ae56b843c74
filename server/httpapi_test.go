package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshcall/sfu/auth"
	"github.com/meshcall/sfu/sfu"
)

func newAPIServer(t *testing.T, cfg APIConfig) (*httptest.Server, *sfu.Registry) {
	t.Helper()
	reg := sfu.NewRegistry(sfu.Config{Logger: testLogger()}, nil)
	t.Cleanup(reg.Close)
	if cfg.GlobalKey == nil {
		cfg.GlobalKey = testKey
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv := httptest.NewServer(NewAPI(cfg, reg))
	t.Cleanup(srv.Close)
	return srv, reg
}

func doRequest(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return doRequest(t, req)
}

func TestNoop(t *testing.T) {
	srv, _ := newAPIServer(t, APIConfig{})

	status, body := get(t, srv.URL+"/v1/noop")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["result"] != "ok" {
		t.Fatalf("body = %s", body)
	}
}

func TestRouting(t *testing.T) {
	srv, _ := newAPIServer(t, APIConfig{})

	if status, _ := get(t, srv.URL+"/v1/nothing-here"); status != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", status)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/noop", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if status, _ := doRequest(t, req); status != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method status = %d", status)
	}
}

func TestStats(t *testing.T) {
	srv, reg := newAPIServer(t, APIConfig{})

	status, body := get(t, srv.URL+"/v1/stats")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if got := strings.TrimSpace(string(body)); got != "[]" {
		t.Fatalf("empty registry stats = %s", got)
	}

	ch := createChannel(t, reg, "svc", "")
	if _, err := ch.Join("alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	status, body = get(t, srv.URL+"/v1/stats")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var stats []sfu.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stats) != 1 || stats[0].UUID != ch.UUID() || stats[0].SessionCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func channelRequest(t *testing.T, url, token string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url+"/v1/channel", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "jwt "+token)
	}
	return req
}

func TestChannelEndpointAuth(t *testing.T) {
	srv, _ := newAPIServer(t, APIConfig{})

	// No Authorization header.
	if status, _ := doRequest(t, channelRequest(t, srv.URL, "")); status != http.StatusUnauthorized {
		t.Fatalf("missing auth status = %d", status)
	}

	// Wrong scheme.
	req := channelRequest(t, srv.URL, "")
	req.Header.Set("Authorization", "Bearer whatever")
	if status, _ := doRequest(t, req); status != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", status)
	}

	// Signature mismatch.
	bad := signToken(t, []byte("wrong-key"), auth.Claims{Iss: "svc"})
	if status, _ := doRequest(t, channelRequest(t, srv.URL, bad)); status != http.StatusInternalServerError {
		t.Fatalf("bad signature status = %d", status)
	}

	// Valid token without an issuer.
	anon := signToken(t, testKey, auth.Claims{})
	if status, _ := doRequest(t, channelRequest(t, srv.URL, anon)); status != http.StatusForbidden {
		t.Fatalf("missing issuer status = %d", status)
	}
}

func TestChannelEndpointCreatesAndReuses(t *testing.T) {
	srv, reg := newAPIServer(t, APIConfig{})
	token := signToken(t, testKey, auth.Claims{Iss: "svc"})

	status, body := doRequest(t, channelRequest(t, srv.URL, token))
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["uuid"] == "" {
		t.Fatalf("no uuid in %s", body)
	}
	if !strings.HasPrefix(out["url"], "http://") {
		t.Fatalf("url = %q", out["url"])
	}
	if reg.Get(out["uuid"]) == nil {
		t.Fatalf("returned uuid not registered")
	}

	// Same issuer from the same caller lands on the same channel.
	_, body2 := doRequest(t, channelRequest(t, srv.URL, token))
	var out2 map[string]string
	if err := json.Unmarshal(body2, &out2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out2["uuid"] != out["uuid"] {
		t.Fatalf("issuer not idempotent: %q vs %q", out2["uuid"], out["uuid"])
	}
}

func TestChannelEndpointKeyClaim(t *testing.T) {
	srv, reg := newAPIServer(t, APIConfig{})

	channelKey := "per-channel-secret"
	token := signToken(t, testKey, auth.Claims{
		Iss: "svc",
		Key: base64.StdEncoding.EncodeToString([]byte(channelKey)),
	})
	status, body := doRequest(t, channelRequest(t, srv.URL, token))
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := reg.Get(out["uuid"]).Key(); got != channelKey {
		t.Fatalf("channel key = %q, want %q", got, channelKey)
	}

	// A key claim that is not base64 is a server-side refusal.
	garbage := signToken(t, testKey, auth.Claims{Iss: "other", Key: "!!not-base64!!"})
	if status, _ := doRequest(t, channelRequest(t, srv.URL, garbage)); status != http.StatusInternalServerError {
		t.Fatalf("bad key claim status = %d", status)
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	srv, reg := newAPIServer(t, APIConfig{})

	post := func(body string) (int, []byte) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/disconnect", strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		return doRequest(t, req)
	}

	if status, _ := post("not-a-token"); status != http.StatusUnprocessableEntity {
		t.Fatalf("garbage body status = %d", status)
	}

	// Valid token but no kick list.
	empty := signToken(t, testKey, auth.Claims{Iss: "svc"})
	if status, _ := post(empty); status != http.StatusUnprocessableEntity {
		t.Fatalf("empty kick list status = %d", status)
	}

	// Create the channel through the API so it records the test client's
	// address, then kick over the same loopback connection.
	create := signToken(t, testKey, auth.Claims{Iss: "svc"})
	_, body := doRequest(t, channelRequest(t, srv.URL, create))
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ch := reg.Get(out["uuid"])
	s, err := ch.Join("alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	kick := signToken(t, testKey, auth.Claims{
		SessionIDsByChannel: map[string][]string{ch.UUID(): {"alice"}},
	})
	status, body := post(kick)
	if status != http.StatusOK {
		t.Fatalf("kick status = %d: %s", status, body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != sfu.StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("session not kicked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newAPIServer(t, APIConfig{CORSOrigin: "https://app.example.com"})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/channel", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestProxyHeaders(t *testing.T) {
	srv, reg := newAPIServer(t, APIConfig{TrustProxyHeaders: true})

	token := signToken(t, testKey, auth.Claims{Iss: "svc"})
	req := channelRequest(t, srv.URL, token)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "sfu.example.com")

	status, body := doRequest(t, req)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["url"] != "https://sfu.example.com" {
		t.Fatalf("url = %q", out["url"])
	}
	if got := reg.Get(out["uuid"]).RemoteAddr(); got != "203.0.113.7" {
		t.Fatalf("recorded address = %q", got)
	}
}
