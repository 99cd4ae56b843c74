package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcall/sfu/auth"
	"github.com/meshcall/sfu/bus"
	"github.com/meshcall/sfu/mediatest"
	"github.com/meshcall/sfu/realtime/ws"
	"github.com/meshcall/sfu/sfu"
)

var testKey = []byte("gateway-test-key-0123456789abcdef")

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestServer(t *testing.T, gwCfg GatewayConfig) (*httptest.Server, *sfu.Registry, *Gateway) {
	t.Helper()
	cfg := sfu.Config{Logger: testLogger()}
	reg := sfu.NewRegistry(cfg, nil)
	t.Cleanup(reg.Close)

	if gwCfg.GlobalKey == nil {
		gwCfg.GlobalKey = testKey
	}
	if gwCfg.Logger == nil {
		gwCfg.Logger = testLogger()
	}
	gw := NewGateway(gwCfg, reg)
	t.Cleanup(gw.Close)

	api := NewAPI(APIConfig{GlobalKey: testKey, Logger: testLogger()}, reg)
	srv := httptest.NewServer(Handler(api, gw))
	t.Cleanup(srv.Close)
	return srv, reg, gw
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, wsURL(srv), ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *ws.Conn, frame []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.WriteMessage(ctx, websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendCredentials(t *testing.T, conn *ws.Conn, channelUUID, token string) {
	t.Helper()
	frame, err := json.Marshal(credentials{ChannelUUID: channelUUID, JWT: token})
	if err != nil {
		t.Fatalf("marshal credentials: %v", err)
	}
	sendFrame(t, conn, frame)
}

// expectAuthenticated reads until the empty ready frame arrives.
func expectAuthenticated(t *testing.T, conn *ws.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, frame, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	if len(frame) != 0 {
		t.Fatalf("ready frame not empty: %q", frame)
	}
}

// expectClose drains frames until the peer closes and checks the close code.
func expectClose(t *testing.T, conn *ws.Conn, wantCode int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.ReadMessage(ctx)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("want close error, got %v", err)
		}
		if ce.Code != wantCode {
			t.Fatalf("close code = %d, want %d", ce.Code, wantCode)
		}
		return
	}
}

func signToken(t *testing.T, key []byte, claims auth.Claims) string {
	t.Helper()
	token, err := auth.Sign(claims, key, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func createChannel(t *testing.T, reg *sfu.Registry, issuer, key string) *sfu.Channel {
	t.Helper()
	ch, _, err := reg.CreateChannel(context.Background(), "127.0.0.1", issuer, key, false)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

func TestGatewayAttachAndJoin(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "")

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectAuthenticated(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for ch.Session("alice") == nil {
		if time.Now().After(deadline) {
			t.Fatalf("session never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "")

	conn := dial(t, srv)
	bad := signToken(t, []byte("wrong-key"), auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), bad)
	expectClose(t, conn, ws.CloseAuthenticationFailed)
}

func TestGatewayRejectsUnknownChannel(t *testing.T) {
	srv, _, _ := newTestServer(t, GatewayConfig{})

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, "no-such-channel", token)
	expectClose(t, conn, ws.CloseAuthenticationFailed)
}

func TestGatewayRejectsMissingSessionID(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "")

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{Iss: "svc"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectClose(t, conn, ws.CloseAuthenticationFailed)
}

func TestGatewayAuthenticationDeadline(t *testing.T) {
	srv, _, _ := newTestServer(t, GatewayConfig{AuthenticationTimeout: 60 * time.Millisecond})

	conn := dial(t, srv)
	// Never send credentials.
	expectClose(t, conn, ws.CloseTimeout)
}

func TestGatewayChannelFull(t *testing.T) {
	cfg := sfu.Config{ChannelSize: 1, Logger: testLogger()}
	reg := sfu.NewRegistry(cfg, nil)
	t.Cleanup(reg.Close)
	gw := NewGateway(GatewayConfig{GlobalKey: testKey, Logger: testLogger()}, reg)
	t.Cleanup(gw.Close)
	srv := httptest.NewServer(Handler(NewAPI(APIConfig{GlobalKey: testKey, Logger: testLogger()}, reg), gw))
	t.Cleanup(srv.Close)

	ch := createChannel(t, reg, "svc", "")
	if _, err := ch.Join("first"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "second"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectClose(t, conn, ws.CloseChannelFull)
}

func TestGatewayLegacyBareToken(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "")

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "alice", ChannelUUID: ch.UUID()})
	sendFrame(t, conn, []byte(token))
	expectAuthenticated(t, conn)
}

func TestGatewayLegacyRefusedForKeyedChannel(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "per-channel-key")

	conn := dial(t, srv)
	// Signed with the global key; the bare form cannot prove knowledge of
	// the channel key, so it is refused outright.
	token := signToken(t, testKey, auth.Claims{SessionID: "alice", ChannelUUID: ch.UUID()})
	sendFrame(t, conn, []byte(token))
	expectClose(t, conn, ws.CloseAuthenticationFailed)
}

func TestGatewayPerChannelKey(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	channelKey := "per-channel-key"
	ch := createChannel(t, reg, "svc", channelKey)

	// Global-key token is rejected for a keyed channel.
	conn := dial(t, srv)
	global := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), global)
	expectClose(t, conn, ws.CloseAuthenticationFailed)

	// Channel-key token is accepted.
	conn2 := dial(t, srv)
	scoped := signToken(t, []byte(channelKey), auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn2, ch.UUID(), scoped)
	expectAuthenticated(t, conn2)
}

func TestGatewayKickClosesWithKickedCode(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{})
	ch := createChannel(t, reg, "svc", "")

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectAuthenticated(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for ch.Session("alice") == nil {
		if time.Now().After(deadline) {
			t.Fatalf("session never joined")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ch.Session("alice").Close(sfu.CloseKicked, "")
	expectClose(t, conn, ws.CloseKicked)
}

// TestGatewayTransportHandshakeCompletes drives the full attach sequence for
// a media channel over one raw connection: the transport init request must
// arrive while this side is mid-handshake on the same link, and answering it
// must carry the session to CONNECTED.
func TestGatewayTransportHandshakeCompletes(t *testing.T) {
	engine := mediatest.NewEngine()
	cfg := sfu.Config{
		NumWorkers: 1,
		Logger:     testLogger(),
		Timeouts:   sfu.Timeouts{BatchDelay: 10 * time.Millisecond},
	}
	pool, err := sfu.NewWorkerPool(context.Background(), cfg, engine.Factory())
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	t.Cleanup(pool.Close)
	reg := sfu.NewRegistry(cfg, pool)
	t.Cleanup(reg.Close)
	gw := NewGateway(GatewayConfig{
		GlobalKey:  testKey,
		BatchDelay: 10 * time.Millisecond,
		Logger:     testLogger(),
	}, reg)
	t.Cleanup(gw.Close)
	api := NewAPI(APIConfig{GlobalKey: testKey, Logger: testLogger()}, reg)
	srv := httptest.NewServer(Handler(api, gw))
	t.Cleanup(srv.Close)

	ch, _, err := reg.CreateChannel(context.Background(), "127.0.0.1", "svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	conn := dial(t, srv)
	token := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectAuthenticated(t, conn)

	session := ch.Session("alice")
	if session == nil {
		t.Fatalf("session missing after authentication")
	}

	// Answer server requests on this same connection until the transport
	// negotiation has gone through.
	sawInit := false
	for !sawInit {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, frame, err := conn.ReadMessage(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var payloads []bus.Payload
		if err := json.Unmarshal(frame, &payloads); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		for _, p := range payloads {
			if p.NeedResponse == "" {
				continue
			}
			resp, err := json.Marshal([]bus.Payload{{
				Message:    bus.Message{Name: p.Message.Name, Payload: json.RawMessage(`{}`)},
				ResponseTo: p.NeedResponse,
			}})
			if err != nil {
				t.Fatalf("marshal response: %v", err)
			}
			sendFrame(t, conn, resp)
			if p.Message.Name == sfu.ReqInitTransports {
				sawInit = true
			}
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for session.State() != sfu.StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("session state = %v, never reached CONNECTED", session.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayOriginAllowList(t *testing.T) {
	srv, reg, _ := newTestServer(t, GatewayConfig{AllowedOrigins: []string{"*.example.com"}})
	ch := createChannel(t, reg, "svc", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	foreign := http.Header{}
	foreign.Set("Origin", "https://evil.com")
	if conn, _, err := ws.Dial(ctx, wsURL(srv), ws.DialOptions{Header: foreign}); err == nil {
		_ = conn.Close()
		t.Fatalf("dial with foreign origin succeeded")
	}

	allowed := http.Header{}
	allowed.Set("Origin", "https://app.example.com")
	conn, _, err := ws.Dial(ctx, wsURL(srv), ws.DialOptions{Header: allowed})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	token := signToken(t, testKey, auth.Claims{SessionID: "alice"})
	sendCredentials(t, conn, ch.UUID(), token)
	expectAuthenticated(t, conn)
}
