package sfu

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/meshcall/sfu/media"
)

func produceReq(st media.StreamType) InitProducerRequest {
	return InitProducerRequest{
		Type:          st,
		Kind:          st.KindOf(),
		RTPParameters: json.RawMessage(`{}`),
	}
}

func cameraOnFor(tc *testClient, sessionID string, want bool) func() bool {
	return func() bool {
		for _, m := range tc.Messages(MsgServerInfoChange) {
			var change map[string]SessionInfo
			if json.Unmarshal(m.Payload, &change) != nil {
				continue
			}
			if info, ok := change[sessionID]; ok && info.IsCameraOn != nil && *info.IsCameraOn == want {
				return true
			}
		}
		return false
	}
}

func TestSessionConnects(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	s, _ := connectSession(t, ch, "alice")
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if got := ch.Size(); got != 1 {
		t.Fatalf("channel size = %d, want 1", got)
	}
}

func TestProducerFansOutToPeers(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	_, aliceClient := connectSession(t, ch, "alice")
	bob, bobClient := connectSession(t, ch, "bob")

	resp, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera))
	if err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}
	var out InitProducerResponse
	if err := json.Unmarshal(resp.Message.Payload, &out); err != nil {
		t.Fatalf("response: %v", err)
	}
	if out.ID == "" {
		t.Fatalf("empty producer id")
	}

	waitFor(t, func() bool { return len(bobClient.ConsumerReqs()) == 1 }, "bob offered a consumer")
	req := bobClient.ConsumerReqs()[0]
	if req.SessionID != "alice" || req.Type != media.StreamCamera || !req.Active {
		t.Fatalf("consumer request mismatch: %+v", req)
	}
	if req.Kind != media.KindVideo {
		t.Fatalf("consumer kind = %v, want video", req.Kind)
	}

	waitFor(t, cameraOnFor(bobClient, "alice", true), "bob told camera is on")
	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) != nil }, "bob mounted the consumer")
}

func TestLateJoinerConsumesExistingProducers(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	_, aliceClient := connectSession(t, ch, "alice")
	if _, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamAudio)); err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}

	_, bobClient := connectSession(t, ch, "bob")
	waitFor(t, func() bool { return len(bobClient.ConsumerReqs()) == 1 }, "late joiner offered existing producer")
	if req := bobClient.ConsumerReqs()[0]; req.Type != media.StreamAudio || req.SessionID != "alice" {
		t.Fatalf("consumer request mismatch: %+v", req)
	}
}

func TestProductionChangeTogglesConsumersAndInfo(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	alice, aliceClient := connectSession(t, ch, "alice")
	bob, bobClient := connectSession(t, ch, "bob")

	if _, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera)); err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}
	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) != nil }, "bob mounted the consumer")

	aliceClient.Send(t, MsgProductionChange, ProductionChange{Type: media.StreamCamera, Active: false})

	waitFor(t, func() bool {
		p := alice.Producer(media.StreamCamera)
		return p != nil && p.Paused()
	}, "producer paused")
	waitFor(t, func() bool {
		c := bob.Consumer("alice", media.StreamCamera)
		return c != nil && c.Paused()
	}, "bob's consumer paused")
	waitFor(t, cameraOnFor(bobClient, "alice", false), "bob told camera is off")

	info := alice.Info()
	if info.IsCameraOn == nil || *info.IsCameraOn {
		t.Fatalf("info not updated: %+v", info)
	}
}

func TestConsumptionChangePausesOwnDownlink(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	_, aliceClient := connectSession(t, ch, "alice")
	bob, bobClient := connectSession(t, ch, "bob")

	if _, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera)); err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}
	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) != nil }, "bob mounted the consumer")

	bobClient.Send(t, MsgConsumptionChange, ConsumptionChange{
		SessionID: "alice",
		States:    map[media.StreamType]bool{media.StreamCamera: false},
	})
	waitFor(t, func() bool {
		c := bob.Consumer("alice", media.StreamCamera)
		return c != nil && c.Paused()
	}, "bob's consumer paused on demand")

	// The producer stays live; only bob's downlink pauses.
	if p := ch.Session("alice").Producer(media.StreamCamera); p == nil || p.Paused() {
		t.Fatalf("producer should stay live")
	}
}

func TestBroadcastFansOutToPeersOnly(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	_, aliceClient := connectSession(t, ch, "alice")
	_, bobClient := connectSession(t, ch, "bob")
	_, carolClient := connectSession(t, ch, "carol")

	aliceClient.Send(t, MsgBroadcast, BroadcastIn{Payload: json.RawMessage(`{"hello":"room"}`)})

	check := func(tc *testClient, name string) {
		waitFor(t, func() bool { return len(tc.Messages(MsgBroadcast)) == 1 }, "%s got the broadcast", name)
		var out BroadcastOut
		if err := json.Unmarshal(tc.Messages(MsgBroadcast)[0].Payload, &out); err != nil {
			t.Fatalf("%s broadcast payload: %v", name, err)
		}
		if out.SenderID != "alice" || string(out.Message) != `{"hello":"room"}` {
			t.Fatalf("%s broadcast mismatch: %+v", name, out)
		}
	}
	check(bobClient, "bob")
	check(carolClient, "carol")

	time.Sleep(50 * time.Millisecond)
	if n := len(aliceClient.Messages(MsgBroadcast)); n != 0 {
		t.Fatalf("sender echoed its own broadcast %d times", n)
	}
}

func TestInfoChangeMergesAndRefreshes(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	alice, aliceClient := connectSession(t, ch, "alice")
	_, bobClient := connectSession(t, ch, "bob")

	muted := true
	aliceClient.Send(t, MsgInfoChange, InfoChange{Info: SessionInfo{IsSelfMuted: &muted}, NeedRefresh: true})

	waitFor(t, func() bool {
		info := alice.Info()
		return info.IsSelfMuted != nil && *info.IsSelfMuted
	}, "info merged")
	waitFor(t, func() bool {
		for _, m := range bobClient.Messages(MsgServerInfoChange) {
			var change map[string]SessionInfo
			if json.Unmarshal(m.Payload, &change) == nil {
				if info, ok := change["alice"]; ok && info.IsSelfMuted != nil && *info.IsSelfMuted {
					return true
				}
			}
		}
		return false
	}, "peers told about the change")
	// needRefresh answers the sender with the full snapshot.
	waitFor(t, func() bool { return len(aliceClient.Messages(MsgServerInfoChange)) >= 1 }, "sender got the snapshot")
}

func TestSessionLeaveBroadcastAndCleanup(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	alice, aliceClient := connectSession(t, ch, "alice")
	bob, bobClient := connectSession(t, ch, "bob")

	if _, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera)); err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}
	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) != nil }, "bob mounted the consumer")

	alice.Close(CloseClean, "")

	waitFor(t, func() bool { return len(bobClient.Messages(MsgSessionLeave)) == 1 }, "bob told alice left")
	var leave SessionLeave
	if err := json.Unmarshal(bobClient.Messages(MsgSessionLeave)[0].Payload, &leave); err != nil {
		t.Fatalf("leave payload: %v", err)
	}
	if leave.SessionID != "alice" {
		t.Fatalf("leave session id = %q", leave.SessionID)
	}

	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) == nil }, "bob dropped alice's consumers")
	waitFor(t, func() bool { return ch.Size() == 1 }, "alice removed from channel")
}

func TestConsumerRecoveryRetries(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	_, aliceClient := connectSession(t, ch, "alice")
	bob, bobClient := connectSession(t, ch, "bob")

	bobClient.FailConsume.Store(true)
	if _, err := aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera)); err != nil {
		t.Fatalf("INIT_PRODUCER: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	bobClient.FailConsume.Store(false)

	waitFor(t, func() bool { return bob.Consumer("alice", media.StreamCamera) != nil }, "recovery mounted the consumer")
}

func TestErrorBudgetClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionErrors = 2
	reg, engine := newTestRegistry(t, cfg)
	ch := newTestChannel(t, reg)

	alice, aliceClient := connectSession(t, ch, "alice")
	engine.FailProduce.Store(true)

	for i := 0; i < 3; i++ {
		_, _ = aliceClient.Request(t, ReqInitProducer, produceReq(media.StreamCamera))
	}
	waitFor(t, func() bool { return alice.State() == StateClosed }, "error budget exhausted")
}

func TestConnectionTimeoutWithoutTransports(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Session = 60 * time.Millisecond
	reg, _ := newTestRegistry(t, cfg)
	ch := newTestChannel(t, reg)

	s, err := ch.Join("mute")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	clientHalf, serverHalf := newLinkPair()
	clientBus := newClientBus(clientHalf)
	serverBus := newServerBus(serverHalf)
	tc := &testClient{bus: clientBus}
	tc.MuteTransports.Store(true)
	clientBus.OnRequest(tc.handleRequest)

	go s.Connect(serverBus)
	waitFor(t, func() bool { return s.State() == StateClosed }, "mute client timed out")
}

func TestPingFailureClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Ping = 30 * time.Millisecond
	reg, _ := newTestRegistry(t, cfg)
	ch := newTestChannel(t, reg)

	s, tc := connectSession(t, ch, "alice")

	var reason CloseReason
	done := make(chan struct{})
	s.OnClose(func(r CloseReason) {
		reason = r
		close(done)
	})

	tc.FailPing.Store(true)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session survived failing pings")
	}
	if reason != ClosePingTimeout {
		t.Fatalf("close reason = %q, want %q", reason, ClosePingTimeout)
	}
}
