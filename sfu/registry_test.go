package sfu

import (
	"context"
	"errors"
	"testing"
)

func TestCreateChannelIdempotentPerIssuer(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())

	a, created, err := reg.CreateChannel(context.Background(), "10.0.0.1", "svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if !created {
		t.Fatalf("first create not marked created")
	}

	b, created, err := reg.CreateChannel(context.Background(), "10.0.0.1", "svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if created || b != a {
		t.Fatalf("same issuer returned a different channel")
	}

	c, _, err := reg.CreateChannel(context.Background(), "10.0.0.1", "other-svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if c == a {
		t.Fatalf("different issuer shared a channel")
	}

	// Same issuer name from another address is another tenant.
	d, _, err := reg.CreateChannel(context.Background(), "10.0.0.2", "svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if d == a {
		t.Fatalf("issuer not qualified by address")
	}
}

func TestCreateChannelWithoutMedia(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())

	ch, _, err := reg.CreateChannel(context.Background(), "10.0.0.1", "svc", "", false)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if ch.Router() != nil {
		t.Fatalf("webRTC=false channel got a router")
	}
}

func TestJoinUnknownChannelIsAuthFailure(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	if _, err := reg.Join("no-such-uuid", "alice"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
}

func TestChannelCloseRemovesRegistryEntries(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)

	ch.Close()
	if reg.Get(ch.UUID()) != nil {
		t.Fatalf("uuid entry survived close")
	}

	// The issuer slot is free again; creation yields a fresh channel.
	next, created, err := reg.CreateChannel(context.Background(), "10.0.0.1", "issuer", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if !created || next == ch {
		t.Fatalf("issuer slot not released")
	}
}

func TestDisconnectKicksOnlyMatchingAddress(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch, _, err := reg.CreateChannel(context.Background(), "10.0.0.1", "svc", "", true)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	alice, _ := connectSession(t, ch, "alice")
	bob, _ := connectSession(t, ch, "bob")

	// Wrong address: silently skipped.
	if n := reg.Disconnect("10.9.9.9", map[string][]string{ch.UUID(): {"alice"}}); n != 0 {
		t.Fatalf("foreign address kicked %d sessions", n)
	}
	if alice.State() == StateClosed {
		t.Fatalf("alice kicked by foreign address")
	}

	var reason CloseReason
	alice.OnClose(func(r CloseReason) { reason = r })
	n := reg.Disconnect("10.0.0.1", map[string][]string{
		ch.UUID():      {"alice", "ghost"},
		"unknown-uuid": {"whoever"},
	})
	if n != 1 {
		t.Fatalf("kicked = %d, want 1", n)
	}
	waitFor(t, func() bool { return alice.State() == StateClosed }, "alice kicked")
	if reason != CloseKicked {
		t.Fatalf("close reason = %q, want %q", reason, CloseKicked)
	}
	if bob.State() == StateClosed {
		t.Fatalf("bob collaterally kicked")
	}
}

func TestCloseAllKeepsRegistryUsable(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)
	s, _ := connectSession(t, ch, "alice")

	reg.CloseAll()
	waitFor(t, func() bool { return s.State() == StateClosed }, "session closed by reset")
	if len(reg.Channels()) != 0 {
		t.Fatalf("channels survived reset")
	}

	if _, _, err := reg.CreateChannel(context.Background(), "10.0.0.1", "svc", "", true); err != nil {
		t.Fatalf("create after reset: %v", err)
	}
}

func TestRegistryStats(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ch := newTestChannel(t, reg)
	connectSession(t, ch, "alice")
	connectSession(t, ch, "bob")

	global, err := reg.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if global.ChannelCount != 1 || global.SessionCount != 2 {
		t.Fatalf("global stats mismatch: %+v", global)
	}
	if global.WorkerCount != 1 {
		t.Fatalf("worker count = %d", global.WorkerCount)
	}
}
