// Package observability defines the metric event surfaces of the SFU. The
// default observers are no-ops; the prom subpackage exports them to
// Prometheus and the atomic wrappers let the binary swap exporters at
// runtime.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

type AttachReason string

const (
	AttachReasonOK                 AttachReason = "ok"
	AttachReasonUpgradeError       AttachReason = "upgrade_error"
	AttachReasonTimeout            AttachReason = "timeout"
	AttachReasonInvalidCredentials AttachReason = "invalid_credentials"
	AttachReasonInvalidToken       AttachReason = "invalid_token"
	AttachReasonUnknownChannel     AttachReason = "unknown_channel"
	AttachReasonMissingSessionID   AttachReason = "missing_session_id"
	AttachReasonLegacyKeyedChannel AttachReason = "legacy_keyed_channel"
	AttachReasonChannelFull        AttachReason = "channel_full"
	AttachReasonJoinFailed         AttachReason = "join_failed"
)

// GatewayObserver receives connection-level metric events.
type GatewayObserver interface {
	ConnCount(n int64)
	Attach(result AttachResult, reason AttachReason)
}

// CoreObserver receives channel/session/worker metric events.
type CoreObserver interface {
	ChannelCount(n int)
	SessionJoin()
	SessionClose(reason string)
	WorkerRespawn()
	IncomingBitrate(bps float64)
}

// BusObserver receives bus-level metric events.
type BusObserver interface {
	RequestLatency(name string, result string, d time.Duration)
	BatchFlush(size int)
}

type noopGatewayObserver struct{}

func (noopGatewayObserver) ConnCount(int64)                   {}
func (noopGatewayObserver) Attach(AttachResult, AttachReason) {}

type noopCoreObserver struct{}

func (noopCoreObserver) ChannelCount(int)        {}
func (noopCoreObserver) SessionJoin()            {}
func (noopCoreObserver) SessionClose(string)     {}
func (noopCoreObserver) WorkerRespawn()          {}
func (noopCoreObserver) IncomingBitrate(float64) {}

type noopBusObserver struct{}

func (noopBusObserver) RequestLatency(string, string, time.Duration) {}
func (noopBusObserver) BatchFlush(int)                               {}

// NoopGatewayObserver is a zero-cost observer used when metrics are disabled.
var NoopGatewayObserver GatewayObserver = noopGatewayObserver{}

// NoopCoreObserver is a zero-cost observer used when metrics are disabled.
var NoopCoreObserver CoreObserver = noopCoreObserver{}

// NoopBusObserver is a zero-cost observer used when metrics are disabled.
var NoopBusObserver BusObserver = noopBusObserver{}

// AtomicObserver bundles the three surfaces and swaps delegates at runtime.
type AtomicObserver struct {
	once sync.Once
	v    atomic.Value
}

type observerHolder struct {
	gateway GatewayObserver
	core    CoreObserver
	bus     BusObserver
}

func noopHolder() *observerHolder {
	return &observerHolder{
		gateway: NoopGatewayObserver,
		core:    NoopCoreObserver,
		bus:     NoopBusObserver,
	}
}

// NewAtomicObserver returns an initialized atomic observer delegating to the
// no-op observers.
func NewAtomicObserver() *AtomicObserver {
	a := &AtomicObserver{}
	a.once.Do(func() { a.v.Store(noopHolder()) })
	return a
}

// Set replaces the delegates; nil surfaces fall back to the no-ops.
func (a *AtomicObserver) Set(gateway GatewayObserver, core CoreObserver, bus BusObserver) {
	h := noopHolder()
	if gateway != nil {
		h.gateway = gateway
	}
	if core != nil {
		h.core = core
	}
	if bus != nil {
		h.bus = bus
	}
	a.once.Do(func() { a.v.Store(noopHolder()) })
	a.v.Store(h)
}

func (a *AtomicObserver) load() *observerHolder {
	a.once.Do(func() { a.v.Store(noopHolder()) })
	return a.v.Load().(*observerHolder)
}

func (a *AtomicObserver) ConnCount(n int64) { a.load().gateway.ConnCount(n) }
func (a *AtomicObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().gateway.Attach(result, reason)
}
func (a *AtomicObserver) ChannelCount(n int)          { a.load().core.ChannelCount(n) }
func (a *AtomicObserver) SessionJoin()                { a.load().core.SessionJoin() }
func (a *AtomicObserver) SessionClose(reason string)  { a.load().core.SessionClose(reason) }
func (a *AtomicObserver) WorkerRespawn()              { a.load().core.WorkerRespawn() }
func (a *AtomicObserver) IncomingBitrate(bps float64) { a.load().core.IncomingBitrate(bps) }
func (a *AtomicObserver) RequestLatency(name string, result string, d time.Duration) {
	a.load().bus.RequestLatency(name, result, d)
}
func (a *AtomicObserver) BatchFlush(size int) { a.load().bus.BatchFlush(size) }
