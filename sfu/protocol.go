package sfu

import (
	"encoding/json"

	"github.com/meshcall/sfu/media"
)

// Bus message names of the wire contract.
const (
	// Client->server messages.
	MsgBroadcast         = "BROADCAST"
	MsgConsumptionChange = "CONSUMPTION_CHANGE"
	MsgInfoChange        = "INFO_CHANGE"
	MsgProductionChange  = "PRODUCTION_CHANGE"

	// Client->server requests.
	ReqConnectCTSTransport = "CONNECT_CTS_TRANSPORT"
	ReqConnectSTCTransport = "CONNECT_STC_TRANSPORT"
	ReqInitProducer        = "INIT_PRODUCER"

	// Server->client messages.
	MsgServerInfoChange = "S_INFO_CHANGE"
	MsgSessionLeave     = "SESSION_LEAVE"

	// Server->client requests.
	ReqInitConsumer   = "INIT_CONSUMER"
	ReqInitTransports = "INIT_TRANSPORTS"
	ReqPing           = "PING"
)

// SessionInfo is the mutable per-session record broadcast to peers. Fixed
// membership; unknown keys never survive decoding.
type SessionInfo struct {
	IsTalking         *bool `json:"isTalking,omitempty"`
	IsCameraOn        *bool `json:"isCameraOn,omitempty"`
	IsScreenSharingOn *bool `json:"isScreenSharingOn,omitempty"`
	IsSelfMuted       *bool `json:"isSelfMuted,omitempty"`
	IsDeaf            *bool `json:"isDeaf,omitempty"`
	IsRaisingHand     *bool `json:"isRaisingHand,omitempty"`
}

// merge overwrites the receiver's fields with every field set on other.
func (i *SessionInfo) merge(other SessionInfo) {
	if other.IsTalking != nil {
		i.IsTalking = other.IsTalking
	}
	if other.IsCameraOn != nil {
		i.IsCameraOn = other.IsCameraOn
	}
	if other.IsScreenSharingOn != nil {
		i.IsScreenSharingOn = other.IsScreenSharingOn
	}
	if other.IsSelfMuted != nil {
		i.IsSelfMuted = other.IsSelfMuted
	}
	if other.IsDeaf != nil {
		i.IsDeaf = other.IsDeaf
	}
	if other.IsRaisingHand != nil {
		i.IsRaisingHand = other.IsRaisingHand
	}
}

func boolPtr(v bool) *bool { return &v }

// InitTransportsRequest is the server->client capability/transport exchange.
// The response payload is the client's RTP capabilities.
type InitTransportsRequest struct {
	Capabilities          json.RawMessage     `json:"capabilities"`
	CTSConfig             media.TransportInfo `json:"ctsConfig"`
	STCConfig             media.TransportInfo `json:"stcConfig"`
	ProducerOptionsByKind map[string]any      `json:"producerOptionsByKind,omitempty"`
}

// ConnectTransportRequest carries the client's DTLS answer for one transport.
type ConnectTransportRequest struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// InitProducerRequest asks the server to create an uplink.
type InitProducerRequest struct {
	Type          media.StreamType `json:"type"`
	Kind          media.Kind       `json:"kind"`
	RTPParameters json.RawMessage  `json:"rtpParameters"`
}

// InitProducerResponse returns the engine-assigned producer id.
type InitProducerResponse struct {
	ID string `json:"id"`
}

// InitConsumerRequest tells a client to mount a downlink.
type InitConsumerRequest struct {
	ID            string           `json:"id"`
	Kind          media.Kind       `json:"kind"`
	ProducerID    string           `json:"producerId"`
	RTPParameters json.RawMessage  `json:"rtpParameters"`
	SessionID     string           `json:"sessionId"`
	Active        bool             `json:"active"`
	Type          media.StreamType `json:"type"`
}

// ProductionChange toggles one of the sender's own streams.
type ProductionChange struct {
	Type   media.StreamType `json:"type"`
	Active bool             `json:"active"`
}

// ConsumptionChange toggles the sender's downlinks of one peer.
type ConsumptionChange struct {
	SessionID string                    `json:"sessionId"`
	States    map[media.StreamType]bool `json:"states"`
}

// InfoChange updates the sender's info record.
type InfoChange struct {
	Info        SessionInfo `json:"info"`
	NeedRefresh bool        `json:"needRefresh,omitempty"`
}

// BroadcastIn is the client->server broadcast envelope.
type BroadcastIn struct {
	Payload json.RawMessage `json:"payload"`
}

// BroadcastOut is the server->client broadcast envelope.
type BroadcastOut struct {
	SenderID string          `json:"senderId"`
	Message  json.RawMessage `json:"message"`
}

// SessionLeave notifies peers that a session is gone.
type SessionLeave struct {
	SessionID string `json:"sessionId"`
}
