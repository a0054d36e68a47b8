// Package wire defines the signaling envelopes exchanged between lobby hosts,
// lobby clients and the relay.
//
// Payloads (SDP, ICE candidates) are opaque to the relay. The only validation
// performed here is the envelope shape.
package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

const (
	// HostID addresses the lobby host. Clients must send every message with
	// this id, and clients receive every host message tagged with it.
	HostID int32 = 1

	// FirstClientID is the first id handed out to a client of a lobby.
	FirstClientID int32 = 2
)

// Kind is the tag of a MessageData variant on the wire.
type Kind string

const (
	KindServerAnnounce Kind = "ServerAnnounce"
	KindClientAnnounce Kind = "ClientAnnounce"
	KindOffer          Kind = "Offer"
	KindAnswer         Kind = "Answer"
	KindIceCandidate   Kind = "IceCandidate"
)

// MessageData is one of ServerAnnounce, ClientAnnounce, Offer, Answer or
// IceCandidate.
type MessageData interface {
	Kind() Kind
	isMessageData()
}

// ServerAnnounce is the first message a host sends; it names the lobby.
type ServerAnnounce struct {
	HostUUID    string `json:"host_uuid"`
	DesktopUUID string `json:"desktop_uuid"`
}

// ClientAnnounce is the first message a client receives; it carries the id
// allocated to the client.
type ClientAnnounce struct {
	ClientID int32 `json:"client_id"`
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type IceCandidate struct {
	Candidate string `json:"candidate"`
}

func (ServerAnnounce) Kind() Kind { return KindServerAnnounce }
func (ClientAnnounce) Kind() Kind { return KindClientAnnounce }
func (Offer) Kind() Kind          { return KindOffer }
func (Answer) Kind() Kind         { return KindAnswer }
func (IceCandidate) Kind() Kind   { return KindIceCandidate }

func (ServerAnnounce) isMessageData() {}
func (ClientAnnounce) isMessageData() {}
func (Offer) isMessageData()          {}
func (Answer) isMessageData()         {}
func (IceCandidate) isMessageData()   {}

// SignalingMessage is the JSON envelope carried by every text frame:
//
//	{"id": 2, "data": {"Offer": {"sdp": "..."}}}
//
// When sent by a host, ID is the target client id. When sent by a client it
// must be HostID. When delivered by the relay it is the sender's id.
type SignalingMessage struct {
	ID   int32
	Data MessageData
}

// LogValue keeps payloads out of logs; SDP blobs are large and may carry
// addresses.
func (m SignalingMessage) LogValue() slog.Value {
	kind := Kind("")
	if m.Data != nil {
		kind = m.Data.Kind()
	}
	return slog.GroupValue(
		slog.Int("id", int(m.ID)),
		slog.String("kind", string(kind)),
	)
}

type wireMessage struct {
	ID   int32                     `json:"id"`
	Data map[Kind]json.RawMessage `json:"data"`
}

func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("signaling message %d has no data", m.ID)
	}
	body, err := json.Marshal(m.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:   m.ID,
		Data: map[Kind]json.RawMessage{m.Data.Kind(): body},
	})
}

func (m *SignalingMessage) UnmarshalJSON(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// Encode serializes msg for a text frame.
func Encode(msg SignalingMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a text frame. Every failure is a *ProtocolError.
func Decode(data []byte) (SignalingMessage, error) {
	var raw struct {
		ID   *int32          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return SignalingMessage{}, protocolErr("malformed envelope", err)
	}
	if raw.ID == nil {
		return SignalingMessage{}, Protocolf("envelope missing id")
	}

	var variants map[Kind]json.RawMessage
	if err := json.Unmarshal(raw.Data, &variants); err != nil || variants == nil {
		return SignalingMessage{}, protocolErr("envelope data must be an object", err)
	}
	if len(variants) != 1 {
		return SignalingMessage{}, Protocolf("envelope data must hold exactly one variant, got %d", len(variants))
	}

	var (
		kind Kind
		body json.RawMessage
	)
	for k, v := range variants {
		kind, body = k, v
	}

	d, err := decodeData(kind, body)
	if err != nil {
		return SignalingMessage{}, err
	}
	return SignalingMessage{ID: *raw.ID, Data: d}, nil
}

func decodeData(kind Kind, body json.RawMessage) (MessageData, error) {
	switch kind {
	case KindServerAnnounce:
		var v struct {
			HostUUID    *string `json:"host_uuid"`
			DesktopUUID *string `json:"desktop_uuid"`
		}
		if err := decodeBody(kind, body, &v); err != nil {
			return nil, err
		}
		if v.HostUUID == nil || v.DesktopUUID == nil {
			return nil, Protocolf("%s missing host_uuid/desktop_uuid", kind)
		}
		return ServerAnnounce{HostUUID: *v.HostUUID, DesktopUUID: *v.DesktopUUID}, nil
	case KindClientAnnounce:
		var v struct {
			ClientID *int32 `json:"client_id"`
		}
		if err := decodeBody(kind, body, &v); err != nil {
			return nil, err
		}
		if v.ClientID == nil {
			return nil, Protocolf("%s missing client_id", kind)
		}
		return ClientAnnounce{ClientID: *v.ClientID}, nil
	case KindOffer, KindAnswer:
		var v struct {
			SDP *string `json:"sdp"`
		}
		if err := decodeBody(kind, body, &v); err != nil {
			return nil, err
		}
		if v.SDP == nil {
			return nil, Protocolf("%s missing sdp", kind)
		}
		if kind == KindOffer {
			return Offer{SDP: *v.SDP}, nil
		}
		return Answer{SDP: *v.SDP}, nil
	case KindIceCandidate:
		var v struct {
			Candidate *string `json:"candidate"`
		}
		if err := decodeBody(kind, body, &v); err != nil {
			return nil, err
		}
		if v.Candidate == nil {
			return nil, Protocolf("%s missing candidate", kind)
		}
		return IceCandidate{Candidate: *v.Candidate}, nil
	default:
		return nil, Protocolf("unknown variant %q", kind)
	}
}

func decodeBody(kind Kind, body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return protocolErr(fmt.Sprintf("invalid %s", kind), err)
	}
	return nil
}

// RelayEnvelope tags a message with the id of the connection that sent it
// while it travels through a fan-out channel.
type RelayEnvelope struct {
	SenderID int32
	Message  SignalingMessage
}

// Readdress returns the message as the receiving side sees it: the id is
// replaced by the sender's id.
func (e RelayEnvelope) Readdress() SignalingMessage {
	return SignalingMessage{ID: e.SenderID, Data: e.Message.Data}
}
