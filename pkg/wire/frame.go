// Package wire implements the tagged-frame codec from spec.md §4.2: a
// closed set of control/data frames, encoded self-describingly enough that
// new tags can be added without breaking old peers (a stable 1-byte tag
// plus a CBOR-encoded, length-delimited body). Unknown tags decode to a
// Frame whose typed body fields are all nil, whose Tag is preserved and
// whose Unknown field holds the raw body, so callers can drop them
// silently per spec.md §4.2/§6.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag is the stable 1-byte frame-type enum.
type Tag byte

const (
	TagPing Tag = iota + 1
	TagPong
	TagEndpointReport
	TagHolePunchRequest
	TagHolePunchCoordinate
	TagProbe
	TagProbeAck
	TagRelayRequest
	TagRelayAccept
	TagRelayDeny
	TagRelayData
	TagRelayEnd
	TagChannelData
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagEndpointReport:
		return "endpoint_report"
	case TagHolePunchRequest:
		return "hole_punch_request"
	case TagHolePunchCoordinate:
		return "hole_punch_coordinate"
	case TagProbe:
		return "probe"
	case TagProbeAck:
		return "probe_ack"
	case TagRelayRequest:
		return "relay_request"
	case TagRelayAccept:
		return "relay_accept"
	case TagRelayDeny:
		return "relay_deny"
	case TagRelayData:
		return "relay_data"
	case TagRelayEnd:
		return "relay_end"
	case TagChannelData:
		return "channel_data"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// RecentPeer is one gossip entry in a ping/pong payload.
type RecentPeer struct {
	PeerID      string `cbor:"1,keyasint"`
	Endpoint    string `cbor:"2,keyasint"`
	NATType     int    `cbor:"3,keyasint"`
	LastSeenUTC int64  `cbor:"4,keyasint"`
}

// PingBody is the plaintext of a "ping" frame.
type PingBody struct {
	RecentPeers []RecentPeer `cbor:"1,keyasint"`
	MyNATType   int          `cbor:"2,keyasint"`
}

// PongBody is the plaintext of a "pong" frame.
type PongBody struct {
	MappedEndpoint   string       `cbor:"1,keyasint"`
	RecentPeers      []RecentPeer `cbor:"2,keyasint"`
	ObservedNATType  int          `cbor:"3,keyasint"`
}

// EndpointReportBody notifies a peer its externally observed endpoint
// changed, hinting the receiver to re-run NAT detection (spec.md §4.3).
type EndpointReportBody struct {
	Endpoint string `cbor:"1,keyasint"`
}

// HolePunchRequestBody asks a coordinator to broker a hole punch with a
// target peer (spec.md §4.5 step 1).
type HolePunchRequestBody struct {
	TargetPeerID string `cbor:"1,keyasint"`
	AttemptID    string `cbor:"2,keyasint"`
}

// HolePunchCoordinateBody is sent by the coordinator to each side with the
// other side's endpoint and a synchronized future moment (spec.md §4.5
// step 2).
type HolePunchCoordinateBody struct {
	AttemptID          string `cbor:"1,keyasint"`
	PeerEndpoint       string `cbor:"2,keyasint"`
	TimeSyncHintUnixMs int64  `cbor:"3,keyasint"`
}

// ProbeBody is one datagram in a hole-punch probe burst (spec.md §4.5
// step 3).
type ProbeBody struct {
	AttemptID string `cbor:"1,keyasint"`
	Nonce     uint64 `cbor:"2,keyasint"`
}

// ProbeAckBody answers a probe, carrying the acker's local time so the
// original sender can measure RTT (spec.md §4.5 step 4).
type ProbeAckBody struct {
	AttemptID   string `cbor:"1,keyasint"`
	Nonce       uint64 `cbor:"2,keyasint"`
	LocalTimeMs int64  `cbor:"3,keyasint"`
}

// RelayRequestBody asks a relay connection to open a session to a target
// peer (spec.md §4.7).
type RelayRequestBody struct {
	TargetPeerID string `cbor:"1,keyasint"`
	SessionID    string `cbor:"2,keyasint"`
}

// RelayAcceptBody confirms a relay session was opened.
type RelayAcceptBody struct {
	SessionID string `cbor:"1,keyasint"`
}

// RelayDenyBody rejects a relay session request.
type RelayDenyBody struct {
	SessionID string `cbor:"1,keyasint"`
	Reason    string `cbor:"2,keyasint"`
}

// RelayDataBody carries opaque (already network-key-sealed) payload bytes
// through a relay session; the relay itself never decrypts this — see
// spec.md §4.7.
type RelayDataBody struct {
	SessionID string `cbor:"1,keyasint"`
	Bytes     []byte `cbor:"2,keyasint"`
}

// RelayEndBody closes a relay session explicitly.
type RelayEndBody struct {
	SessionID string `cbor:"1,keyasint"`
}

// ChannelDataBody carries an application payload on a named logical
// channel (spec.md §4.8).
type ChannelDataBody struct {
	Channel string `cbor:"1,keyasint"`
	Bytes   []byte `cbor:"2,keyasint"`
}

// rawFrame is the outer, always-decodable envelope: a tag plus an opaque
// CBOR-encoded body. Decoding rawFrame never fails on an unrecognized tag,
// which is what lets new frame types land without breaking old peers.
type rawFrame struct {
	Tag  Tag    `cbor:"1,keyasint"`
	Body []byte `cbor:"2,keyasint"`
}

// Frame is a decoded plaintext frame: Tag identifies the variant, and
// exactly one of the typed fields is populated. Unknown holds the raw bytes
// when Tag is not one of the known constants (unknown frame), so the
// caller can silently drop it.
type Frame struct {
	Tag Tag

	Ping               *PingBody
	Pong               *PongBody
	EndpointReport     *EndpointReportBody
	HolePunchRequest   *HolePunchRequestBody
	HolePunchCoordinate *HolePunchCoordinateBody
	Probe              *ProbeBody
	ProbeAck           *ProbeAckBody
	RelayRequest       *RelayRequestBody
	RelayAccept        *RelayAcceptBody
	RelayDeny          *RelayDenyBody
	RelayData          *RelayDataBody
	RelayEnd           *RelayEndBody
	ChannelData        *ChannelDataBody

	Unknown []byte // populated only when Tag is not recognized
}

func encodeBody(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Encode serializes a Frame to the plaintext bytes that get AEAD-sealed.
func Encode(f Frame) ([]byte, error) {
	var body []byte
	var err error
	switch f.Tag {
	case TagPing:
		body, err = encodeBody(f.Ping)
	case TagPong:
		body, err = encodeBody(f.Pong)
	case TagEndpointReport:
		body, err = encodeBody(f.EndpointReport)
	case TagHolePunchRequest:
		body, err = encodeBody(f.HolePunchRequest)
	case TagHolePunchCoordinate:
		body, err = encodeBody(f.HolePunchCoordinate)
	case TagProbe:
		body, err = encodeBody(f.Probe)
	case TagProbeAck:
		body, err = encodeBody(f.ProbeAck)
	case TagRelayRequest:
		body, err = encodeBody(f.RelayRequest)
	case TagRelayAccept:
		body, err = encodeBody(f.RelayAccept)
	case TagRelayDeny:
		body, err = encodeBody(f.RelayDeny)
	case TagRelayData:
		body, err = encodeBody(f.RelayData)
	case TagRelayEnd:
		body, err = encodeBody(f.RelayEnd)
	case TagChannelData:
		body, err = encodeBody(f.ChannelData)
	default:
		body = f.Unknown
	}
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(rawFrame{Tag: f.Tag, Body: body})
}

// Decode parses plaintext bytes into a Frame. An unrecognized tag never
// returns an error; it yields a Frame with Tag set and Unknown populated,
// which callers must silently drop (spec.md §4.2, §6: "unknown tags are
// silently dropped").
func Decode(plaintext []byte) (Frame, error) {
	var raw rawFrame
	if err := cbor.Unmarshal(plaintext, &raw); err != nil {
		return Frame{}, err
	}
	f := Frame{Tag: raw.Tag}
	var err error
	switch raw.Tag {
	case TagPing:
		f.Ping = &PingBody{}
		err = cbor.Unmarshal(raw.Body, f.Ping)
	case TagPong:
		f.Pong = &PongBody{}
		err = cbor.Unmarshal(raw.Body, f.Pong)
	case TagEndpointReport:
		f.EndpointReport = &EndpointReportBody{}
		err = cbor.Unmarshal(raw.Body, f.EndpointReport)
	case TagHolePunchRequest:
		f.HolePunchRequest = &HolePunchRequestBody{}
		err = cbor.Unmarshal(raw.Body, f.HolePunchRequest)
	case TagHolePunchCoordinate:
		f.HolePunchCoordinate = &HolePunchCoordinateBody{}
		err = cbor.Unmarshal(raw.Body, f.HolePunchCoordinate)
	case TagProbe:
		f.Probe = &ProbeBody{}
		err = cbor.Unmarshal(raw.Body, f.Probe)
	case TagProbeAck:
		f.ProbeAck = &ProbeAckBody{}
		err = cbor.Unmarshal(raw.Body, f.ProbeAck)
	case TagRelayRequest:
		f.RelayRequest = &RelayRequestBody{}
		err = cbor.Unmarshal(raw.Body, f.RelayRequest)
	case TagRelayAccept:
		f.RelayAccept = &RelayAcceptBody{}
		err = cbor.Unmarshal(raw.Body, f.RelayAccept)
	case TagRelayDeny:
		f.RelayDeny = &RelayDenyBody{}
		err = cbor.Unmarshal(raw.Body, f.RelayDeny)
	case TagRelayData:
		f.RelayData = &RelayDataBody{}
		err = cbor.Unmarshal(raw.Body, f.RelayData)
	case TagRelayEnd:
		f.RelayEnd = &RelayEndBody{}
		err = cbor.Unmarshal(raw.Body, f.RelayEnd)
	case TagChannelData:
		f.ChannelData = &ChannelDataBody{}
		err = cbor.Unmarshal(raw.Body, f.ChannelData)
	default:
		f.Unknown = raw.Body
	}
	if err != nil {
		return Frame{}, err
	}
	return f, nil
}
