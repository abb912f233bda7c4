package wire

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/omerta-mesh/mesh/pkg/cryptobox"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

func testKey(b byte) meshtypes.NetworkKey {
	var k meshtypes.NetworkKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Tag: TagChannelData,
		ChannelData: &ChannelDataBody{
			Channel: "x",
			Bytes:   []byte("hello"),
		},
	}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Tag != TagChannelData || got.ChannelData == nil {
		t.Fatalf("decoded frame missing ChannelData: %+v", got)
	}
	if got.ChannelData.Channel != "x" || !bytes.Equal(got.ChannelData.Bytes, []byte("hello")) {
		t.Fatalf("round trip mismatch: %+v", got.ChannelData)
	}
}

func TestUnknownTagDropsSilently(t *testing.T) {
	raw, err := encodeBody(&PingBody{MyNATType: 1})
	if err != nil {
		t.Fatalf("encodeBody: %v", err)
	}
	b, err := cbor.Marshal(rawFrame{Tag: Tag(99), Body: raw})
	if err != nil {
		t.Fatalf("marshal raw: %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode of an unknown tag must not error, got %v", err)
	}
	if f.Tag != Tag(99) {
		t.Fatalf("expected preserved tag 99, got %v", f.Tag)
	}
	if f.Ping != nil || f.ChannelData != nil {
		t.Fatalf("unknown-tag frame should not populate any typed field")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := testKey(0x42)
	ns, err := cryptobox.NewNonceSource()
	if err != nil {
		t.Fatalf("NewNonceSource: %v", err)
	}
	ring := cryptobox.NewKeyRing(key)

	f := Frame{Tag: TagPing, Ping: &PingBody{MyNATType: 2}}
	dgram, err := BuildDatagram(key, ns, f)
	if err != nil {
		t.Fatalf("BuildDatagram: %v", err)
	}
	got, err := ParseDatagram(ring, dgram)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if got.Tag != TagPing || got.Ping == nil || got.Ping.MyNATType != 2 {
		t.Fatalf("envelope round trip mismatch: %+v", got)
	}
}

func TestEnvelopeUnknownNetworkDropped(t *testing.T) {
	key := testKey(0x01)
	other := testKey(0x02)
	ns, _ := cryptobox.NewNonceSource()
	ring := cryptobox.NewKeyRing(other) // does not hold `key`

	dgram, err := BuildDatagram(key, ns, Frame{Tag: TagPing, Ping: &PingBody{}})
	if err != nil {
		t.Fatalf("BuildDatagram: %v", err)
	}
	if _, err := ParseDatagram(ring, dgram); err != ErrUnknownNetwork {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
}
