package wire

import (
	"errors"

	"github.com/omerta-mesh/mesh/pkg/cryptobox"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// EnvelopeVersion is the single supported outer-envelope version.
const EnvelopeVersion byte = 1

// ErrShortPacket means a packet is too short to contain a valid envelope.
var ErrShortPacket = errors.New("wire: packet too short for envelope")

// ErrUnsupportedVersion means the envelope_version byte wasn't recognized.
var ErrUnsupportedVersion = errors.New("wire: unsupported envelope version")

// ErrUnknownNetwork means the network_id didn't match any held key; the
// packet must be dropped silently by the caller (this error exists only
// so the caller can count it, per spec.md §7 "Cryptographic" taxonomy).
var ErrUnknownNetwork = errors.New("wire: unknown network_id")

// BuildDatagram seals a plaintext Frame into the full outer wire format:
// version(1) || network_id_len(1) || network_id || nonce(12) || aead_ct.
func BuildDatagram(key meshtypes.NetworkKey, ns *cryptobox.NonceSource, f Frame) ([]byte, error) {
	plain, err := Encode(f)
	if err != nil {
		return nil, err
	}
	netID := cryptobox.NetworkIDFromKey(key)
	nonce := ns.Next()
	ct, err := cryptobox.Seal(key, nonce, plain)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(netID)+len(nonce)+len(ct))
	out = append(out, EnvelopeVersion)
	out = append(out, byte(len(netID)))
	out = append(out, netID[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// ParseDatagram splits the outer envelope, looks up the sealing key in
// ring by network_id, and authenticates+decodes the inner Frame. Any
// failure (short packet, bad version, unknown network, AEAD failure) is
// reported distinctly so the caller can count it and then drop the
// packet silently, per spec.md §4.2/§7.
func ParseDatagram(ring *cryptobox.KeyRing, datagram []byte) (Frame, error) {
	if len(datagram) < 2 {
		return Frame{}, ErrShortPacket
	}
	if datagram[0] != EnvelopeVersion {
		return Frame{}, ErrUnsupportedVersion
	}
	netIDLen := int(datagram[1])
	offset := 2
	if len(datagram) < offset+netIDLen+12 {
		return Frame{}, ErrShortPacket
	}
	var netID meshtypes.NetworkID
	if netIDLen != len(netID) {
		return Frame{}, ErrShortPacket
	}
	copy(netID[:], datagram[offset:offset+netIDLen])
	offset += netIDLen

	key, ok := ring.Lookup(netID)
	if !ok {
		return Frame{}, ErrUnknownNetwork
	}

	var nonce [12]byte
	copy(nonce[:], datagram[offset:offset+12])
	offset += 12
	ct := datagram[offset:]

	plain, err := cryptobox.Open(key, nonce, ct)
	if err != nil {
		return Frame{}, err
	}
	return Decode(plain)
}
