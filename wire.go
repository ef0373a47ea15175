package netres

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// All wire data (packet payloads, cores, chunk maps) is CBOR with named
// fields. Encoding is canonical so identical values produce identical
// bytes on every peer.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("netres: failed to create CBOR enc mode: %v", err))
	}
	cborEnc = em
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("netres: failed to create CBOR dec mode: %v", err))
	}
	cborDec = dm
}

// MkPacket serializes a payload into a transport packet of the given kind.
func MkPacket(kind PacketKind, v any) (Packet, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return Packet{}, fmt.Errorf("netres: marshal %s: %w", kind, err)
	}
	return Packet{Kind: kind, Data: data}, nil
}

// unmarshalPayload decodes a packet payload; any decode failure is a
// corruption error.
func unmarshalPayload(data []byte, v any) error {
	if err := cborDec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("netres: %s: %w", err, ErrCorrupt)
	}
	return nil
}
