package netres

// PacketKind identifies one of the five resource protocol packets. The
// values live in a range of their own so the enclosing network layer can
// multiplex them next to its other traffic.
type PacketKind uint8

const (
	PktResDiscover PacketKind = 0x51 + iota // set of resource ids the sender knows
	PktResStatus                            // (resId, chunk map)
	PktResDerive                            // full core with DerID set
	PktResRequest                           // (resId, chunk index)
	PktResData                              // (resId, chunk index, bytes)
)

func (k PacketKind) String() string {
	switch k {
	case PktResDiscover:
		return "ResDiscover"
	case PktResStatus:
		return "ResStatus"
	case PktResDerive:
		return "ResDerive"
	case PktResRequest:
		return "ResRequest"
	case PktResData:
		return "ResData"
	default:
		return "ResUnknown"
	}
}

// Packet is one framed protocol message: a kind and its CBOR payload. The
// transport frames packets; the payload encoding is defined by wire.go.
type Packet struct {
	Kind PacketKind
	Data []byte
}

// PacketResDiscover announces the set of resource ids the sender knows
// about. A receiver answers with a Status for every binary-compatible
// resource it holds among them.
type PacketResDiscover struct {
	IDs []ResID `cbor:"IDs,omitempty"`
}

// AddDisID appends an id to the discover set.
func (p *PacketResDiscover) AddDisID(id ResID) {
	p.IDs = append(p.IDs, id)
}

// IsIDPresent reports whether the discover set contains the id.
func (p *PacketResDiscover) IsIDPresent(id ResID) bool {
	for _, v := range p.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// PacketResStatus reports which chunks of a resource the sender holds.
type PacketResStatus struct {
	ResID  ResID    `cbor:"ResID"`
	Chunks ChunkMap `cbor:"Chunks"`
}

// PacketResRequest asks a peer to send one chunk of a resource.
type PacketResRequest struct {
	ResID ResID  `cbor:"ResID"`
	Chunk uint32 `cbor:"Chunk"`
}

// ResChunk carries one chunk of resource data. The chunk at the end of
// the file may be shorter than the resource's chunk size.
type ResChunk struct {
	ResID ResID  `cbor:"ResID"`
	Chunk uint32 `cbor:"Chunk"`
	Data  []byte `cbor:"Data"`
}
