package netres

import (
	"fmt"
	"strings"
)

// ResType identifies the kind of game content a resource carries. The
// type governs standalone optimization and loadability; System resources
// are never announced as loadable.
type ResType uint8

const (
	ResNull ResType = iota
	ResScenario
	ResDynamic
	ResPlayer
	ResDefinitions
	ResSystem
	ResMaterial
)

func (t ResType) String() string {
	switch t {
	case ResScenario:
		return "Scenario"
	case ResDynamic:
		return "Dynamic"
	case ResPlayer:
		return "Player"
	case ResDefinitions:
		return "Definitions"
	case ResSystem:
		return "System"
	case ResMaterial:
		return "Material"
	default:
		return "Null"
	}
}

// ResID identifies a resource globally: the upper 16 bits are the
// originating peer's client id, the lower 16 bits a per-peer counter.
type ResID int32

const (
	// ResIDNone marks an unset id.
	ResIDNone ResID = -1
	// ResIDAnonymous marks a locally derived resource that has not yet
	// been registered globally. The id allocator never hands out 0.
	ResIDAnonymous ResID = 0
)

// Client returns the id of the peer that created the resource.
func (id ResID) Client() int32 {
	return int32(id) >> 16
}

// IsAnonymous reports whether the id is the anonymous sentinel.
func (id ResID) IsAnonymous() bool { return id == ResIDAnonymous }

// MakeResID composes an id from a client id and a per-peer counter.
func MakeResID(client int32, counter uint16) ResID {
	return ResID(client<<16 | int32(counter))
}

// Core is the announce-time descriptor of a resource and its canonical
// identity on the wire. Two resources with identical FileCRC are
// considered bit-equal. ContentsCRC is a content-only hash that survives
// repackaging of the artifact.
type Core struct {
	Type        ResType `cbor:"Type,omitempty"`
	ID          ResID   `cbor:"ID"`
	DerID       ResID   `cbor:"DerID"`
	Loadable    bool    `cbor:"Loadable,omitempty"`
	FileSize    uint32  `cbor:"FileSize,omitempty"`
	FileCRC     uint32  `cbor:"FileCRC,omitempty"`
	ChunkSize   uint32  `cbor:"ChunkSize,omitempty"`
	ContentsCRC uint32  `cbor:"ContentsCRC,omitempty"`
	FileSHA     string  `cbor:"FileSHA,omitempty"` // hex SHA-1, optional
	FileName    string  `cbor:"Filename,omitempty"`
	Author      string  `cbor:"Author,omitempty"`
}

// Set initializes the base descriptor data. The resource starts out
// unloadable; SetLoadable fills in size and checksum once the standalone
// has been verified.
func (c *Core) Set(t ResType, id ResID, fileName string, contentsCRC uint32, author string) {
	*c = Core{
		Type:        t,
		ID:          id,
		DerID:       ResIDNone,
		ChunkSize:   ChunkSize,
		ContentsCRC: contentsCRC,
		FileName:    netSafeFilename(fileName),
		Author:      netSafeFilename(author),
	}
}

// SetLoadable records the verified standalone size and checksum and marks
// the resource loadable.
func (c *Core) SetLoadable(size, crc uint32) {
	c.Loadable = true
	c.FileSize = size
	c.FileCRC = crc
}

// SetDerived records the derivation parent.
func (c *Core) SetDerived(derID ResID) { c.DerID = derID }

// Clear resets the core to its null state.
func (c *Core) Clear() {
	*c = Core{ID: ResIDNone, DerID: ResIDNone, ChunkSize: ChunkSize}
}

// IsDerived reports whether the core records a derivation parent.
func (c *Core) IsDerived() bool { return c.DerID >= 0 && c.DerID != ResIDAnonymous }

// ChunkCnt returns the number of transfer chunks of the standalone.
func (c *Core) ChunkCnt() int {
	if !c.Loadable || c.ChunkSize == 0 {
		return 0
	}
	return int((c.FileSize + c.ChunkSize - 1) / c.ChunkSize)
}

// coreWire avoids marshal recursion; same layout as Core.
type coreWire Core

// MarshalCBOR implements cbor.Marshaler. Size, checksum and chunk size are
// only carried for loadable cores.
func (c Core) MarshalCBOR() ([]byte, error) {
	w := coreWire(c)
	if !c.Loadable {
		w.FileSize, w.FileCRC, w.ChunkSize = 0, 0, 0
	}
	return cborEnc.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler. A loadable core with a zero
// chunk size is corrupt.
func (c *Core) UnmarshalCBOR(data []byte) error {
	w := coreWire{ID: ResIDNone, DerID: ResIDNone}
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("core: %s: %w", err, ErrCorrupt)
	}
	if w.Loadable && w.ChunkSize == 0 {
		return fmt.Errorf("core: zero chunk size: %w", ErrCorrupt)
	}
	if !w.Loadable && w.ChunkSize == 0 {
		w.ChunkSize = ChunkSize
	}
	w.FileName = netSafeFilename(w.FileName)
	w.Author = netSafeFilename(w.Author)
	*c = Core(w)
	return nil
}

// netSafeFilename normalizes path separators so a name coming off the
// wire never escapes the directory it is resolved in.
func netSafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	for strings.HasPrefix(name, "/") {
		name = name[1:]
	}
	for strings.Contains(name, "../") {
		name = strings.ReplaceAll(name, "../", "")
	}
	return name
}
