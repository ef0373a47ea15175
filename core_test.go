package netres

import (
	"errors"
	"testing"
)

func TestCoreRoundTrip(t *testing.T) {
	cases := map[string]Core{}

	var loadable Core
	loadable.Set(ResScenario, MakeResID(3, 7), "Western.ocs", 0xdeadbeef, "somebody")
	loadable.SetLoadable(123456, 0xcafebabe)
	loadable.FileSHA = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"
	cases["loadable"] = loadable

	var plain Core
	plain.Set(ResDefinitions, MakeResID(1, 1), "Objects.ocd", 42, "")
	cases["unloadable"] = plain

	var anon Core
	anon.Set(ResDynamic, ResIDAnonymous, "Scenario.ocs", 0, "")
	anon.SetDerived(MakeResID(1, 5))
	cases["anonymous derived"] = anon

	for name, c := range cases {
		data, err := cborEnc.Marshal(c)
		if err != nil {
			t.Fatalf("%s: marshal: %v", name, err)
		}
		var back Core
		if err := cborDec.Unmarshal(data, &back); err != nil {
			t.Fatalf("%s: unmarshal: %v", name, err)
		}
		if back != c {
			t.Fatalf("%s: round trip changed core:\n got %+v\nwant %+v", name, back, c)
		}
	}
}

func TestCoreZeroChunkSizeCorrupt(t *testing.T) {
	bad, err := cborEnc.Marshal(struct {
		ID        ResID  `cbor:"ID"`
		DerID     ResID  `cbor:"DerID"`
		Loadable  bool   `cbor:"Loadable"`
		FileSize  uint32 `cbor:"FileSize"`
		FileCRC   uint32 `cbor:"FileCRC"`
		ChunkSize uint32 `cbor:"ChunkSize"`
	}{ID: MakeResID(1, 1), DerID: ResIDNone, Loadable: true, FileSize: 100, FileCRC: 1, ChunkSize: 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var c Core
	if err := cborDec.Unmarshal(bad, &c); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("zero chunk size: err = %v, want ErrCorrupt", err)
	}
}

func TestCoreFilenameFilter(t *testing.T) {
	data, err := cborEnc.Marshal(struct {
		ID       ResID  `cbor:"ID"`
		DerID    ResID  `cbor:"DerID"`
		Filename string `cbor:"Filename"`
	}{ID: MakeResID(1, 1), DerID: ResIDNone, Filename: `..\..\Folder\Evil.ocs`})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var c Core
	if err := cborDec.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.FileName != "Folder/Evil.ocs" {
		t.Fatalf("filtered filename = %q", c.FileName)
	}
}

func TestResIDComposition(t *testing.T) {
	id := MakeResID(7, 0x1234)
	if id.Client() != 7 {
		t.Fatalf("client = %d, want 7", id.Client())
	}
	if int32(id)&0xffff != 0x1234 {
		t.Fatalf("counter bits = %x", int32(id)&0xffff)
	}
	if !ResIDAnonymous.IsAnonymous() || id.IsAnonymous() {
		t.Fatalf("anonymous sentinel misbehaves")
	}
}

func TestCoreChunkCnt(t *testing.T) {
	var c Core
	c.Set(ResDynamic, MakeResID(1, 1), "x", 0, "")
	if c.ChunkCnt() != 0 {
		t.Fatalf("unloadable chunk count = %d", c.ChunkCnt())
	}
	c.SetLoadable(ChunkSize*2+1, 0)
	if c.ChunkCnt() != 3 {
		t.Fatalf("chunk count = %d, want 3", c.ChunkCnt())
	}
	c.SetLoadable(ChunkSize, 0)
	if c.ChunkCnt() != 1 {
		t.Fatalf("chunk count = %d, want 1", c.ChunkCnt())
	}
}
