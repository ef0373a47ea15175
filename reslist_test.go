package netres

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNextResIDAllocation(t *testing.T) {
	l := newBareList(t)
	id1, err := l.NextResID()
	if err != nil {
		t.Fatalf("NextResID: %v", err)
	}
	id2, _ := l.NextResID()
	if id1.Client() != 9 || id2.Client() != 9 {
		t.Fatalf("ids outside client window: %v %v", id1, id2)
	}
	if id2 <= id1 {
		t.Fatalf("ids not increasing: %v then %v", id1, id2)
	}
	if id1 == ResIDAnonymous || id2 == ResIDAnonymous {
		t.Fatalf("anonymous sentinel was allocated")
	}
}

func TestNextResIDSkipsTaken(t *testing.T) {
	l := newBareList(t)
	id1, _ := l.NextResID()
	// occupy the next slot
	res := newRes(l)
	res.mu.Lock()
	res.core.Set(ResDynamic, id1+1, "taken", 0, "")
	res.mu.Unlock()
	l.Add(res)
	id2, err := l.NextResID()
	if err != nil {
		t.Fatalf("NextResID: %v", err)
	}
	if id2 == id1+1 {
		t.Fatalf("allocator handed out a taken id")
	}
}

func TestSetLocalIDRetargeting(t *testing.T) {
	n := NewLoopbackNet()
	l, _ := newTestPeer(t, n, 1)
	src1 := testFile(t, t.TempDir(), "one.bin", 2000)
	src2 := testFile(t, t.TempDir(), "two.bin", 2000)
	r1, err := l.AddByFile(src1, false, ResDynamic, ResIDNone, "one.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer r1.DelRef()
	r2, err := l.AddByFile(src2, false, ResDynamic, ResIDNone, "two.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer r2.DelRef()
	old1, old2 := r1.ID(), r2.ID()

	l.SetLocalID(7)
	if got := r1.ID().Client(); got != 7 {
		t.Fatalf("retargeted client = %d, want 7", got)
	}
	if r1.ID()&0xffff != old1&0xffff || r2.ID()&0xffff != old2&0xffff {
		t.Fatalf("counter bits changed during retargeting")
	}
	// lookups resolve under the new ids
	if got := l.GetRes(r1.ID()); got != r1 {
		t.Fatalf("catalog lookup by new id failed")
	}
	if got := l.GetRes(old1); got != nil {
		t.Fatalf("old id still resolves")
	}
	// fresh allocations land in the new window
	id, err := l.NextResID()
	if err != nil {
		t.Fatalf("NextResID: %v", err)
	}
	if id.Client() != 7 {
		t.Fatalf("new id in window %d, want 7", id.Client())
	}
}

func TestAddByFileDeduplicatesByPath(t *testing.T) {
	l := newBareList(t)
	src := testFile(t, t.TempDir(), "d.bin", 2000)
	r1, err := l.AddByFile(src, false, ResDynamic, ResIDNone, "d.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer r1.DelRef()
	r2, err := l.AddByFile(src, false, ResDynamic, ResIDNone, "d.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer r2.DelRef()
	if r1 != r2 {
		t.Fatalf("same path produced two catalog entries")
	}
}

func TestGetRefNextRes(t *testing.T) {
	l := newBareList(t)
	src1 := testFile(t, t.TempDir(), "n1.bin", 1000)
	src2 := testFile(t, t.TempDir(), "n2.bin", 1000)
	r1, _ := l.AddByFile(src1, false, ResDynamic, ResIDNone, "n1.bin", false)
	defer r1.DelRef()
	r2, _ := l.AddByFile(src2, false, ResDynamic, ResIDNone, "n2.bin", false)
	defer r2.DelRef()

	var seen []ResID
	for res := l.GetRefNextRes(0); res != nil; {
		id := res.ID()
		seen = append(seen, id)
		res.DelRef()
		res = l.GetRefNextRes(id + 1)
	}
	if len(seen) != 2 {
		t.Fatalf("iterated %d entries, want 2", len(seen))
	}
	if seen[0] >= seen[1] {
		t.Fatalf("iteration not in id order: %v", seen)
	}
}

func TestReaper(t *testing.T) {
	l := newBareList(t)
	src := testFile(t, t.TempDir(), "r.bin", 1000)
	res, err := l.AddByFile(src, false, ResDynamic, ResIDNone, "r.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	id := res.ID()
	res.Remove()

	// recently requested: the grace window keeps it linked
	l.OnTimer()
	if l.GetRes(id) == nil {
		t.Fatalf("entry reaped within the grace window")
	}

	// no pending request: reaped immediately
	res.mu.Lock()
	res.lastReqTime = time.Time{}
	res.mu.Unlock()
	l.OnTimer()
	if l.GetRes(id) != nil {
		t.Fatalf("removed entry still linked after grace window")
	}
	res.DelRef()
}

func TestRemoveAtClient(t *testing.T) {
	n := NewLoopbackNet()
	la, _ := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)
	src := testFile(t, t.TempDir(), "rc.bin", 25000)
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "rc.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	resB, err := lb.AddByCore(resA.Core(), true)
	if err != nil {
		t.Fatalf("AddByCore: %v", err)
	}
	defer resB.DelRef()

	lb.RemoveAtClient(1)
	if !resB.IsRemoved() {
		t.Fatalf("resource of client 1 not marked removed")
	}
}

// TestListRaceConditions exercises concurrent catalog access; run with
// the -race flag.
func TestListRaceConditions(t *testing.T) {
	n := NewLoopbackNet()
	l, _ := newTestPeer(t, n, 1)
	dir := t.TempDir()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				src := filepath.Join(dir, fmt.Sprintf("f%d_%d.bin", g, i))
				if err := os.WriteFile(src, bytes.Repeat([]byte{byte(g)}, 1500), 0644); err != nil {
					continue
				}
				res, err := l.AddByFile(src, false, ResDynamic, ResIDNone, "", false)
				if err != nil {
					continue
				}
				if r := l.GetRefRes(res.ID()); r != nil {
					r.DelRef()
				}
				l.GetClientProgress(2)
				res.DelRef()
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			l.OnTimer()
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
}
